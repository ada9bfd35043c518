package state

import (
	"storyboard/pkg/grid"
	"storyboard/pkg/schema"
)

type SelectEpisode struct{ EpisodeID string }

func (a SelectEpisode) Episode() string { return "" }

func (a SelectEpisode) apply(s AppState) AppState {
	s.SelectedEpisodeID = a.EpisodeID
	return s
}

// LoadEpisode replaces the shot list with the stored one. Known grid results are kept.
type LoadEpisode struct{ Data schema.Episode }

func (a LoadEpisode) Episode() string { return a.Data.ID }

func (a LoadEpisode) apply(s AppState) AppState {
	return update(s, a.Data.ID, func(e *EpisodeState) {
		e.ProjectID = a.Data.ProjectID
		e.Shots = schema.CloneShots(a.Data.Shots)
	})
}

// RestoreGrids puts back grid results saved by an earlier session. Slots already known win.
type RestoreGrids struct {
	EpisodeID string
	Grids     []string
}

func (a RestoreGrids) Episode() string { return a.EpisodeID }

func (a RestoreGrids) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) {
		if len(e.Grids) < len(a.Grids) {
			grids := make([]string, len(a.Grids))
			copy(grids, e.Grids)
			e.Grids = grids
		}
		for i, url := range a.Grids {
			if e.Grids[i] == "" {
				e.Grids[i] = url
			}
		}
	})
}

type SetShots struct {
	EpisodeID string
	Shots     []schema.Shot
}

func (a SetShots) Episode() string { return a.EpisodeID }

func (a SetShots) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) {
		e.Shots = schema.CloneShots(a.Shots)
		// A grid that no longer exists cannot be applied.
		if n := grid.Count(len(e.Shots)); len(e.Grids) > n {
			e.Grids = e.Grids[:n]
		}
	})
}

// SetGridResult records the outcome of one grid task. A success clears an earlier failure.
type SetGridResult struct {
	EpisodeID string
	Result    schema.GridResult
}

func (a SetGridResult) Episode() string { return a.EpisodeID }

func (a SetGridResult) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) {
		g := a.Result.GridIndex
		if g < 0 {
			return
		}
		if len(e.Grids) <= g {
			grids := make([]string, g+1)
			copy(grids, e.Grids)
			e.Grids = grids
		}
		if a.Result.URL != "" {
			e.Grids[g] = a.Result.URL
			delete(e.Failures, g)
			return
		}
		if a.Result.Failure != nil {
			if e.Failures == nil {
				e.Failures = make(map[int]*schema.TaskFailure)
			}
			e.Failures[g] = a.Result.Failure
		}
	})
}

type SetGenerating struct {
	EpisodeID string
	GridIndex int
	On        bool
}

func (a SetGenerating) Episode() string { return a.EpisodeID }

func (a SetGenerating) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) {
		if !a.On {
			delete(e.Generating, a.GridIndex)
			return
		}
		if e.Generating == nil {
			e.Generating = make(map[int]bool)
		}
		e.Generating[a.GridIndex] = true
	})
}

type SetResuming struct {
	EpisodeID string
	On        bool
}

func (a SetResuming) Episode() string { return a.EpisodeID }

func (a SetResuming) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) { e.Resuming = a.On })
}

type SetApplying struct {
	EpisodeID string
	On        bool
}

func (a SetApplying) Episode() string { return a.EpisodeID }

func (a SetApplying) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) { e.Applying = a.On })
}

// GridsApplied stores the shots after apply and empties the applied grid slots. An earlier sync
// error is cleared.
type GridsApplied struct {
	EpisodeID string
	Shots     []schema.Shot
	Grids     []int
}

func (a GridsApplied) Episode() string { return a.EpisodeID }

func (a GridsApplied) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) {
		e.Shots = schema.CloneShots(a.Shots)
		for _, g := range a.Grids {
			if g < len(e.Grids) {
				e.Grids[g] = ""
			}
			delete(e.Failures, g)
		}
		e.SyncError = ""
	})
}

// SetSyncError records that the last apply could not be saved remotely.
type SetSyncError struct {
	EpisodeID string
	Err       string
}

func (a SetSyncError) Episode() string { return a.EpisodeID }

func (a SetSyncError) apply(s AppState) AppState {
	return update(s, a.EpisodeID, func(e *EpisodeState) { e.SyncError = a.Err })
}
