// Package state holds the server-side application state: the selected episode, each episode's shot
// list and its unapplied grid results. Every change goes through Reduce; the Store persists the
// result and notifies listeners after each transition.
package state

import (
	"slices"

	"storyboard/pkg/grid"
	"storyboard/pkg/schema"
)

type AppState struct {
	SelectedEpisodeID string                   `json:"selectedEpisodeId,omitempty"`
	Episodes          map[string]EpisodeState `json:"episodes"`
}

type EpisodeState struct {
	ProjectID string        `json:"projectId,omitempty"`
	Shots     []schema.Shot `json:"shots"`
	// Grids holds one image URL per grid that is known but not applied yet. Empty means unknown.
	Grids      []string                    `json:"grids"`
	Failures   map[int]*schema.TaskFailure `json:"failures,omitempty"`
	Generating map[int]bool                `json:"generating,omitempty"`
	Resuming   bool                        `json:"resuming,omitempty"`
	Applying   bool                        `json:"applying,omitempty"`
	SyncError  string                      `json:"syncError,omitempty"`
}

// Action is a state transition. Implementations live in this package.
type Action interface {
	// Episode names the episode the action touches, or "" for global actions.
	Episode() string
	apply(s AppState) AppState
}

// Reduce returns the state after a. s is never modified.
func Reduce(s AppState, a Action) AppState {
	return a.apply(s.clone())
}

func (s AppState) clone() AppState {
	out := AppState{SelectedEpisodeID: s.SelectedEpisodeID, Episodes: make(map[string]EpisodeState, len(s.Episodes))}
	for k, v := range s.Episodes {
		out.Episodes[k] = v
	}
	return out
}

func (e EpisodeState) clone() EpisodeState {
	e.Shots = schema.CloneShots(e.Shots)
	e.Grids = slices.Clone(e.Grids)
	if e.Failures != nil {
		f := make(map[int]*schema.TaskFailure, len(e.Failures))
		for k, v := range e.Failures {
			f[k] = v
		}
		e.Failures = f
	}
	if e.Generating != nil {
		g := make(map[int]bool, len(e.Generating))
		for k, v := range e.Generating {
			g[k] = v
		}
		e.Generating = g
	}
	return e
}

// sized grows the grid slots to cover every grid of the shot list.
func (e EpisodeState) sized() EpisodeState {
	if n := grid.Count(len(e.Shots)); len(e.Grids) < n {
		grids := make([]string, n)
		copy(grids, e.Grids)
		e.Grids = grids
	}
	return e
}

// update copies the episode, lets fn change it, and stores it back.
func update(s AppState, episodeID string, fn func(e *EpisodeState)) AppState {
	e := s.Episodes[episodeID].clone()
	fn(&e)
	s.Episodes[episodeID] = e.sized()
	return s
}
