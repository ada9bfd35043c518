package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storyboard/pkg/schema"
)

var ErrNothingToApply = errors.New("no finished grid images to apply")

// ShotPatcher persists only the shot list of an episode.
type ShotPatcher interface {
	PatchShots(ctx context.Context, episodeID string, shots []schema.Shot) error
}

// ApplyToShots writes every non-empty grid URL onto the shots it covers: URL, cell index, and
// applied time are set and the pending task metadata is cleared. Shots of grids without a URL are
// left untouched. It returns a new slice and the grid indices that were applied.
func ApplyToShots(shots []schema.Shot, urls []string, now time.Time) ([]schema.Shot, []int) {
	out := schema.CloneShots(shots)
	stamp := now.UTC().Format(time.RFC3339Nano)

	var applied []int
	for g, url := range urls {
		if url == "" {
			continue
		}
		start, end := Bounds(g, len(out))
		if start == end {
			continue
		}
		for i := start; i < end; i++ {
			_, cell := Index(i)
			out[i].StoryboardGridURL = url
			out[i].StoryboardGridCellIndex = &cell
			out[i].StoryboardGridGenerationMeta = nil
			out[i].StoryboardGridAppliedAt = stamp
		}
		applied = append(applied, g)
	}
	return out, applied
}

// SyncError means the shots were applied locally but could not be saved remotely.
type SyncError struct {
	EpisodeID string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("grids applied locally but saving episode %s failed: %v", e.EpisodeID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Applier commits grid results to an episode's shots.
type Applier struct {
	Store ShotPatcher
	Now   func() time.Time
}

// Apply returns the updated shots even when saving fails; in that case err is a *SyncError and the
// caller keeps the local result.
func (a *Applier) Apply(ctx context.Context, episodeID string, shots []schema.Shot, urls []string) ([]schema.Shot, []int, error) {
	out, applied, err := a.Prepare(shots, urls)
	if err != nil {
		return shots, nil, err
	}
	return out, applied, a.Save(ctx, episodeID, out)
}

// Prepare applies urls to shots without saving anything.
func (a *Applier) Prepare(shots []schema.Shot, urls []string) ([]schema.Shot, []int, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	out, applied := ApplyToShots(shots, urls, now())
	if len(applied) == 0 {
		return nil, nil, ErrNothingToApply
	}
	return out, applied, nil
}

// Save persists shots produced by Prepare. A failure is returned as a *SyncError.
func (a *Applier) Save(ctx context.Context, episodeID string, shots []schema.Shot) error {
	if a.Store == nil {
		return nil
	}
	if err := a.Store.PatchShots(ctx, episodeID, shots); err != nil {
		return &SyncError{EpisodeID: episodeID, Err: err}
	}
	return nil
}
