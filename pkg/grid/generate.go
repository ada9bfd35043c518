package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"storyboard/pkg/schema"
)

var (
	ErrTaskFailed = errors.New("image task failed")
	// ErrStillRunning is returned when polling gave up. The task code is recorded on the shots and the
	// next resume scan picks it up.
	ErrStillRunning = errors.New("image task still running")
)

// MetaRecorder stores a freshly issued task code on the shots of its grid.
type MetaRecorder interface {
	RecordMeta(ctx context.Context, episodeID string, meta schema.GridMeta) error
}

// Generator renders one grid: it creates the task, records the task code, then polls for the image.
type Generator struct {
	Tracker    *Tracker
	Meta       MetaRecorder
	Now        func() time.Time
	OnProgress func(episodeID string, gridIndex int, p Progress)
}

// Generate always returns a GridResult carrying whatever is known. The error is ErrTaskFailed,
// ErrStillRunning, or the create/poll error.
func (g *Generator) Generate(ctx context.Context, episodeID string, gridIndex int, req TaskRequest) (schema.GridResult, error) {
	result := schema.GridResult{GridIndex: gridIndex}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	code, err := g.Tracker.Create(ctx, req, func(code string) error {
		if g.Meta == nil {
			return nil
		}
		return g.Meta.RecordMeta(ctx, episodeID, schema.GridMeta{
			TaskCode:      code,
			TaskCreatedAt: now().UTC().Format(time.RFC3339Nano),
			GridIndex:     gridIndex,
		})
	})
	if err != nil {
		result.Failure = &schema.TaskFailure{Reason: "could not create image task", Prompt: req.Prompt, Error: err}
		return result, err
	}
	result.TaskCode = code
	log.Info("image task created", "episode", episodeID, "grid", gridIndex, "task", code)

	res, err := g.Tracker.PollUntilDone(ctx, code, func(p Progress) {
		if g.OnProgress != nil {
			g.OnProgress(episodeID, gridIndex, p)
		}
	})
	switch {
	case err != nil:
		result.Failure = &schema.TaskFailure{Reason: "could not check image task", Prompt: req.Prompt, TaskCode: code, Error: err}
		return result, err
	case res.Status == StatusSuccess && res.URL() != "":
		result.URL = res.URL()
		return result, nil
	case res.Status == StatusSuccess:
		err := fmt.Errorf("%w: task %s returned no image", ErrTaskFailed, code)
		result.Failure = &schema.TaskFailure{Reason: "no image returned", Prompt: req.Prompt, TaskCode: code, Error: err}
		return result, err
	case res.Status == StatusFailed:
		err := fmt.Errorf("%w: %s", ErrTaskFailed, res.FailureReason)
		result.Failure = &schema.TaskFailure{Reason: res.FailureReason, Prompt: req.Prompt, TaskCode: code, Error: err}
		return result, err
	default:
		return result, fmt.Errorf("%w: task %s", ErrStillRunning, code)
	}
}
