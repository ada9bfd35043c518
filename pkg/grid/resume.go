package grid

import (
	"context"

	"github.com/charmbracelet/log"

	"storyboard/pkg/schema"
)

// Report summarizes one resume scan.
type Report struct {
	Checked  int  `json:"checked"`
	Resolved int  `json:"resolved"`
	Failed   int  `json:"failed"`
	Pending  int  `json:"pending"`
	Errored  int  `json:"errored"`
	Aborted  bool `json:"aborted"`
}

// Coordinator finds image tasks that were started in an earlier session and never written back,
// and resolves them into the in-memory grid results. It never writes to the shots themselves; the
// user still has to apply a result.
type Coordinator struct {
	Tracker *Tracker
	// OnResult, when set, is called for every resolved grid while the scan is still valid.
	OnResult func(episodeID string, result schema.GridResult)
	// OnProgress, when set, receives polling progress for tasks that were still running.
	OnProgress func(episodeID string, gridIndex int, p Progress)
}

// Resume resolves the unfinished tasks recorded on shots, one at a time in grid order. results is
// the current per-grid URL list and is never modified; the updated copy is returned. Once ticket
// stops being valid every remaining write is dropped and the scan returns.
func (c *Coordinator) Resume(ctx context.Context, ticket Ticket, shots []schema.Shot, results []string) ([]string, Report) {
	out := make([]string, max(Count(len(shots)), len(results)))
	copy(out, results)

	var report Report
	pending := Pending(shots)
	if len(pending) == 0 {
		return out, report
	}
	log.Info("resuming image tasks", "episode", ticket.EpisodeID(), "tasks", len(pending))

	for _, meta := range pending {
		if !ticket.Valid() || ctx.Err() != nil {
			report.Aborted = true
			return out, report
		}
		report.Checked++

		res, err := c.Tracker.CheckOnce(ctx, meta.TaskCode)
		if !ticket.Valid() {
			report.Aborted = true
			return out, report
		}
		if err == nil && !res.Terminal() {
			res, err = c.Tracker.PollUntilDone(ctx, meta.TaskCode, func(p Progress) {
				if c.OnProgress != nil && ticket.Valid() {
					c.OnProgress(ticket.EpisodeID(), meta.GridIndex, p)
				}
			})
			if !ticket.Valid() {
				report.Aborted = true
				return out, report
			}
		}

		switch {
		case err != nil:
			report.Errored++
			log.Error("failed to resume image task", "episode", ticket.EpisodeID(), "grid", meta.GridIndex, "task", meta.TaskCode, "error", err)
			continue
		case res.Status == StatusSuccess && res.URL() != "":
			report.Resolved++
			out[meta.GridIndex] = res.URL()
			c.notify(ticket, schema.GridResult{GridIndex: meta.GridIndex, URL: res.URL(), TaskCode: meta.TaskCode})
		case res.Status == StatusSuccess:
			report.Errored++
			log.Error("image task succeeded without an image", "episode", ticket.EpisodeID(), "grid", meta.GridIndex, "task", meta.TaskCode)
		case res.Status == StatusFailed:
			report.Failed++
			log.Warn("image task failed", "episode", ticket.EpisodeID(), "grid", meta.GridIndex, "task", meta.TaskCode, "reason", res.FailureReason)
			c.notify(ticket, schema.GridResult{
				GridIndex: meta.GridIndex,
				TaskCode:  meta.TaskCode,
				Failure:   &schema.TaskFailure{Reason: res.FailureReason, TaskCode: meta.TaskCode},
			})
		default:
			report.Pending++
			log.Info("image task still running", "episode", ticket.EpisodeID(), "grid", meta.GridIndex, "task", meta.TaskCode)
		}
	}
	return out, report
}

func (c *Coordinator) notify(ticket Ticket, result schema.GridResult) {
	if c.OnResult != nil && ticket.Valid() {
		c.OnResult(ticket.EpisodeID(), result)
	}
}
