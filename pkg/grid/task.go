package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"storyboard/pkg/schema"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// TaskRequest is what the image API needs to render one grid.
type TaskRequest struct {
	Prompt          string            `json:"prompt"`
	NegativePrompt  string            `json:"negative_prompt,omitempty"`
	ReferenceImages []string          `json:"reference_images,omitempty"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
	Model           string            `json:"model,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type TaskResult struct {
	Status        Status   `json:"status"`
	ImageURLs     []string `json:"image_urls,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	// TimedOut marks a PENDING result returned because polling gave up, not because the task failed.
	TimedOut bool `json:"timed_out,omitempty"`
}

func (r TaskResult) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusFailed
}

// URL is the first image of a successful task.
func (r TaskResult) URL() string {
	if r.Status != StatusSuccess || len(r.ImageURLs) == 0 {
		return ""
	}
	return r.ImageURLs[0]
}

// TaskClient is the remote image-task API.
type TaskClient interface {
	Create(ctx context.Context, req TaskRequest) (taskCode string, err error)
	Check(ctx context.Context, taskCode string) (TaskResult, error)
}

type Progress struct {
	TaskCode string
	Attempt  int
	Elapsed  time.Duration
	Status   Status
}

// Tracker wraps a TaskClient with the task lifecycle: create, single check, and bounded polling.
type Tracker struct {
	Client TaskClient

	Timeout      time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func NewTracker(client TaskClient) *Tracker {
	return &Tracker{
		Client:       client,
		Timeout:      3 * time.Minute,
		InitialDelay: 2 * time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   1.5,
	}
}

// Create submits req and hands the task code to onTaskCode before returning, so the caller can
// persist it before anything else can interrupt the flow.
func (t *Tracker) Create(ctx context.Context, req TaskRequest, onTaskCode func(code string) error) (string, error) {
	code, err := t.Client.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create image task: %w", err)
	}
	if code == "" {
		return "", errors.New("create image task: empty task code")
	}
	if onTaskCode != nil {
		if err := onTaskCode(code); err != nil {
			log.Warn("failed to record task code", "task", code, "error", err)
		}
	}
	return code, nil
}

func (t *Tracker) CheckOnce(ctx context.Context, code string) (TaskResult, error) {
	res, err := t.Client.Check(ctx, code)
	if err != nil {
		return TaskResult{}, fmt.Errorf("check task %s: %w", code, err)
	}
	return res, nil
}

// PollUntilDone checks the task with a growing delay until it succeeds or fails. When Timeout
// elapses it returns a PENDING result with TimedOut set; that means "not known yet", not failure.
// Check errors are treated as transient, except authorization and quota errors.
func (t *Tracker) PollUntilDone(ctx context.Context, code string, onProgress func(Progress)) (TaskResult, error) {
	start := time.Now()
	deadline := start.Add(t.Timeout)
	delay := t.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; ; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Info("gave up waiting for image task", "task", code, "elapsed", time.Since(start).Round(time.Second))
			return TaskResult{Status: StatusPending, TimedOut: true}, nil
		}

		timer := time.NewTimer(min(delay, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return TaskResult{}, ctx.Err()
		case <-timer.C:
		}

		res, err := t.Client.Check(ctx, code)
		switch {
		case err != nil && schema.Permanent(err):
			return TaskResult{}, fmt.Errorf("check task %s: %w", code, err)
		case err != nil && ctx.Err() != nil:
			return TaskResult{}, ctx.Err()
		case err != nil:
			log.Debug("task check failed, will retry", "task", code, "attempt", attempt, "error", err)
		case res.Terminal():
			return res, nil
		}

		// A failed check has no status to report.
		if err == nil && onProgress != nil {
			onProgress(Progress{TaskCode: code, Attempt: attempt, Elapsed: time.Since(start), Status: res.Status})
		}

		next := time.Duration(float64(delay) * t.Multiplier)
		if t.MaxDelay > 0 {
			next = min(next, t.MaxDelay)
		}
		delay = max(next, delay)
	}
}
