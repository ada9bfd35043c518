// Package pipeline turns a script into a storyboard with a chain of LLM calls: character and scene
// extraction, character supplements, the five-step shot list and the per-shot prompts.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"

	"storyboard/pkg/inference"
	"storyboard/pkg/jsonfix"
	"storyboard/pkg/retry"
	"storyboard/pkg/schema"
	"storyboard/pkg/store"
	"storyboard/pkg/utils"
)

const (
	StatusStarted = "started"
	StatusDelta   = "delta"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Event reports pipeline progress.
type Event struct {
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Batch   int    `json:"batch,omitempty"`
	Batches int    `json:"batches,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Message string `json:"message,omitempty"`
}

type Progress func(Event)

func (p Progress) emit(e Event) {
	if p != nil {
		p(e)
	}
}

// StageError is returned when a stage ran out of attempts. Raw is the last model output, if any.
type StageError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Pipeline struct {
	Inferencer inference.Inferencer
	// KV holds shot-list checkpoints. nil disables them.
	KV store.KV
	// BatchSize is the number of shots designed or prompted per call.
	BatchSize int
	// Policy builds the retry policy of a stage.
	Policy func(stage string) retry.Policy
}

func New(inf inference.Inferencer, kv store.KV) *Pipeline {
	return &Pipeline{
		Inferencer: inf,
		KV:         kv,
		BatchSize:  6,
		Policy: func(stage string) retry.Policy {
			return retry.Stage(stage, Retryable)
		},
	}
}

// Retryable reports whether a failed stage attempt may be repeated.
func Retryable(err error) bool {
	return !schema.Permanent(err)
}

func (p *Pipeline) batchSize() int {
	if p.BatchSize <= 0 {
		return 6
	}
	return p.BatchSize
}

type call struct {
	stage   string
	system  string
	user    string
	format  openai.ChatCompletionNewParamsResponseFormatUnion
	batch   int
	batches int
}

// run executes one structured call with retries. Each attempt streams the output, extracts the last
// JSON value, and falls back to asking the model to repair its own output once.
func run[T any](ctx context.Context, p *Pipeline, c call, progress Progress) (T, error) {
	var zero T
	emit := func(e Event) {
		e.Stage, e.Batch, e.Batches = c.stage, c.batch, c.batches
		progress.emit(e)
	}

	chars := int64(len(c.system) + len(c.user))
	tokens, err := utils.CountTokens(c.system + c.user)
	if err != nil {
		log.Debug("running stage", "stage", c.stage, "batch", c.batch, "chars", chars)
	} else {
		log.Debug("running stage", "stage", c.stage, "batch", c.batch, "chars", chars, "tokens", tokens)
	}
	params := &openai.ChatCompletionNewParams{
		MaxCompletionTokens: openai.Int(max(int64(tokens)*2, 8192*2)),
		ResponseFormat:      c.format,
	}

	policy := retry.Stage(c.stage, Retryable)
	if p.Policy != nil {
		policy = p.Policy(c.stage)
	}

	var lastRaw string
	v, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (T, error) {
		emit(Event{Status: StatusStarted, Attempt: attempt})

		raw, err := p.Inferencer.Stream(ctx, params, c.system, c.user, func(delta string) {
			emit(Event{Status: StatusDelta, Delta: delta})
		})
		if raw != "" {
			lastRaw = raw
		}
		if err != nil {
			if raw == "" || schema.Permanent(err) || ctx.Err() != nil {
				return zero, err
			}
			if v, perr := jsonfix.Decode[T](raw); perr == nil {
				log.Warn("stream broke off, using partial output", "stage", c.stage, "error", err)
				return v, nil
			}
			return zero, err
		}

		v, err := jsonfix.Decode[T](raw)
		if err == nil {
			return v, nil
		}
		log.Warn("failed to parse stage output, attempting to fix", "stage", c.stage, "batch", c.batch, "error", err)
		log.Debug("original model output", "output", utils.LimitStr(raw, 2000))

		fixed, fixErr := p.Inferencer.Infer(ctx, params, c.system+"\n\n"+fixJSONPrompt, c.user+"\n\nFix and complete the following malformed JSON:\n\n"+raw)
		if fixErr != nil {
			if schema.Permanent(fixErr) {
				return zero, fixErr
			}
			return zero, err
		}
		if v, ferr := jsonfix.Decode[T](fixed); ferr == nil {
			return v, nil
		}
		return zero, err
	})
	if err != nil {
		emit(Event{Status: StatusFailed, Message: err.Error()})
		var pe *jsonfix.ParseError
		if errors.As(err, &pe) && pe.Raw != "" {
			lastRaw = pe.Raw
		}
		return zero, &StageError{Stage: c.stage, Raw: lastRaw, Err: err}
	}
	emit(Event{Status: StatusDone})
	return v, nil
}
