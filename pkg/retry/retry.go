package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// Policy controls Do. Delay is fixed between attempts.
type Policy struct {
	Name        string
	MaxAttempts int
	Delay       time.Duration
	// IsRetryable reports whether a failed attempt may be repeated. nil retries everything except
	// context cancellation.
	IsRetryable func(error) bool
}

// Stage is the policy used by every LLM pipeline step: three attempts, two seconds apart.
func Stage(name string, isRetryable func(error) bool) Policy {
	return Policy{Name: name, MaxAttempts: 3, Delay: 2 * time.Second, IsRetryable: isRetryable}
}

// Do runs fn until it succeeds, returns a non-retryable error, or runs out of attempts.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		log.Warn("attempt failed, retrying", "step", p.Name, "attempt", attempt, "of", attempts, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", p.Name, attempts, lastErr)
}
