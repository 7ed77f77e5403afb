// Package retry implements the engine's application-level retry policy.
// The decision function is pure so the backoff schedule can be tested
// without a broker or store; the executor realizes delays as context-aware
// sleeps so a worker is never busy-waiting.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxAttempts caps retries after the initial attempt: three delayed
// retries (base<<0, base<<1, base<<2), then the next failure is terminal and
// takes the terminal failure path.
const DefaultMaxAttempts = 3

// transientError tags an error as retryable (timeouts, connectivity,
// temporarily unavailable dependencies).
type transientError struct {
	cause error
}

func (t *transientError) Error() string { return t.cause.Error() }
func (t *transientError) Unwrap() error { return t.cause }

// permanentError tags an error as non-retryable (validation, not-found,
// state conflicts).
type permanentError struct {
	cause error
}

func (p *permanentError) Error() string { return p.cause.Error() }
func (p *permanentError) Unwrap() error { return p.cause }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsTransient reports whether err was classified as retryable. Context
// cancellation and unclassified errors are treated as permanent: the
// classification must be explicit at the call site.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t *transientError
	return errors.As(err, &t)
}

// Policy computes whether and when a failed operation should be retried.
// Delay grows exponentially: BaseDelay << attempt for attempt = 0, 1, 2, ...
// capped at MaxDelay, with at most MaxAttempts retries after the initial
// attempt.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the engine-wide default schedule.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Decide is the pure decision function: given the zero-based count of
// attempts already made and the error they produced, it returns whether to
// retry and after what delay. It has no side effects.
func (p Policy) Decide(attempt int, err error) (bool, time.Duration) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if err == nil || attempt >= maxAttempts {
		return false, 0
	}
	if !IsTransient(err) {
		return false, 0
	}

	delay := p.BaseDelay
	if delay > 0 {
		delay = delay << attempt
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return true, delay
}

// Sleeper waits for a delay or until the context ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs operations under a Policy. The Sleep hook is injectable so
// tests can observe the schedule without waiting on wall-clock time.
type Executor struct {
	Policy Policy
	Sleep  Sleeper
}

// NewExecutor returns an executor with the context-aware default sleeper.
func NewExecutor(policy Policy) *Executor {
	return &Executor{Policy: policy, Sleep: sleepWithContext}
}

// Do invokes fn until it succeeds, the policy stops retrying, or the context
// ends. The last error is returned for the caller's terminal failure path;
// nothing is silently dropped.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		again, delay := e.Policy.Decide(attempt, lastErr)
		if !again {
			return lastErr
		}
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry aborted: %w", err)
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
