// Package retry runs fallible operations with a deterministic exponential
// backoff schedule.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jo-hoe/clipforge/internal/faults"
)

// Observer is called once for every failed attempt that will be retried.
type Observer func(err error, attempt int)

// Policy configures how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	OnRetry      Observer

	// Retriable decides whether a failure may be retried. Defaults to
	// faults.IsRetriable.
	Retriable func(error) bool
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: maxAttempts must be >= 1")
	}
	if p.InitialDelay <= 0 {
		return errors.New("retry: initialDelay must be > 0")
	}
	if p.Multiplier < 1 {
		return errors.New("retry: multiplier must be >= 1")
	}
	return nil
}

// WithObserver returns a copy of p that reports retries to fn.
func (p Policy) WithObserver(fn Observer) Policy {
	p.OnRetry = fn
	return p
}

// Delay returns the wait after failed attempt k (1-based):
// initialDelay * multiplier^(k-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleep waits on a timer so that only the calling goroutine is suspended.
func TimerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, returns a non-retriable error, or the attempt
// budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	return DoWithSleeper(ctx, p, TimerSleep, op)
}

// DoWithSleeper is Do with an injectable wait.
func DoWithSleeper[T any](ctx context.Context, p Policy, sleep Sleeper, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}
	retriable := p.Retriable
	if retriable == nil {
		retriable = faults.IsRetriable
	}
	for attempt := 1; ; attempt++ {
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxAttempts || !retriable(err) {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt)
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return zero, serr
		}
	}
}
