package ingestor

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/baldanca/backups3/fault"
)

// RetryPolicy wraps an operation with retries. desc names the operation in logs.
type RetryPolicy interface {
	Do(ctx context.Context, desc string, fn func(ctx context.Context) error) error
}

// Retry runs fn under p and returns its value.
func Retry[T any](ctx context.Context, p RetryPolicy, desc string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, desc, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// ExponentialRetry retries transient failures with exponential backoff.
//
// Only errors for which fault.IsRetryable holds are retried; any other error is
// returned at once. At most MaxRetries attempts are made, and the delay after the
// k-th failed attempt is Unit * Base^k. The error of the last attempt is returned
// unchanged. A value carries no mutable state and may be shared by any number of
// goroutines.
type ExponentialRetry struct {
	MaxRetries int
	Base       float64
	Unit       time.Duration

	// MaxDelay (optional) caps a single wait. Delays never exceed the largest
	// time.Duration either way.
	MaxDelay time.Duration

	// Sleep (optional) replaces the context-aware timer wait, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait after the given failed attempt (1-indexed).
func (r ExponentialRetry) Delay(attempt int) time.Duration {
	base := r.Base
	if base <= 0 {
		base = 2
	}
	unit := r.Unit
	if unit <= 0 {
		unit = time.Second
	}
	limit := time.Duration(math.MaxInt64)
	if r.MaxDelay > 0 {
		limit = r.MaxDelay
	}
	d := float64(unit) * math.Pow(base, float64(attempt))
	if d >= float64(limit) || math.IsNaN(d) {
		return limit
	}
	return time.Duration(d)
}

func (r ExponentialRetry) Do(ctx context.Context, desc string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := r.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !fault.IsRetryable(last) {
			return last
		}

		log.Warn().
			Err(last).
			Str("operation", desc).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Attempt failed")

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, r.Delay(attempt)); err != nil {
			return err
		}
	}
	return last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
