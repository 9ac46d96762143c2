// Package retry reruns short transactions that lose a storage race.
// Only errors the caller marks retryable are retried; everything else
// surfaces immediately with no hidden sleeps.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"tillbook/internal/store"
)

type Options struct {
	// MaxRetries is the number of reruns after the first attempt.
	MaxRetries int
	// BaseDelay doubles per attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is a uniform random addition on top of each delay, so
	// colliding tills do not retry in lockstep.
	Jitter time.Duration
	// Retryable classifies errors. Nil means nothing is retryable.
	Retryable func(error) bool
}

// DefaultOptions matches the contention profile of a handful of tills
// sharing one store: five quick reruns inside roughly a quarter second.
func DefaultOptions(retryable func(error) bool) Options {
	return Options{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
		Jitter:     10 * time.Millisecond,
		Retryable:  retryable,
	}
}

// Do runs op, rerunning it on retryable errors with capped exponential
// backoff. When retries are exhausted the last error comes back wrapped
// in ErrUnavailable so callers can map it to a retry-later response.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if opts.Retryable == nil || !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= opts.MaxRetries {
			return fmt.Errorf("%w: gave up after %d attempts: %w", store.ErrUnavailable, attempt+1, lastErr)
		}

		delay := opts.BaseDelay << attempt
		if opts.MaxDelay > 0 && delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if opts.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(opts.Jitter)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
