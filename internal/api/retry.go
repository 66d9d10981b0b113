package api

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"grid-trading-bybit/internal/logger"
)

// RetryPolicy resends an operation while Classify accepts its error, waiting
// on the schedule produced by NewBackOff, for at most MaxAttempts tries.
type RetryPolicy struct {
	MaxAttempts int
	Classify    func(error) bool
	NewBackOff  func() backoff.BackOff
}

// NewRetryPolicy returns the exchange policy: transient codes only,
// exponential backoff from initial capped at maxInterval.
func NewRetryPolicy(maxAttempts int, initial, maxInterval time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Classify:    IsTransient,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = maxInterval
			b.Multiplier = 2
			b.RandomizationFactor = 0
			b.Reset()
			return b
		},
	}
}

// NoRetry runs every operation exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error from fn is returned unchanged, also
// when ctx ends during a wait.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 1 || p.Classify == nil || p.NewBackOff == nil {
		return fn(ctx)
	}

	var last error
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		last = fn(ctx)
		if last != nil && !p.Classify(last) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	},
		backoff.WithBackOff(p.NewBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("Transient exchange error, retrying",
				"op", op,
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"wait", wait,
				"error", err,
			)
		}),
	)
	if err != nil && last != nil {
		return last
	}
	return err
}
