// Package resilience adapts libs/go/core/resilience
// (generic retry, token-bucket rate limiting, adaptive circuit breaking) to
// the scheduler's domain: job submission/execution retries, per-platform
// submit concurrency limits, and remote-host failover cooldowns.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryDelays runs fn up to len(delays)+1 times, sleeping delays[i] between
// attempt i and i+1. This is the direct shape of "execution retry delays" /
// "submission retry delays" lists: operators configure an explicit delay
// list, not a multiplier, so this diverges from an exponential-backoff
// retry helper on purpose.
func RetryDelays[T any](ctx context.Context, delays []time.Duration, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= len(delays)+1; attempt++ {
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt > len(delays) {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delays[attempt-1]):
		}
	}
	return zero, lastErr
}

// JitteredBackoff returns delays[i] plus up to 10% jitter, used when a
// submission retry delay needs desynchronizing across many tasks hitting the
// same platform simultaneously (e.g. after a platform-wide outage clears).
func JitteredBackoff(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	return base + jitter
}
