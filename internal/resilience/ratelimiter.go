package resilience

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket, adapted from
// libs/go/core/resilience.RateLimiter, minus the sliding-window cap:
// per-platform submit limits are pure concurrency caps, not request-rate
// caps. Used to bound concurrent job submissions per platform.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   int64
	fillRate   float64
	available  float64
	lastRefill time.Time
}

// NewRateLimiter builds a bucket of the given capacity that refills at
// fillRate tokens/second.
func NewRateLimiter(capacity int64, fillRate float64) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		fillRate:   fillRate,
		available:  float64(capacity),
		lastRefill: time.Now(),
	}
}

// Allow reports whether a token is available and, if so, consumes it.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens atomically.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.available = minFloat(float64(r.capacity), r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		return true
	}
	return false
}

// Release returns n tokens to the bucket, used when a submission slot frees
// up (job finished submitting) ahead of the natural refill schedule.
func (r *RateLimiter) Release(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = minFloat(float64(r.capacity), r.available+float64(n))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
