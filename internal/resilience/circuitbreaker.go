package resilience

import (
	"sync"
	"time"
)

// breakerState is a circuit-breaker state machine simplified to a fixed
// cooldown rather than an adaptive failure-rate threshold: platform host
// failover trips on the first connectivity error and cools down for a fixed
// period, it does not need a rolling failure-rate window.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// HostBreaker tracks the health of a single host. Opening it marks the host
// bad for a cooldown period; the next Allow() call after the cooldown
// elapses transitions to half-open, and every Allow() call then succeeds
// until the next RecordSuccess or RecordFailure.
type HostBreaker struct {
	mu       sync.Mutex
	state    breakerState
	openedAt time.Time
	cooldown time.Duration
}

// NewHostBreaker builds a breaker with the given cooldown period.
func NewHostBreaker(cooldown time.Duration) *HostBreaker {
	return &HostBreaker{state: stateClosed, cooldown: cooldown}
}

// Allow reports whether a command may currently be attempted against this
// host.
func (b *HostBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker (if half-open or open) on a successful
// command.
func (b *HostBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
}

// RecordFailure opens the breaker on a connectivity failure.
func (b *HostBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateOpen
	b.openedAt = time.Now()
}

// IsOpen reports the current open/closed state without mutating it.
func (b *HostBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && time.Since(b.openedAt) < b.cooldown
}

// BreakerSet keys a HostBreaker per host string, lazily created.
type BreakerSet struct {
	mu       sync.Mutex
	cooldown time.Duration
	breakers map[string]*HostBreaker
}

// NewBreakerSet builds an empty set using cooldown for every new breaker.
func NewBreakerSet(cooldown time.Duration) *BreakerSet {
	return &BreakerSet{cooldown: cooldown, breakers: make(map[string]*HostBreaker)}
}

// For returns the breaker for host, creating it on first use.
func (s *BreakerSet) For(host string) *HostBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[host]
	if !ok {
		b = NewHostBreaker(s.cooldown)
		s.breakers[host] = b
	}
	return b
}
