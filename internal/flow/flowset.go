// Package flow tracks flow-number membership for TaskProxies and the
// process-wide allocation of new flow numbers.
package flow

import "sync"

// Set is an immutable-looking, copy-on-write set of flow numbers a single
// TaskProxy belongs to. The zero value is an empty set.
type Set struct {
	members map[int]bool
}

// NewSet builds a Set containing the given flow numbers.
func NewSet(nums ...int) Set {
	s := Set{members: make(map[int]bool, len(nums))}
	for _, n := range nums {
		s.members[n] = true
	}
	return s
}

// Contains reports whether n is a member.
func (s Set) Contains(n int) bool { return s.members[n] }

// Merge returns the union of s and other, used when two flows meet at the
// same (name, point) and must be credited together.
func (s Set) Merge(other Set) Set {
	merged := NewSet()
	for n := range s.members {
		merged.members[n] = true
	}
	for n := range other.members {
		merged.members[n] = true
	}
	return merged
}

// Numbers returns the member flow numbers in ascending order.
func (s Set) Numbers() []int {
	out := make([]int, 0, len(s.members))
	for n := range s.members {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// IsEmpty reports whether the set has no members (the "no flow" / detached
// marker used for manually-triggered, unflowed proxies).
func (s Set) IsEmpty() bool { return len(s.members) == 0 }

// Allocator hands out the process-wide monotonically increasing flow
// numbers, starting at 1 for the original (implicit) flow.
type Allocator struct {
	mu  sync.Mutex
	max int
}

// NewAllocator builds an allocator whose first New() call returns 1.
func NewAllocator() *Allocator {
	return &Allocator{max: 0}
}

// New allocates and returns the next flow number (current max + 1).
func (a *Allocator) New() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.max++
	return a.max
}

// Observe records that n is in use (e.g. restored from StateDB), advancing
// the allocator's max if n is larger than anything seen so far.
func (a *Allocator) Observe(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.max {
		a.max = n
	}
}

// Max returns the current maximum allocated flow number.
func (a *Allocator) Max() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}
