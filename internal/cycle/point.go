// Package cycle implements the two disjoint cycle-point flavours —
// arbitrary-precision integer points and calendar-aware date-time points —
// and their matching Duration types. This is deliberately a sum type with
// explicit matching at every operation rather than a shared base type with
// virtual arithmetic: mixing flavours is a programming error, and making
// each case explicit in Go keeps calendar bugs localized to one code path.
package cycle

import (
	"errors"
	"fmt"
	"math/big"
)

// Kind distinguishes the two point/duration flavours.
type Kind int

const (
	// KindInteger identifies an arbitrary-precision integer point/duration.
	KindInteger Kind = iota
	// KindDateTime identifies a calendar-aware date-time point/duration.
	KindDateTime
)

// ErrKindMismatch is returned whenever an integer point/duration is compared
// or combined with a date-time one.
var ErrKindMismatch = errors.New("cycle: integer and date-time values do not compare")

// DateTime is the calendar-aware component set of a date-time Point. Minute
// and second are always normalized to non-negative values in [0,59]; Hour is
// normalized to [0,23] with day carry.
type DateTime struct {
	Year, Month, Day    int64
	Hour, Minute, Second int
	UTCOffsetMinutes     int // 0 in UTC mode; preserved verbatim from parse in local mode
	UTCMode              bool
}

// Point is either an arbitrary-precision integer or a calendar date-time.
// Zero value is not meaningful; construct with NewInteger or NewDateTime.
type Point struct {
	kind Kind
	i    *big.Int
	dt   DateTime
	cal  Calendar
}

// NewInteger builds an integer cycle point.
func NewInteger(v *big.Int) Point {
	return Point{kind: KindInteger, i: new(big.Int).Set(v)}
}

// NewIntegerFromInt64 is a convenience constructor for small integer points.
func NewIntegerFromInt64(v int64) Point {
	return NewInteger(big.NewInt(v))
}

// NewDateTime builds a date-time cycle point under the given calendar, with
// components normalized (e.g. Month=13 rolls into the next year).
func NewDateTime(cal Calendar, dt DateTime) Point {
	p := Point{kind: KindDateTime, cal: cal, dt: dt}
	p.dt = normalize(cal, p.dt)
	return p
}

// Kind reports which flavour this point is.
func (p Point) Kind() Kind { return p.kind }

// Calendar reports the calendar of a date-time point; meaningless for
// integer points.
func (p Point) Calendar() Calendar { return p.cal }

// Int returns the underlying integer value and true if this is an integer
// point.
func (p Point) Int() (*big.Int, bool) {
	if p.kind != KindInteger {
		return nil, false
	}
	return new(big.Int).Set(p.i), true
}

// DateTimeValue returns the underlying date-time value and true if this is a
// date-time point.
func (p Point) DateTimeValue() (DateTime, bool) {
	if p.kind != KindDateTime {
		return DateTime{}, false
	}
	return p.dt, true
}

// Compare returns -1, 0, or +1 comparing p to q. It returns an error (wrapped
// ErrKindMismatch) if the kinds differ.
func (p Point) Compare(q Point) (int, error) {
	if p.kind != q.kind {
		return 0, fmt.Errorf("%w: %v vs %v", ErrKindMismatch, p.kind, q.kind)
	}
	if p.kind == KindInteger {
		return p.i.Cmp(q.i), nil
	}
	return compareDateTime(canonicalize(p.cal, p.dt), canonicalize(q.cal, q.dt)), nil
}

// Equal reports value equality; kind mismatches are never equal.
func (p Point) Equal(q Point) bool {
	c, err := p.Compare(q)
	return err == nil && c == 0
}

// Before reports whether p sorts strictly before q.
func (p Point) Before(q Point) bool {
	c, err := p.Compare(q)
	return err == nil && c < 0
}

// After reports whether p sorts strictly after q.
func (p Point) After(q Point) bool {
	c, err := p.Compare(q)
	return err == nil && c > 0
}

// Add returns p + d. Returns ErrKindMismatch if d's kind differs from p's.
func (p Point) Add(d Duration) (Point, error) {
	if p.kind != d.kind {
		return Point{}, fmt.Errorf("%w: point %v, duration %v", ErrKindMismatch, p.kind, d.kind)
	}
	if p.kind == KindInteger {
		return NewInteger(new(big.Int).Add(p.i, d.i)), nil
	}
	return NewDateTime(p.cal, addDuration(p.cal, p.dt, d.dur, 1)), nil
}

// Sub returns p - d (a point minus a duration, yielding a point).
func (p Point) Sub(d Duration) (Point, error) {
	neg, err := d.Negate()
	if err != nil {
		return Point{}, err
	}
	return p.Add(neg)
}

// Diff returns the duration p - q (a point minus a point, yielding a
// duration). Only defined for fixed-width calendars in the sense that the
// result, added back to q, reproduces p exactly; see durationBetween.
func (p Point) Diff(q Point) (Duration, error) {
	if p.kind != q.kind {
		return Duration{}, fmt.Errorf("%w", ErrKindMismatch)
	}
	if p.kind == KindInteger {
		return NewIntegerDuration(new(big.Int).Sub(p.i, q.i)), nil
	}
	return durationBetween(p.cal, q.dt, p.dt), nil
}

func (p Point) String() string {
	if p.kind == KindInteger {
		return p.i.String()
	}
	return formatDateTime(p.dt)
}
