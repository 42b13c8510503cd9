// Package recurrence parses Cylc's Rn/start/period graph-section headers
// into a lazy, forward-iterable sequence of cycle points, mirroring the
// robfig/cron/v3 schedule abstraction (a Schedule knows only how to
// compute its own next activation) adapted to Cylc's point/duration domain.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cylc/cylc-flow-go/internal/cycle"
)

// ErrExhausted names the "no further points" condition. Next and
// FirstOnOrAfter report it as a (false) ok result and never return this
// value, matching a total function returning "no value" rather than erroring.
var ErrExhausted = errors.New("recurrence: exhausted")

// Recurrence is the parsed form of an "Rn/start/period"-style header: a
// starting point, an optional period, an optional bound (end point or
// repetition count), and an exclusion set of points to skip.
type Recurrence struct {
	raw        string
	cal        cycle.Calendar
	start      cycle.Point
	hasStart   bool
	period     cycle.Duration
	hasPeriod  bool
	end        cycle.Point
	hasEnd     bool
	repeat     int // 0 means unbounded; >0 means exactly n points (R<n>)
	exclusions []cycle.Point
}

// String returns the original recurrence text.
func (r Recurrence) String() string { return r.raw }

// Parse parses a Cylc recurrence string such as "R1", "R1/2020", "R/2020/P1D",
// "R5/2020/P1D", "R/2020/2025/P1D", or "R1/2020!2021" (exclusion).
func Parse(raw string, cal cycle.Calendar) (Recurrence, error) {
	r := Recurrence{raw: raw, cal: cal}

	body := raw
	var exclPart string
	if idx := strings.Index(body, "!"); idx >= 0 {
		body, exclPart = body[:idx], body[idx+1:]
	}

	parts := strings.Split(body, "/")
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "R") {
		return Recurrence{}, fmt.Errorf("recurrence: missing R-prefix in %q", raw)
	}

	repeatStr := strings.TrimPrefix(parts[0], "R")
	if repeatStr != "" {
		n, err := strconv.Atoi(repeatStr)
		if err != nil || n < 1 {
			return Recurrence{}, fmt.Errorf("recurrence: invalid repeat count in %q", raw)
		}
		r.repeat = n
	}

	rest := parts[1:]
	switch len(rest) {
	case 0:
		// "R1" alone is only valid combined with an externally supplied
		// anchor point; config's resolveGraph fills in the initial cycle
		// point via WithStart.
	case 1:
		p, err := cycle.ParsePoint(rest[0], cal)
		if err != nil {
			return Recurrence{}, fmt.Errorf("recurrence: %w", err)
		}
		r.start, r.hasStart = p, true
	case 2:
		if err := r.setSecondField(rest[0], rest[1], cal); err != nil {
			return Recurrence{}, err
		}
	default:
		return Recurrence{}, fmt.Errorf("recurrence: too many fields in %q", raw)
	}

	if exclPart != "" {
		for _, e := range strings.Split(exclPart, ",") {
			p, err := cycle.ParsePoint(strings.TrimSpace(e), cal)
			if err != nil {
				return Recurrence{}, fmt.Errorf("recurrence: invalid exclusion %q: %w", e, err)
			}
			r.exclusions = append(r.exclusions, p)
		}
	}

	return r, nil
}

// setSecondField disambiguates "start/period" from "start/end" by trying to
// parse the second field as a duration first, falling back to a point.
func (r *Recurrence) setSecondField(first, second string, cal cycle.Calendar) error {
	p, err := cycle.ParsePoint(first, cal)
	if err != nil {
		return fmt.Errorf("recurrence: %w", err)
	}
	r.start, r.hasStart = p, true

	if d, derr := cycle.ParseDuration(second, cal); derr == nil {
		r.period, r.hasPeriod = d, true
		return nil
	}
	end, perr := cycle.ParsePoint(second, cal)
	if perr != nil {
		return fmt.Errorf("recurrence: field %q is neither a duration nor a point", second)
	}
	r.end, r.hasEnd = end, true
	return nil
}

// WithStart returns a copy of r anchored at start, used when a bare "R1" (or
// "R<n>" without an explicit start) takes the workflow's initial cycle point
// as its anchor.
func (r Recurrence) WithStart(start cycle.Point) Recurrence {
	r.start, r.hasStart = start, true
	return r
}

func (r Recurrence) excluded(p cycle.Point) bool {
	for _, e := range r.exclusions {
		if e.Equal(p) {
			return true
		}
	}
	return false
}

func (r Recurrence) pastEnd(p cycle.Point) bool {
	return r.hasEnd && p.After(r.end)
}

// nthPoint returns the n-th point (1-indexed) in the sequence before
// exclusions/end are applied, or !ok if there is no period to step with and
// n > 1.
func (r Recurrence) nthPoint(n int) (cycle.Point, bool) {
	if n == 1 {
		return r.start, true
	}
	if !r.hasPeriod {
		return cycle.Point{}, false
	}
	p := r.start
	for i := 1; i < n; i++ {
		next, err := p.Add(r.period)
		if err != nil {
			return cycle.Point{}, false
		}
		p = next
	}
	return p, true
}

// Next returns the smallest point in the recurrence strictly greater than
// after, and true if one exists.
func (r Recurrence) Next(after cycle.Point) (cycle.Point, bool) {
	if !r.hasStart {
		return cycle.Point{}, false
	}
	n := 1
	for {
		if r.repeat > 0 && n > r.repeat {
			return cycle.Point{}, false
		}
		p, ok := r.nthPoint(n)
		if !ok {
			return cycle.Point{}, false
		}
		if r.pastEnd(p) {
			return cycle.Point{}, false
		}
		if p.After(after) && !r.excluded(p) {
			return p, true
		}
		if !r.hasPeriod {
			return cycle.Point{}, false
		}
		n++
	}
}

// FirstOnOrAfter returns the earliest point in the recurrence that is >=
// bound, and true if one exists. Walks the same grid as Next but admits a
// point exactly equal to bound, which a strictly-greater-than search would
// skip.
func (r Recurrence) FirstOnOrAfter(bound cycle.Point) (cycle.Point, bool) {
	if !r.hasStart {
		return cycle.Point{}, false
	}
	n := 1
	for {
		if r.repeat > 0 && n > r.repeat {
			return cycle.Point{}, false
		}
		p, ok := r.nthPoint(n)
		if !ok {
			return cycle.Point{}, false
		}
		if r.pastEnd(p) {
			return cycle.Point{}, false
		}
		if !p.Before(bound) && !r.excluded(p) {
			return p, true
		}
		if !r.hasPeriod {
			return cycle.Point{}, false
		}
		n++
	}
}

// IsValid reports whether p is a member of the recurrence (lies on the
// period grid, is not excluded, and is within bounds). Used by the task pool
// to check that an offset upstream point lies in the upstream task's own
// recurrence.
func (r Recurrence) IsValid(p cycle.Point) bool {
	if !r.hasStart {
		return false
	}
	if r.excluded(p) || r.pastEnd(p) {
		return false
	}
	if p.Equal(r.start) {
		return true
	}
	if !r.hasPeriod || p.Before(r.start) {
		return false
	}
	cursor := r.start
	n := 1
	for {
		if r.repeat > 0 && n >= r.repeat {
			return false
		}
		next, err := cursor.Add(r.period)
		if err != nil {
			return false
		}
		if next.Equal(p) {
			return true
		}
		if next.After(p) {
			return false
		}
		cursor = next
		n++
	}
}
