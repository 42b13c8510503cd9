package cycle

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"time"
)

// Duration is either an integer-cycle offset or an ISO8601 calendar
// duration, mirroring Point's split.
type Duration struct {
	kind Kind
	i    *big.Int
	dur  isoDuration
	cal  Calendar
}

// NewIntegerDuration builds an integer duration (a plain offset in cycle
// units, e.g. the "2" in "+P2" or the bare integer recurrence step).
func NewIntegerDuration(v *big.Int) Duration {
	return Duration{kind: KindInteger, i: new(big.Int).Set(v)}
}

// NewDateTimeDuration builds a calendar duration under the given calendar
// (the calendar matters because Years/Months have no fixed length).
func NewDateTimeDuration(d isoDuration, cal Calendar) Duration {
	return Duration{kind: KindDateTime, dur: d, cal: cal}
}

// Kind reports which flavour this duration is.
func (d Duration) Kind() Kind { return d.kind }

// Negate returns -d.
func (d Duration) Negate() (Duration, error) {
	if d.kind == KindInteger {
		return NewIntegerDuration(new(big.Int).Neg(d.i)), nil
	}
	neg := d.dur
	neg.Years, neg.Months, neg.Days = -neg.Years, -neg.Months, -neg.Days
	neg.Hours, neg.Minutes, neg.Seconds = -neg.Hours, -neg.Minutes, -neg.Seconds
	return NewDateTimeDuration(neg, d.cal), nil
}

// IsZero reports whether the duration has no effect.
func (d Duration) IsZero() bool {
	if d.kind == KindInteger {
		return d.i.Sign() == 0
	}
	return d.dur == isoDuration{}
}

// ApproxGoDuration converts a calendar duration into a time.Duration using
// fixed nominal widths (365 days/year, 30 days/month, 24h/day). It is only
// appropriate for scheduler-level timers (stall timeout, inactivity
// timeout) that need a Go timer, never for cycle-point arithmetic, which
// must go through Point.Add to respect the real calendar.
func (d Duration) ApproxGoDuration() time.Duration {
	if d.kind == KindInteger {
		return time.Duration(d.i.Int64()) * time.Second
	}
	total := d.dur.Years*365*24 + d.dur.Months*30*24 + d.dur.Days*24
	return time.Duration(total)*time.Hour +
		time.Duration(d.dur.Hours)*time.Hour +
		time.Duration(d.dur.Minutes)*time.Minute +
		time.Duration(d.dur.Seconds)*time.Second
}

func (d Duration) String() string {
	if d.kind == KindInteger {
		return "P" + d.i.String()
	}
	return formatISODuration(d.dur)
}

var isoDurationRE = regexp.MustCompile(
	`^(-)?P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

var integerDurationRE = regexp.MustCompile(`^(-)?P(\d+)$`)

// ParseDuration parses either an ISO8601 calendar duration (PnYnMnDTnHnMnS)
// or Cylc's bare integer-cycle duration shorthand (Pn / -Pn), returning a
// Duration of the matching kind. cal is only consulted for KindDateTime
// results, where it is attached for later Add/Sub calls.
func ParseDuration(s string, cal Calendar) (Duration, error) {
	if m := integerDurationRE.FindStringSubmatch(s); m != nil {
		n := new(big.Int)
		if _, ok := n.SetString(m[2], 10); !ok {
			return Duration{}, fmt.Errorf("cycle: bad integer duration %q", s)
		}
		if m[1] == "-" {
			n.Neg(n)
		}
		return NewIntegerDuration(n), nil
	}
	m := isoDurationRE.FindStringSubmatch(s)
	if m == nil {
		return Duration{}, fmt.Errorf("cycle: invalid ISO8601 duration %q", s)
	}
	if allEmpty(m[2:]) {
		return Duration{}, fmt.Errorf("cycle: empty ISO8601 duration %q", s)
	}
	vals := make([]int64, 6)
	for i, g := range m[2:8] {
		if g == "" {
			continue
		}
		v, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			return Duration{}, fmt.Errorf("cycle: invalid ISO8601 duration %q: %w", s, err)
		}
		vals[i] = v
	}
	d := isoDuration{Years: vals[0], Months: vals[1], Days: vals[2], Hours: vals[3], Minutes: vals[4], Seconds: vals[5]}
	if m[1] == "-" {
		d.Years, d.Months, d.Days = -d.Years, -d.Months, -d.Days
		d.Hours, d.Minutes, d.Seconds = -d.Hours, -d.Minutes, -d.Seconds
	}
	return NewDateTimeDuration(d, cal), nil
}

func allEmpty(groups []string) bool {
	for _, g := range groups {
		if g != "" {
			return false
		}
	}
	return true
}

func formatISODuration(d isoDuration) string {
	sign := ""
	if d.Years < 0 || d.Months < 0 || d.Days < 0 || d.Hours < 0 || d.Minutes < 0 || d.Seconds < 0 {
		sign = "-"
		d.Years, d.Months, d.Days = -d.Years, -d.Months, -d.Days
		d.Hours, d.Minutes, d.Seconds = -d.Hours, -d.Minutes, -d.Seconds
	}
	out := sign + "P"
	if d.Years != 0 {
		out += fmt.Sprintf("%dY", d.Years)
	}
	if d.Months != 0 {
		out += fmt.Sprintf("%dM", d.Months)
	}
	if d.Days != 0 {
		out += fmt.Sprintf("%dD", d.Days)
	}
	if d.Hours != 0 || d.Minutes != 0 || d.Seconds != 0 {
		out += "T"
		if d.Hours != 0 {
			out += fmt.Sprintf("%dH", d.Hours)
		}
		if d.Minutes != 0 {
			out += fmt.Sprintf("%dM", d.Minutes)
		}
		if d.Seconds != 0 {
			out += fmt.Sprintf("%dS", d.Seconds)
		}
	}
	if out == sign+"P" {
		return sign + "P0D"
	}
	return out
}
