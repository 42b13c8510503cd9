package cycle

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
)

var dateTimeRE = regexp.MustCompile(
	`^(-?\d{4,})-?(\d{2})-?(\d{2})(?:T(\d{2}):?(\d{2})(?::?(\d{2}))?(Z|[+-]\d{2}:?\d{2})?)?$`)

var integerPointRE = regexp.MustCompile(`^-?\d+$`)

// ParsePoint parses either a bare integer cycle point or an ISO8601
// basic/extended date-time, e.g. "20200101T0000Z" or "2020-01-01T00:00:00+01:00".
func ParsePoint(s string, cal Calendar) (Point, error) {
	if integerPointRE.MatchString(s) {
		n := new(big.Int)
		if _, ok := n.SetString(s, 10); ok {
			return NewInteger(n), nil
		}
	}
	m := dateTimeRE.FindStringSubmatch(s)
	if m == nil {
		return Point{}, fmt.Errorf("cycle: invalid cycle point %q", s)
	}
	year, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Point{}, fmt.Errorf("cycle: invalid cycle point %q: %w", s, err)
	}
	month, _ := strconv.ParseInt(m[2], 10, 64)
	day, _ := strconv.ParseInt(m[3], 10, 64)
	dt := DateTime{Year: year, Month: month, Day: day}
	if m[4] != "" {
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		dt.Hour, dt.Minute = hour, minute
		if m[6] != "" {
			sec, _ := strconv.Atoi(m[6])
			dt.Second = sec
		}
	}
	switch {
	case m[7] == "Z" || m[7] == "":
		dt.UTCMode = m[7] == "Z"
	default:
		off, err := parseUTCOffset(m[7])
		if err != nil {
			return Point{}, fmt.Errorf("cycle: invalid cycle point %q: %w", s, err)
		}
		dt.UTCOffsetMinutes = off
	}
	return NewDateTime(cal, dt), nil
}

func parseUTCOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	s = s[1:]
	var hh, mm int
	if len(s) == 5 && s[2] == ':' {
		hh, _ = strconv.Atoi(s[0:2])
		mm, _ = strconv.Atoi(s[3:5])
	} else if len(s) == 4 {
		hh, _ = strconv.Atoi(s[0:2])
		mm, _ = strconv.Atoi(s[2:4])
	} else {
		return 0, fmt.Errorf("bad UTC offset %q", s)
	}
	return sign * (hh*60 + mm), nil
}
