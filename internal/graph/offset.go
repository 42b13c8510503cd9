package graph

import "github.com/cylc/cylc-flow-go/internal/cycle"

// OffsetPoint applies an inter-cycle offset string (e.g. "-P1D", "+P2") to
// base and returns the shifted point. An empty offset returns base
// unchanged. Negative offsets are written with a leading "-" per the graph
// syntax ("foo[-P1D]"); positive ones may carry an explicit "+" or none.
func OffsetPoint(base cycle.Point, offset string, cal cycle.Calendar) (cycle.Point, error) {
	if offset == "" {
		return base, nil
	}
	neg := false
	s := offset
	switch s[0] {
	case '-':
		neg, s = true, s[1:]
	case '+':
		s = s[1:]
	}
	d, err := cycle.ParseDuration(s, cal)
	if err != nil {
		return cycle.Point{}, err
	}
	if neg {
		d, err = d.Negate()
		if err != nil {
			return cycle.Point{}, err
		}
	}
	return base.Add(d)
}
