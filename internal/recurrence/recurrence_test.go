package recurrence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-go/internal/cycle"
)

func mustPoint(t *testing.T, s string) cycle.Point {
	t.Helper()
	p, err := cycle.ParsePoint(s, cycle.Gregorian)
	require.NoError(t, err)
	return p
}

func TestParseStartPeriod(t *testing.T) {
	r, err := Parse("R/20200101T0000Z/P1D", cycle.Gregorian)
	require.NoError(t, err)

	next, ok := r.Next(mustPoint(t, "20200101T0000Z"))
	require.True(t, ok)
	assert.True(t, next.Equal(mustPoint(t, "20200102T0000Z")))
}

func TestParseStartEnd(t *testing.T) {
	r, err := Parse("R/20200101T0000Z/20200101T0000Z", cycle.Gregorian)
	require.NoError(t, err)

	first, ok := r.FirstOnOrAfter(mustPoint(t, "20191231T0000Z"))
	require.True(t, ok)
	assert.True(t, first.Equal(mustPoint(t, "20200101T0000Z")))

	_, ok = r.Next(mustPoint(t, "20200101T0000Z"))
	assert.False(t, ok, "single point recurrence has no successor")
}

func TestR1SingleShot(t *testing.T) {
	r, err := Parse("R1/20200101T0000Z", cycle.Gregorian)
	require.NoError(t, err)

	first, ok := r.FirstOnOrAfter(mustPoint(t, "20191231T0000Z"))
	require.True(t, ok)
	assert.True(t, first.Equal(mustPoint(t, "20200101T0000Z")))

	_, ok = r.Next(first)
	assert.False(t, ok)
}

func TestBoundedRepeatCount(t *testing.T) {
	r, err := Parse("R3/20200101T0000Z/P1D", cycle.Gregorian)
	require.NoError(t, err)

	p1, ok := r.FirstOnOrAfter(mustPoint(t, "20200101T0000Z"))
	require.True(t, ok)
	p2, ok := r.Next(p1)
	require.True(t, ok)
	p3, ok := r.Next(p2)
	require.True(t, ok)
	_, ok = r.Next(p3)
	assert.False(t, ok, "R3 produces exactly 3 points")
}

func TestExclusion(t *testing.T) {
	r, err := Parse("R/20200101T0000Z/P1D!20200102T0000Z", cycle.Gregorian)
	require.NoError(t, err)

	next, ok := r.Next(mustPoint(t, "20200101T0000Z"))
	require.True(t, ok)
	assert.True(t, next.Equal(mustPoint(t, "20200103T0000Z")), "20200102 must be skipped")
}

func TestIsValidOffGrid(t *testing.T) {
	r, err := Parse("R/20200101T0000Z/P2D", cycle.Gregorian)
	require.NoError(t, err)

	assert.True(t, r.IsValid(mustPoint(t, "20200101T0000Z")))
	assert.False(t, r.IsValid(mustPoint(t, "20200102T0000Z")))
}

func TestWithStartInheritsAnchor(t *testing.T) {
	r, err := Parse("R1", cycle.Gregorian)
	require.NoError(t, err)
	r = r.WithStart(mustPoint(t, "20250601T0000Z"))

	first, ok := r.FirstOnOrAfter(mustPoint(t, "20250101T0000Z"))
	require.True(t, ok)
	assert.True(t, first.Equal(mustPoint(t, "20250601T0000Z")))
}

func TestFirstOnOrAfterDoesNotSkipExactGridPoint(t *testing.T) {
	r, err := Parse("R/20200101T0000Z/P1Y", cycle.Gregorian)
	require.NoError(t, err)

	first, ok := r.FirstOnOrAfter(mustPoint(t, "20220101T0000Z"))
	require.True(t, ok)
	assert.True(t, first.Equal(mustPoint(t, "20220101T0000Z")), "bound itself is a grid point and must not be skipped")
}

func TestIntegerRecurrence(t *testing.T) {
	r, err := Parse("R/1/P1", cycle.Gregorian)
	require.NoError(t, err)

	p1, ok := r.FirstOnOrAfter(mustPoint(t, "1"))
	require.True(t, ok)
	p2, ok := r.Next(p1)
	require.True(t, ok)
	assert.True(t, p2.Equal(mustPoint(t, "2")))
}
