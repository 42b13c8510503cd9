package cycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegerPointCompare(t *testing.T) {
	p1 := NewIntegerFromInt64(5)
	p2 := NewIntegerFromInt64(10)

	assert.True(t, p1.Before(p2))
	assert.True(t, p2.After(p1))
	assert.False(t, p1.Equal(p2))
	assert.True(t, p1.Equal(NewIntegerFromInt64(5)))
}

func TestPointKindMismatch(t *testing.T) {
	p1 := NewIntegerFromInt64(1)
	p2, err := ParsePoint("20200101T0000Z", Gregorian)
	require.NoError(t, err)

	_, err = p1.Compare(p2)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestParsePointDateTime(t *testing.T) {
	p, err := ParsePoint("20200229T1230Z", Gregorian)
	require.NoError(t, err)
	dt, ok := p.DateTimeValue()
	require.True(t, ok)
	assert.Equal(t, int64(2020), dt.Year)
	assert.Equal(t, int64(2), dt.Month)
	assert.Equal(t, int64(29), dt.Day)
	assert.Equal(t, 12, dt.Hour)
	assert.Equal(t, 30, dt.Minute)
	assert.True(t, dt.UTCMode)
}

func TestParsePointNormalizesNonLeapFeb29(t *testing.T) {
	// 2021 is not a leap year: Feb 29 normalizes forward into March 1.
	p, err := ParsePoint("20210229T0000Z", Gregorian)
	require.NoError(t, err)
	dt, _ := p.DateTimeValue()
	assert.Equal(t, int64(3), dt.Month)
	assert.Equal(t, int64(1), dt.Day)
}

func TestDateTimeAddDuration(t *testing.T) {
	p, err := ParsePoint("20200101T0000Z", Gregorian)
	require.NoError(t, err)
	d, err := ParseDuration("P1M", Gregorian)
	require.NoError(t, err)

	q, err := p.Add(d)
	require.NoError(t, err)
	dt, _ := q.DateTimeValue()
	assert.Equal(t, int64(2), dt.Month)
}

func TestDateTimeAddDurationCarriesYear(t *testing.T) {
	p, err := ParsePoint("20201215T0000Z", Gregorian)
	require.NoError(t, err)
	d, err := ParseDuration("P1M", Gregorian)
	require.NoError(t, err)

	q, err := p.Add(d)
	require.NoError(t, err)
	dt, _ := q.DateTimeValue()
	assert.Equal(t, int64(2021), dt.Year)
	assert.Equal(t, int64(1), dt.Month)
	assert.Equal(t, int64(15), dt.Day)
}

func TestIntegerDurationAdd(t *testing.T) {
	p := NewIntegerFromInt64(3)
	d, err := ParseDuration("P2", Gregorian)
	require.NoError(t, err)

	q, err := p.Add(d)
	require.NoError(t, err)
	v, ok := q.Int()
	require.True(t, ok)
	assert.Equal(t, int64(5), v.Int64())
}

func TestDiffRoundTrips(t *testing.T) {
	p1, err := ParsePoint("20200101T0000Z", Gregorian)
	require.NoError(t, err)
	p2, err := ParsePoint("20200201T1200Z", Gregorian)
	require.NoError(t, err)

	d, err := p2.Diff(p1)
	require.NoError(t, err)

	back, err := p1.Add(d)
	require.NoError(t, err)
	assert.True(t, p2.Equal(back))
}

func TestParseDurationRejectsEmpty(t *testing.T) {
	_, err := ParseDuration("P", Gregorian)
	assert.Error(t, err)
}

func TestDurationNegate(t *testing.T) {
	d, err := ParseDuration("P1DT2H", Gregorian)
	require.NoError(t, err)
	neg, err := d.Negate()
	require.NoError(t, err)
	assert.Equal(t, "-P1DT2H", neg.String())
}
