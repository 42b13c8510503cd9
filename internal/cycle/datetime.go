package cycle

import "fmt"

// normalize carries out-of-range month/hour/minute/second components into
// their neighbours so that, e.g., {Month: 13} becomes {Year+1, Month: 1}.
func normalize(cal Calendar, dt DateTime) DateTime {
	// carry seconds into minutes
	if dt.Second < 0 || dt.Second >= 60 {
		carry := floorDiv(dt.Second, 60)
		dt.Minute += carry
		dt.Second -= carry * 60
	}
	if dt.Minute < 0 || dt.Minute >= 60 {
		carry := floorDiv(dt.Minute, 60)
		dt.Hour += carry
		dt.Minute -= carry * 60
	}
	if dt.Hour < 0 || dt.Hour >= 24 {
		carry := floorDiv(dt.Hour, 24)
		dt.Day += int64(carry)
		dt.Hour -= carry * 24
	}
	// normalize month into [1,12], carrying years
	if dt.Month < 1 || dt.Month > 12 {
		m := dt.Month - 1
		carry := floorDiv64(m, 12)
		dt.Year += carry
		dt.Month = m - carry*12 + 1
	}
	// carry days, possibly spanning multiple months
	for dt.Day < 1 {
		dt.Month--
		if dt.Month < 1 {
			dt.Month = 12
			dt.Year--
		}
		dt.Day += int64(daysInMonth(cal, dt.Year, int(dt.Month)))
	}
	for {
		dim := int64(daysInMonth(cal, dt.Year, int(dt.Month)))
		if dt.Day <= dim {
			break
		}
		dt.Day -= dim
		dt.Month++
		if dt.Month > 12 {
			dt.Month = 1
			dt.Year++
		}
	}
	return dt
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorDiv64(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// canonicalize converts a local-mode date-time into its UTC equivalent for
// comparison purposes, leaving UTC-mode values untouched.
func canonicalize(cal Calendar, dt DateTime) DateTime {
	if dt.UTCMode || dt.UTCOffsetMinutes == 0 {
		return dt
	}
	return normalize(cal, DateTime{
		Year: dt.Year, Month: dt.Month, Day: dt.Day,
		Hour: dt.Hour, Minute: dt.Minute - dt.UTCOffsetMinutes, Second: dt.Second,
		UTCMode: true,
	})
}

func compareDateTime(a, b DateTime) int {
	switch {
	case a.Year != b.Year:
		return cmpInt64(a.Year, b.Year)
	case a.Month != b.Month:
		return cmpInt64(a.Month, b.Month)
	case a.Day != b.Day:
		return cmpInt64(a.Day, b.Day)
	case a.Hour != b.Hour:
		return cmpInt(a.Hour, b.Hour)
	case a.Minute != b.Minute:
		return cmpInt(a.Minute, b.Minute)
	default:
		return cmpInt(a.Second, b.Second)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// isoDuration is the calendar component set of a date-time Duration,
// expressed as the parsed PnYnMnDTnHnMnS fields (sign applied externally).
type isoDuration struct {
	Years, Months, Days, Hours, Minutes, Seconds int64
}

// addDuration adds dur to dt, scaled by sign (+1 or -1). Year/month arithmetic
// is applied before day/time arithmetic, matching Cylc's ISO8601 duration
// semantics (isodatetime library convention: calendar-largest-unit-first).
func addDuration(cal Calendar, dt DateTime, dur isoDuration, sign int64) DateTime {
	dt.Year += sign * dur.Years
	dt.Month += sign * dur.Months
	dt.Day += sign * dur.Days
	dt.Hour += int(sign * dur.Hours)
	dt.Minute += int(sign * dur.Minutes)
	dt.Second += int(sign * dur.Seconds)
	return normalize(cal, dt)
}

// durationBetween computes the Duration from-to by converting both
// endpoints to a day count from a common epoch, plus the residual
// hour/minute/second delta. This yields a DateTime-kind Duration expressed
// purely in days/H/M/S (no Y/M components), which is always exact to
// re-add.
func durationBetween(cal Calendar, from, to DateTime) Duration {
	fromDays := daysSinceEpoch(cal, from)
	toDays := daysSinceEpoch(cal, to)
	days := toDays - fromDays

	fromSecs := int64(from.Hour)*3600 + int64(from.Minute)*60 + int64(from.Second)
	toSecs := int64(to.Hour)*3600 + int64(to.Minute)*60 + int64(to.Second)
	secs := toSecs - fromSecs
	if secs < 0 {
		secs += 86400
		days--
	}
	return NewDateTimeDuration(isoDuration{Days: days, Seconds: secs}, cal)
}

// daysSinceEpoch counts days from a fixed epoch (year 1, day 1) under cal.
// Only used for differencing two points under the SAME calendar, so the
// epoch choice is arbitrary.
func daysSinceEpoch(cal Calendar, dt DateTime) int64 {
	var total int64
	if dt.Year >= 1 {
		for y := int64(1); y < dt.Year; y++ {
			total += int64(daysInYear(cal, y))
		}
	} else {
		for y := dt.Year; y < 1; y++ {
			total -= int64(daysInYear(cal, y))
		}
	}
	for m := 1; m < int(dt.Month); m++ {
		total += int64(daysInMonth(cal, dt.Year, m))
	}
	total += dt.Day - 1
	return total
}

func formatDateTime(dt DateTime) string {
	tz := "Z"
	if !dt.UTCMode {
		sign := "+"
		off := dt.UTCOffsetMinutes
		if off < 0 {
			sign = "-"
			off = -off
		}
		tz = fmt.Sprintf("%s%02d%02d", sign, off/60, off%60)
	}
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d%s",
		dt.Year, dt.Month, dt.Day, dt.Hour, dt.Minute, dt.Second, tz)
}
