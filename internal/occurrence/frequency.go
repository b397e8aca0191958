package occurrence

import (
	"time"

	"periodic/internal/model"
)

// unit is the calendar arithmetic for one frequency. All values are civil
// dates: midnight UTC standing in for a wall-clock date in the periodicity
// zone, so AddDate never crosses a DST transition.
type unit struct {
	// periodStart truncates a civil date to the first day of its period.
	periodStart func(d time.Time, wkst time.Weekday) time.Time
	// advance moves a period start by n whole periods (n may be negative).
	advance func(ps time.Time, n int) time.Time
	// between counts whole periods from period start a to period start b.
	between func(a, b time.Time) int
}

var units = map[model.Frequency]unit{
	model.Daily: {
		periodStart: func(d time.Time, _ time.Weekday) time.Time { return d },
		advance:     func(ps time.Time, n int) time.Time { return ps.AddDate(0, 0, n) },
		between:     func(a, b time.Time) int { return dayIndex(b) - dayIndex(a) },
	},
	model.Weekly: {
		periodStart: func(d time.Time, wkst time.Weekday) time.Time {
			back := (int(d.Weekday()) - int(wkst) + 7) % 7
			return d.AddDate(0, 0, -back)
		},
		advance: func(ps time.Time, n int) time.Time { return ps.AddDate(0, 0, 7*n) },
		between: func(a, b time.Time) int { return floorDiv(dayIndex(b)-dayIndex(a), 7) },
	},
	model.Monthly: {
		periodStart: func(d time.Time, _ time.Weekday) time.Time {
			return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		},
		advance: func(ps time.Time, n int) time.Time { return ps.AddDate(0, n, 0) },
		between: func(a, b time.Time) int {
			return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
		},
	},
	model.Yearly: {
		periodStart: func(d time.Time, _ time.Weekday) time.Time {
			return time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		},
		advance: func(ps time.Time, n int) time.Time { return ps.AddDate(n, 0, 0) },
		between: func(a, b time.Time) int { return b.Year() - a.Year() },
	},
}

// fastForward returns the first period start at or before target's period
// that lies a whole number of intervals after anchorPS. Periods before the
// anchor clamp to the anchor period.
func fastForward(u unit, anchorPS, target time.Time, interval int, wkst time.Weekday) time.Time {
	k := u.between(anchorPS, u.periodStart(target, wkst))
	if k <= 0 {
		return anchorPS
	}
	return u.advance(anchorPS, (k/interval)*interval)
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayIndex(d time.Time) int {
	return int(d.Unix() / 86400)
}

func daysInMonth(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func daysInYear(year int) int {
	return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC).YearDay()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// weekOne returns the first day of week 1 of year: the week starting on
// wkst that holds at least four days of the year.
func weekOne(year int, wkst time.Weekday) time.Time {
	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(jan1.Weekday()) - int(wkst) + 7) % 7
	if offset <= 3 {
		return jan1.AddDate(0, 0, -offset)
	}
	return jan1.AddDate(0, 0, 7-offset)
}

// weekNumber returns the RFC 5545 week number of d and the number of weeks
// in the week-numbering year d belongs to.
func weekNumber(d time.Time, wkst time.Weekday) (week, weeks int) {
	year := d.Year()
	start := weekOne(year, wkst)
	if d.Before(start) {
		year--
		start = weekOne(year, wkst)
	} else if next := weekOne(year+1, wkst); !d.Before(next) {
		year++
		start = next
	}
	week = (dayIndex(d)-dayIndex(start))/7 + 1
	weeks = (dayIndex(weekOne(year+1, wkst)) - dayIndex(start)) / 7
	return week, weeks
}
