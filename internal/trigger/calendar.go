package trigger

import (
	"time"

	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
)

// Calendar excludes instants from firing. A trigger only fires at
// occurrences its calendar includes.
type Calendar interface {
	IsTimeIncluded(t time.Time) bool
}

// CalendarFunc adapts a function to Calendar.
type CalendarFunc func(t time.Time) bool

func (f CalendarFunc) IsTimeIncluded(t time.Time) bool { return f(t) }

type civilDate struct {
	y int
	m time.Month
	d int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

// HolidayCalendar excludes whole days, evaluated in its location.
type HolidayCalendar struct {
	loc  *time.Location
	days map[civilDate]bool
}

// NewHolidayCalendar excludes the calendar date of each given time, read
// in that time's own location.
func NewHolidayCalendar(loc *time.Location, dates ...time.Time) *HolidayCalendar {
	if loc == nil {
		loc = time.UTC
	}
	c := &HolidayCalendar{loc: loc, days: make(map[civilDate]bool, len(dates))}
	for _, d := range dates {
		c.days[dateOf(d)] = true
	}
	return c
}

func (c *HolidayCalendar) IsTimeIncluded(t time.Time) bool {
	return !c.days[dateOf(t.In(c.loc))]
}

// WeeklyCalendar excludes weekdays, evaluated in its location.
type WeeklyCalendar struct {
	loc      *time.Location
	excluded [7]bool
}

func NewWeeklyCalendar(loc *time.Location, days ...time.Weekday) *WeeklyCalendar {
	if loc == nil {
		loc = time.UTC
	}
	c := &WeeklyCalendar{loc: loc}
	for _, d := range days {
		c.excluded[d%7] = true
	}
	return c
}

func (c *WeeklyCalendar) IsTimeIncluded(t time.Time) bool {
	return !c.excluded[t.In(c.loc).Weekday()]
}

// BlackoutCalendar excludes every instant covered by an occurrence of a
// periodicity, e.g. a recurring maintenance window.
type BlackoutCalendar struct {
	p   model.Periodicity
	eng *occurrence.Engine
}

func NewBlackoutCalendar(p model.Periodicity, eng *occurrence.Engine) *BlackoutCalendar {
	if eng == nil {
		eng = &occurrence.Engine{}
	}
	return &BlackoutCalendar{p: p, eng: eng}
}

func (c *BlackoutCalendar) IsTimeIncluded(t time.Time) bool {
	// The first occurrence starting after t-duration covers t iff it has
	// already started.
	o, ok, err := c.eng.Next(c.p, t.Add(-c.p.Base.Duration()))
	if err != nil {
		appLog.Error("blackout calendar lookup failed", err, "blackout", c.p.ID)
		return true
	}
	return !ok || o.Start.After(t)
}

// ChainCalendar includes an instant only if every member includes it.
type ChainCalendar []Calendar

func (c ChainCalendar) IsTimeIncluded(t time.Time) bool {
	for _, cal := range c {
		if cal != nil && !cal.IsTimeIncluded(t) {
			return false
		}
	}
	return true
}
