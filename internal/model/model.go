package model

import (
	"time"
)

// Frequency is the calendar unit a recurrence rule repeats in.
type Frequency int

const (
	FrequencyUnset Frequency = iota
	Daily
	Weekly
	Monthly
	Yearly
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return ""
	}
}

// WeekdayNum is a BYDAY entry: a weekday optionally paired with a signed
// ordinal ("2nd Tuesday" is {Tuesday, 2}, "last Friday" is {Friday, -1}).
// N == 0 means every such weekday in the period.
type WeekdayNum struct {
	Day time.Weekday
	N   int
}

// RecurrenceRule is the normalized recurrence specification (RRULE/EXRULE).
// Empty slices leave the corresponding dimension unconstrained.
type RecurrenceRule struct {
	Frequency Frequency
	Interval  int

	ByDay      []WeekdayNum
	ByMonthDay []int
	ByMonth    []time.Month
	BySetPos   []int
	ByYearDay  []int
	ByWeekNo   []int
	ByHour     []int
	ByMinute   []int
	BySecond   []int
	WeekStart  time.Weekday
	Until      *time.Time
	Count      int
}

// EffectiveInterval returns Interval, treating non-positive values as 1.
func (r RecurrenceRule) EffectiveInterval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

// Bounded reports whether generation terminates on its own.
func (r RecurrenceRule) Bounded() bool {
	return r.Until != nil || r.Count > 0
}

// BaseInterval is the anchor occurrence.
type BaseInterval struct {
	Start time.Time
	End   time.Time
}

// Duration of every occurrence generated from this anchor.
func (b BaseInterval) Duration() time.Duration {
	return b.End.Sub(b.Start)
}

// OverrideSet holds EXDATE, RDATE and EXRULE data.
type OverrideSet struct {
	ExceptionDates []time.Time
	IncludeDates   []time.Time
	ExclusionRule  *RecurrenceRule
}

// Periodicity is a configured recurring (or single) event definition.
// Values are treated as immutable once built by NewPeriodicity; replace
// the whole value to change it.
type Periodicity struct {
	ID        string
	Name      string
	Base      BaseInterval
	Rule      *RecurrenceRule
	Overrides OverrideSet
	Location  *time.Location
	Active    bool
}

// Loc returns the periodicity zone, defaulting to UTC.
func (p Periodicity) Loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Anchor returns the base start in the periodicity zone.
func (p Periodicity) Anchor() time.Time {
	return p.Base.Start.In(p.Loc())
}

// Occurrence is one concrete [Start, End) instance of a periodicity.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Overlaps uses closed-open semantics.
func (o Occurrence) Overlaps(other Occurrence) bool {
	return o.Start.Before(other.End) && other.Start.Before(o.End)
}
