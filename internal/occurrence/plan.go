package occurrence

import (
	"sort"
	"time"

	"periodic/internal/model"
)

// plan is a rule compiled against its anchor: implicit BYxxx defaults are
// filled in and set-valued filters are turned into lookups.
type plan struct {
	freq     model.Frequency
	unit     unit
	interval int
	wkst     time.Weekday
	loc      *time.Location

	anchor   time.Time // in loc
	anchorPS time.Time // civil period start holding the anchor

	months    map[time.Month]bool
	monthDays []int
	yearDays  []int
	weekNos   []int
	days      []model.WeekdayNum
	byMonth   bool
	setPos    []int
	clock     []clockTime

	until    time.Time
	hasUntil bool
	count    int
}

type clockTime struct{ h, m, s int }

func compile(r *model.RecurrenceRule, anchor time.Time, loc *time.Location) *plan {
	anchor = anchor.In(loc)
	p := &plan{
		freq:      r.Frequency,
		unit:      units[r.Frequency],
		interval:  r.EffectiveInterval(),
		wkst:      r.WeekStart,
		loc:       loc,
		anchor:    anchor,
		monthDays: r.ByMonthDay,
		yearDays:  r.ByYearDay,
		weekNos:   r.ByWeekNo,
		days:      r.ByDay,
		byMonth:   len(r.ByMonth) > 0,
		setPos:    r.BySetPos,
		count:     r.Count,
	}
	p.anchorPS = p.unit.periodStart(civil(anchor), p.wkst)

	months := r.ByMonth
	if len(r.ByWeekNo) == 0 && len(r.ByYearDay) == 0 && len(r.ByMonthDay) == 0 && len(r.ByDay) == 0 {
		switch r.Frequency {
		case model.Yearly:
			if len(months) == 0 {
				months = []time.Month{anchor.Month()}
			}
			p.monthDays = []int{anchor.Day()}
		case model.Monthly:
			p.monthDays = []int{anchor.Day()}
		case model.Weekly:
			p.days = []model.WeekdayNum{{Day: anchor.Weekday()}}
		}
	}
	if len(months) > 0 {
		p.months = make(map[time.Month]bool, len(months))
		for _, m := range months {
			p.months[m] = true
		}
	}

	hours := orDefault(r.ByHour, anchor.Hour())
	minutes := orDefault(r.ByMinute, anchor.Minute())
	seconds := orDefault(r.BySecond, anchor.Second())
	for _, h := range hours {
		for _, m := range minutes {
			for _, s := range seconds {
				p.clock = append(p.clock, clockTime{h, m, s})
			}
		}
	}

	p.until, p.hasUntil = untilBound(r.Until, loc)
	return p
}

func orDefault(values []int, def int) []int {
	if len(values) == 0 {
		return []int{def}
	}
	out := append([]int(nil), values...)
	sort.Ints(out)
	return dedupe(out)
}

func dedupe(sorted []int) []int {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// untilBound resolves UNTIL to an inclusive instant. A value whose wall
// clock is midnight in its own zone is a date and covers that whole day
// in loc.
func untilBound(until *time.Time, loc *time.Location) (time.Time, bool) {
	if until == nil {
		return time.Time{}, false
	}
	u := *until
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		y, m, d := u.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond), true
	}
	return u.In(loc), true
}

// expand returns the sorted rule candidates of the period starting at ps,
// after BYSETPOS selection. Candidates before the anchor are kept; the
// caller drops them so that BYSETPOS sees the full period.
func (p *plan) expand(ps time.Time) []time.Time {
	pe := p.unit.advance(ps, 1)
	var out []time.Time
	for d := ps; d.Before(pe); d = d.AddDate(0, 0, 1) {
		if !p.matchDay(d) {
			continue
		}
		for _, c := range p.clock {
			out = append(out, time.Date(d.Year(), d.Month(), d.Day(), c.h, c.m, c.s, p.anchor.Nanosecond(), p.loc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if len(p.setPos) == 0 || len(out) == 0 {
		return out
	}
	return selectPositions(out, p.setPos)
}

func selectPositions(set []time.Time, positions []int) []time.Time {
	picked := make([]time.Time, 0, len(positions))
	seen := make(map[int]bool, len(positions))
	for _, pos := range positions {
		i := pos - 1
		if pos < 0 {
			i = len(set) + pos
		}
		if i < 0 || i >= len(set) || seen[i] {
			continue
		}
		seen[i] = true
		picked = append(picked, set[i])
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].Before(picked[j]) })
	return picked
}

// matchDay applies every day-level filter to the civil date d.
func (p *plan) matchDay(d time.Time) bool {
	if p.months != nil && !p.months[d.Month()] {
		return false
	}
	if len(p.weekNos) > 0 {
		week, weeks := weekNumber(d, p.wkst)
		if !matchSigned(p.weekNos, week, weeks) {
			return false
		}
	}
	if len(p.yearDays) > 0 && !matchSigned(p.yearDays, d.YearDay(), daysInYear(d.Year())) {
		return false
	}
	if len(p.monthDays) > 0 && !matchSigned(p.monthDays, d.Day(), daysInMonth(d.Year(), d.Month())) {
		return false
	}
	if len(p.days) > 0 && !p.matchWeekday(d) {
		return false
	}
	return true
}

// matchSigned reports whether v (1-based) is listed, counting negative
// entries back from n.
func matchSigned(values []int, v, n int) bool {
	for _, want := range values {
		if want > 0 && want == v {
			return true
		}
		if want < 0 && n+want+1 == v {
			return true
		}
	}
	return false
}

// matchWeekday handles BYDAY. Ordinals count within the month for MONTHLY
// rules and YEARLY rules with BYMONTH, within the year for other YEARLY
// rules, and are ignored for DAILY and WEEKLY.
func (p *plan) matchWeekday(d time.Time) bool {
	for _, wd := range p.days {
		if wd.Day != d.Weekday() {
			continue
		}
		if wd.N == 0 {
			return true
		}
		var first, last time.Time
		switch {
		case p.freq == model.Monthly || (p.freq == model.Yearly && p.byMonth):
			first = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
			last = first.AddDate(0, 1, -1)
		case p.freq == model.Yearly:
			first = time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
			last = time.Date(d.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
		default:
			return true
		}
		if wd.N > 0 && (dayIndex(d)-dayIndex(first))/7+1 == wd.N {
			return true
		}
		if wd.N < 0 && (dayIndex(last)-dayIndex(d))/7+1 == -wd.N {
			return true
		}
	}
	return false
}
