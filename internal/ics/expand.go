package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
)

// ReferenceOccurrences expands p over [start, end) with rrule-go instead of
// the occurrence engine. RFC 5545 expansion of RRULE and EXRULE is left to
// rrule-go; EXDATE and EXRULE are then applied at day granularity and RDATE
// added, the same way the engine resolves overrides.
func ReferenceOccurrences(p model.Periodicity, start, end time.Time) ([]model.Occurrence, error) {
	if end.Before(start) {
		return nil, errors.New("expand: end is before start")
	}
	if !p.Active {
		return nil, nil
	}
	loc := p.Loc()
	dur := p.Base.Duration()
	anchor := p.Anchor()

	exdays := make(map[string]bool)
	for _, ex := range p.Overrides.ExceptionDates {
		exdays[dayKey(ex.In(loc))] = true
	}
	if xr := p.Overrides.ExclusionRule; xr != nil {
		r, err := toRRule(*xr, anchor, loc)
		if err != nil {
			return nil, fmt.Errorf("expand: exrule: %w", err)
		}
		for _, t := range r.Between(start.AddDate(0, 0, -1), end.AddDate(0, 0, 1), true) {
			exdays[dayKey(t.In(loc))] = true
		}
	}

	var starts []time.Time
	switch {
	case p.Rule == nil:
		starts = append(starts, anchor)
	default:
		r, err := toRRule(*p.Rule, anchor, loc)
		if err != nil {
			return nil, fmt.Errorf("expand: rrule: %w", err)
		}
		starts = r.Between(start, end, true)
	}

	seen := make(map[time.Time]bool)
	var out []model.Occurrence
	add := func(t time.Time) {
		t = t.In(loc)
		if t.Before(start) || !t.Before(end) || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, model.Occurrence{Start: t, End: t.Add(dur)})
	}
	for _, t := range starts {
		if !exdays[dayKey(t.In(loc))] {
			add(t)
		}
	}
	for _, rd := range p.Overrides.IncludeDates {
		if !exdayHas(p.Overrides.ExceptionDates, rd, loc) {
			add(rd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func exdayHas(exdates []time.Time, t time.Time, loc *time.Location) bool {
	k := dayKey(t.In(loc))
	for _, ex := range exdates {
		if dayKey(ex.In(loc)) == k {
			return true
		}
	}
	return false
}

var rruleFreqs = map[model.Frequency]rrule.Frequency{
	model.Daily:   rrule.DAILY,
	model.Weekly:  rrule.WEEKLY,
	model.Monthly: rrule.MONTHLY,
	model.Yearly:  rrule.YEARLY,
}

var rruleDays = [...]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// toRRule builds an rrule-go rule anchored at dtstart. The textual form is
// round-tripped through rrule-go's own parser, then UNTIL is replaced with
// the inclusive bound this module uses for date-valued UNTIL.
func toRRule(r model.RecurrenceRule, dtstart time.Time, loc *time.Location) (*rrule.RRule, error) {
	if _, ok := rruleFreqs[r.Frequency]; !ok {
		return nil, fmt.Errorf("unsupported frequency %q", r.Frequency)
	}
	opt, err := rrule.StrToROptionInLocation(RuleToText(r), loc)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = dtstart.In(loc)
	opt.Wkst = rruleDays[r.WeekStart]
	opt.Until = time.Time{}
	if r.Until != nil {
		u := *r.Until
		if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
			y, m, d := u.Date()
			u = time.Date(y, m, d, 23, 59, 59, 0, loc)
		}
		opt.Until = u
	}
	return rrule.NewRRule(*opt)
}

// CrossCheckResult describes where the engine and the rrule-go reference
// disagree for one periodicity.
type CrossCheckResult struct {
	ID        string
	Engine    int
	Reference int
	// Missing lists starts the reference produced but the engine did not.
	Missing []time.Time
	// Extra lists starts the engine produced but the reference did not.
	Extra []time.Time
}

// OK reports whether both expansions agree.
func (r CrossCheckResult) OK() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0
}

// CrossCheck compares the engine's window with ReferenceOccurrences.
func CrossCheck(e *occurrence.Engine, p model.Periodicity, start, end time.Time) (CrossCheckResult, error) {
	res := CrossCheckResult{ID: p.ID}

	got, err := e.Window(p, start, end)
	if err != nil {
		return res, err
	}
	want, err := ReferenceOccurrences(p, start, end)
	if err != nil {
		return res, err
	}
	res.Engine = len(got)
	res.Reference = len(want)

	gotSet := make(map[int64]bool, len(got))
	for _, o := range got {
		gotSet[o.Start.UnixNano()] = true
	}
	wantSet := make(map[int64]bool, len(want))
	for _, o := range want {
		wantSet[o.Start.UnixNano()] = true
		if !gotSet[o.Start.UnixNano()] {
			res.Missing = append(res.Missing, o.Start)
		}
	}
	for _, o := range got {
		if !wantSet[o.Start.UnixNano()] {
			res.Extra = append(res.Extra, o.Start)
		}
	}

	if !res.OK() {
		appLog.Error("crosscheck mismatch", errors.New("engine and reference disagree"),
			"id", p.ID,
			"missing", len(res.Missing),
			"extra", len(res.Extra),
		)
	}
	return res, nil
}
