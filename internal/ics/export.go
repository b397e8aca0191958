package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"periodic/internal/model"
)

const productID = "-//periodic//periodic//EN"

// ExportConfig controls calendar export.
type ExportConfig struct {
	// Name is written as the calendar name when non-empty.
	Name string
	// Stamp is written as DTSTAMP of every event. If zero, time.Now is used.
	Stamp time.Time
}

// Export renders periodicities as a VCALENDAR. Periodicities without an ID
// get a random UID.
func Export(ps []model.Periodicity, cfg ExportConfig) *ical.Calendar {
	if cfg.Stamp.IsZero() {
		cfg.Stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	if cfg.Name != "" {
		cal.SetName(cfg.Name)
	}

	for _, p := range ps {
		uid := p.ID
		if uid == "" {
			uid = uuid.NewString()
		}
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(cfg.Stamp)
		if p.Name != "" {
			ev.SetSummary(p.Name)
		}
		if !p.Active {
			ev.SetStatus(ical.ObjectStatusCancelled)
		}

		loc := p.Loc()
		setTime(ev, ical.ComponentPropertyDtStart, p.Base.Start, loc)
		setTime(ev, ical.ComponentPropertyDtEnd, p.Base.End, loc)

		if p.Rule != nil {
			ev.AddRrule(RuleToText(exportRule(*p.Rule, loc)))
		}
		if xr := p.Overrides.ExclusionRule; xr != nil {
			// EXRULE has no registered value type; without VALUE=RECUR the
			// library would escape it as TEXT.
			ev.AddExrule(RuleToText(exportRule(*xr, loc)), ical.WithValue(string(ical.ValueDataTypeRecur)))
		}
		for _, ex := range p.Overrides.ExceptionDates {
			ev.AddExdate(ex.In(loc).Format("20060102"), ical.WithValue(string(ical.ValueDataTypeDate)))
		}
		for _, rd := range p.Overrides.IncludeDates {
			if loc == time.UTC {
				ev.AddRdate(rd.UTC().Format("20060102T150405Z"))
				continue
			}
			ev.AddRdate(rd.In(loc).Format("20060102T150405"), ical.WithTZID(loc.String()))
		}
	}
	return cal
}

// WriteICS serializes Export's calendar to w.
func WriteICS(w io.Writer, ps []model.Periodicity, cfg ExportConfig) error {
	return Export(ps, cfg).SerializeTo(w)
}

// setTime writes a DATE-TIME in the periodicity zone, so recurrences keep
// their wall clock across DST in other clients.
func setTime(ev *ical.VEvent, prop ical.ComponentProperty, t time.Time, loc *time.Location) {
	if loc == time.UTC {
		ev.SetProperty(prop, t.UTC().Format("20060102T150405Z"))
		return
	}
	ev.SetProperty(prop, t.In(loc).Format("20060102T150405"), ical.WithTZID(loc.String()))
}

// exportRule writes a date-valued UNTIL as the last instant of that day,
// since RFC 5545 requires UNTIL to match DTSTART's value type.
func exportRule(r model.RecurrenceRule, loc *time.Location) model.RecurrenceRule {
	if r.Until == nil {
		return r
	}
	u := *r.Until
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		y, m, d := u.Date()
		end := time.Date(y, m, d, 23, 59, 59, 0, loc)
		r.Until = &end
	}
	return r
}
