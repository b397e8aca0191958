package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "periodic/internal/log"
	"periodic/internal/model"
)

// ParsedEvent is the normalized representation of a VEVENT before it is
// turned into a model.Periodicity.
type ParsedEvent struct {
	Source Source

	UID     string
	Seq     int
	Summary string

	Start    time.Time
	End      time.Time
	AllDay   bool
	Location *time.Location

	RawRRule   string
	RawExRule  string
	ExDates    []time.Time
	RDates     []time.Time
	Cancelled  bool
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool       // true if this VEVENT replaces one instance of a recurring event
}

// ImportConfig controls how VEVENTs become periodicities.
type ImportConfig struct {
	// DefaultLocation is used for floating (zone-less) times. If nil, UTC.
	DefaultLocation *time.Location
}

// ParseICS parses an ICS payload into periodicities.
//
//   - Each VEVENT becomes one periodicity keyed by its UID.
//   - RRULE/EXRULE/EXDATE/RDATE map onto the rule and override set.
//   - A RECURRENCE-ID override excludes the replaced date from its base
//     event and is imported as a single periodicity of its own.
//
// Events that cannot be converted are logged and skipped.
func ParseICS(src Source, body []byte, cfg ImportConfig) ([]model.Periodicity, error) {
	events, err := ParseEvents(src, body, cfg)
	if err != nil {
		return nil, err
	}
	return Periodicities(events), nil
}

// ParseEvents parses an ICS payload into ParsedEvents without building
// periodicities.
func ParseEvents(src Source, body []byte, cfg ImportConfig) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, cfg.DefaultLocation)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, defLoc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent
	out.Source = src

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(p.Value, string(ical.ObjectStatusCancelled))
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtStart.Value, dtStart.ICalParameters, defLoc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay
	out.Location = start.Location()

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, _, err := propTime(p.Value, p.ICalParameters, out.Location)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		d, err := parseDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		out.End = start.Add(d)
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		return out, errors.New("missing DTEND and DURATION")
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyExrule); p != nil {
		out.RawExRule = p.Value
	}
	out.ExDates = propTimes(ve.GetProperties(ical.ComponentPropertyExdate), out.Location)
	out.RDates = propTimes(ve.GetProperties(ical.ComponentPropertyRdate), out.Location)

	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		if t, _, err := propTime(ridProp.Value, ridProp.ICalParameters, out.Location); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// propTimes parses EXDATE/RDATE properties, which may repeat and carry
// comma separated values. Unparseable values are skipped.
func propTimes(props []*ical.IANAProperty, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range props {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := propTime(part, p.ICalParameters, loc); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// propTime parses an ICS DATE or DATE-TIME value, honoring TZID. Floating
// values are read in defLoc. The bool reports a DATE value.
func propTime(v string, params map[string][]string, defLoc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	loc := defLoc
	if tzs, ok := params[string(ical.ParameterTzid)]; ok && len(tzs) > 0 {
		l, err := time.LoadLocation(tzs[0])
		if err != nil {
			return time.Time{}, false, err
		}
		loc = l
	}
	isDate := !strings.Contains(v, "T")
	if vs, ok := params[string(ical.ParameterValue)]; ok && len(vs) > 0 && strings.EqualFold(vs[0], string(ical.ValueDataTypeDate)) {
		isDate = true
	}

	switch {
	case isDate:
		t, err := time.ParseInLocation("20060102", strings.TrimSuffix(v, "Z"), loc)
		return t, true, err
	case strings.HasSuffix(v, "Z"):
		// UTC values recur in UTC.
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}
}

// parseDuration reads the RFC 5545 dur-value subset "[+]P[nW][nD][T[nH][nM][nS]]".
func parseDuration(v string) (time.Duration, error) {
	s := strings.TrimPrefix(strings.TrimSpace(v), "+")
	if strings.HasPrefix(s, "-") {
		return 0, errors.New("negative duration")
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			num += string(c)
			continue
		case c == 'T':
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		num = ""
		switch {
		case c == 'W' && !inTime:
			total += time.Duration(n) * 7 * 24 * time.Hour
		case c == 'D' && !inTime:
			total += time.Duration(n) * 24 * time.Hour
		case c == 'H' && inTime:
			total += time.Duration(n) * time.Hour
		case c == 'M' && inTime:
			total += time.Duration(n) * time.Minute
		case c == 'S' && inTime:
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", v)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return total, nil
}

// Periodicities converts parsed events into periodicities. Overrides are
// split off from their base event; events that fail validation are logged
// and skipped.
func Periodicities(events []ParsedEvent) []model.Periodicity {
	overridden := make(map[string][]time.Time)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridden[ev.UID] = append(overridden[ev.UID], *ev.Recurrence)
		}
	}

	out := make([]model.Periodicity, 0, len(events))
	for _, ev := range events {
		if !ev.IsOverride {
			ev.ExDates = append(ev.ExDates, overridden[ev.UID]...)
		}
		p, err := ev.Periodicity()
		if err != nil {
			appLog.Error("ics event skipped", err, "id", ev.Source.ID, "uid", ev.UID)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Periodicity builds a validated periodicity from the event.
func (ev ParsedEvent) Periodicity() (model.Periodicity, error) {
	params := model.PeriodicityParams{
		ID:             ev.UID,
		Name:           ev.Summary,
		Start:          ev.Start,
		End:            ev.End,
		Location:       ev.Location,
		ExceptionDates: ev.ExDates,
		IncludeDates:   ev.RDates,
		Inactive:       ev.Cancelled,
	}
	if ev.IsOverride && ev.Recurrence != nil {
		params.ID = ev.UID + "/" + ev.Recurrence.UTC().Format("20060102T150405Z")
		params.ExceptionDates = nil
		params.IncludeDates = nil
	} else {
		if ev.RawRRule != "" {
			r := TextToRuleIn(ev.RawRRule, ev.Location)
			params.Rule = &r
		}
		if ev.RawExRule != "" {
			r := TextToRuleIn(ev.RawExRule, ev.Location)
			params.ExclusionRule = &r
		}
	}
	return model.NewPeriodicity(params)
}
