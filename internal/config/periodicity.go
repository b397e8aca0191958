package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"periodic/internal/ics"
	"periodic/internal/model"
	"periodic/internal/occurrence"
	"periodic/internal/trigger"
)

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

const dateLayout = "2006-01-02"

// parseTime reads a configured time in loc. It reports whether the value
// was a bare date.
func parseTime(s string, loc *time.Location) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), false, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized time %q", s)
}

// ParseTime reads a time the way definition fields are read: a bare date,
// a wall clock in loc, or RFC 3339.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	t, _, err := parseTime(s, loc)
	return t, err
}

func parseTimes(values []string, loc *time.Location) ([]time.Time, error) {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		t, _, err := parseTime(v, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// parseRule applies wkst unless the text names its own WKST.
func parseRule(text string, loc *time.Location, wkst time.Weekday) *model.RecurrenceRule {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	r := ics.TextToRuleIn(text, loc)
	if !strings.Contains(strings.ToUpper(text), "WKST=") {
		r.WeekStart = wkst
	}
	return &r
}

// Periodicity converts the definition into a validated periodicity. loc is
// used when the definition names no timezone.
func (d Definition) Periodicity(loc *time.Location, wkst time.Weekday) (model.Periodicity, error) {
	if d.Timezone != "" {
		l, err := time.LoadLocation(d.Timezone)
		if err != nil {
			return model.Periodicity{}, fmt.Errorf("periodicity %s: timezone: %w", d.ID, err)
		}
		loc = l
	}
	if loc == nil {
		loc = time.UTC
	}

	start, allDay, err := parseTime(d.Start, loc)
	if err != nil {
		return model.Periodicity{}, fmt.Errorf("periodicity %s: start: %w", d.ID, err)
	}
	params := model.PeriodicityParams{
		ID:       d.ID,
		Name:     d.Name,
		Start:    start,
		Location: loc,
		Rule:     parseRule(d.Rule, loc, wkst),
		Inactive: d.Active != nil && !*d.Active,
	}
	switch {
	case d.End != "":
		if params.End, _, err = parseTime(d.End, loc); err != nil {
			return model.Periodicity{}, fmt.Errorf("periodicity %s: end: %w", d.ID, err)
		}
	case d.Duration != "":
		if params.Duration, err = time.ParseDuration(d.Duration); err != nil {
			return model.Periodicity{}, fmt.Errorf("periodicity %s: duration: %w", d.ID, err)
		}
	case allDay:
		params.End = start.AddDate(0, 0, 1)
	}

	params.ExclusionRule = parseRule(d.ExRule, loc, wkst)
	if params.ExceptionDates, err = parseTimes(d.ExDates, loc); err != nil {
		return model.Periodicity{}, fmt.Errorf("periodicity %s: exdates: %w", d.ID, err)
	}
	if params.IncludeDates, err = parseTimes(d.RDates, loc); err != nil {
		return model.Periodicity{}, fmt.Errorf("periodicity %s: rdates: %w", d.ID, err)
	}

	p, err := model.NewPeriodicity(params)
	if err != nil {
		return model.Periodicity{}, fmt.Errorf("periodicity %s: %w", d.ID, err)
	}
	return p, nil
}

// BuildPeriodicities converts every definition. Invalid definitions are
// skipped and reported in the joined error.
func (c *Config) BuildPeriodicities() ([]model.Periodicity, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, fmt.Errorf("config timezone: %w", err)
	}
	wkst := c.WeekStartDay()

	var errs []error
	out := make([]model.Periodicity, 0, len(c.Periodicities))
	for _, d := range c.Periodicities {
		p, err := d.Periodicity(loc, wkst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// IsBlackout reports whether id names a blackout periodicity.
func (c *Config) IsBlackout(id string) bool {
	for _, b := range c.Blackouts {
		if b == id {
			return true
		}
	}
	return false
}

// Calendar builds the exclusion calendar from holidays, excluded weekdays
// and blackout periodicities found in ps. It returns nil when nothing is
// excluded.
func (c *Config) Calendar(ps []model.Periodicity, eng *occurrence.Engine) (trigger.Calendar, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, fmt.Errorf("config timezone: %w", err)
	}

	var chain trigger.ChainCalendar
	if len(c.Holidays) > 0 {
		days := make([]time.Time, 0, len(c.Holidays))
		for _, h := range c.Holidays {
			t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(h), loc)
			if err != nil {
				return nil, fmt.Errorf("holiday %q: %w", h, err)
			}
			days = append(days, t)
		}
		chain = append(chain, trigger.NewHolidayCalendar(loc, days...))
	}
	if len(c.ExcludedWeekdays) > 0 {
		days := make([]time.Weekday, 0, len(c.ExcludedWeekdays))
		for _, name := range c.ExcludedWeekdays {
			d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, fmt.Errorf("excluded weekday %q: unknown", name)
			}
			days = append(days, d)
		}
		chain = append(chain, trigger.NewWeeklyCalendar(loc, days...))
	}
	for _, id := range c.Blackouts {
		found := false
		for _, p := range ps {
			if p.ID == id {
				chain = append(chain, trigger.NewBlackoutCalendar(p, eng))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("blackout %q: no such periodicity", id)
		}
	}

	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}
