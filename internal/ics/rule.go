package ics

import (
	"strconv"
	"strings"
	"time"

	"periodic/internal/model"
)

const (
	untilDateLayout     = "20060102"
	untilUTCLayout      = "20060102T150405Z"
	untilFloatingLayout = "20060102T150405"
)

var weekdayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var weekdayNames = [...]string{
	time.Sunday:    "SU",
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
}

// TextToRule parses an RRULE/EXRULE value such as
// "FREQ=MONTHLY;BYDAY=TU;BYSETPOS=2". Floating UNTIL values are read as UTC.
// See TextToRuleIn.
func TextToRule(s string) model.RecurrenceRule {
	return TextToRuleIn(s, time.UTC)
}

// TextToRuleIn parses a rule leniently: unknown keys are ignored and a
// malformed value only drops that value (or that list element), never the
// whole rule. The result may still fail model.ValidateRule, e.g. when FREQ
// is missing or unsupported.
//
// WKST defaults to Monday. A date-only UNTIL is returned as midnight UTC of
// that date; a floating date-time UNTIL is read in loc.
func TextToRuleIn(s string, loc *time.Location) model.RecurrenceRule {
	if loc == nil {
		loc = time.UTC
	}
	r := model.RecurrenceRule{WeekStart: time.Monday}

	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		// "RRULE:" / "EXRULE:" content-line prefix.
		s = s[i+1:]
	}
	for _, attr := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch key {
		case "FREQ":
			r.Frequency = parseFrequency(value)
		case "INTERVAL":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				r.Interval = n
			}
		case "COUNT":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				r.Count = n
			}
		case "UNTIL":
			if t, ok := parseUntil(value, loc); ok {
				r.Until = &t
			}
		case "WKST":
			if d, ok := weekdayCodes[strings.ToUpper(value)]; ok {
				r.WeekStart = d
			}
		case "BYDAY":
			r.ByDay = parseByDay(value)
		case "BYMONTH":
			for _, n := range parseInts(value, 1, 12, false) {
				r.ByMonth = append(r.ByMonth, time.Month(n))
			}
		case "BYMONTHDAY":
			r.ByMonthDay = parseInts(value, 1, 31, true)
		case "BYSETPOS":
			r.BySetPos = parseInts(value, 1, 366, true)
		case "BYYEARDAY":
			r.ByYearDay = parseInts(value, 1, 366, true)
		case "BYWEEKNO":
			r.ByWeekNo = parseInts(value, 1, 53, true)
		case "BYHOUR":
			r.ByHour = parseInts(value, 0, 23, false)
		case "BYMINUTE":
			r.ByMinute = parseInts(value, 0, 59, false)
		case "BYSECOND":
			r.BySecond = parseInts(value, 0, 59, false)
		}
	}
	return r
}

func parseFrequency(v string) model.Frequency {
	switch strings.ToUpper(v) {
	case "DAILY":
		return model.Daily
	case "WEEKLY":
		return model.Weekly
	case "MONTHLY":
		return model.Monthly
	case "YEARLY":
		return model.Yearly
	default:
		return model.FrequencyUnset
	}
}

func parseUntil(v string, loc *time.Location) (time.Time, bool) {
	switch {
	case len(v) == len(untilDateLayout):
		t, err := time.Parse(untilDateLayout, v)
		return t, err == nil
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse(untilUTCLayout, v)
		return t, err == nil
	default:
		t, err := time.ParseInLocation(untilFloatingLayout, v, loc)
		return t, err == nil
	}
}

// parseByDay reads "[+|-][n]XX" tokens, skipping malformed ones.
func parseByDay(v string) []model.WeekdayNum {
	var out []model.WeekdayNum
	for _, tok := range strings.Split(v, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if len(tok) < 2 {
			continue
		}
		day, ok := weekdayCodes[tok[len(tok)-2:]]
		if !ok {
			continue
		}
		wd := model.WeekdayNum{Day: day}
		if prefix := tok[:len(tok)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil || n == 0 || n < -53 || n > 53 {
				continue
			}
			wd.N = n
		}
		out = append(out, wd)
	}
	return out
}

// parseInts keeps the list elements that are integers within [lo,hi], or
// within [-hi,-lo] as well when signed.
func parseInts(v string, lo, hi int, signed bool) []int {
	var out []int
	for _, tok := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			continue
		}
		abs := n
		if signed && n < 0 {
			abs = -n
		}
		if (!signed && n < 0) || abs < lo || abs > hi {
			continue
		}
		out = append(out, n)
	}
	return out
}

// RuleToText renders r in RFC 5545 form. TextToRule(RuleToText(r)) yields
// an equivalent rule. An UNTIL at midnight in its own zone is written as a
// date; other UNTIL values are written in UTC.
func RuleToText(r model.RecurrenceRule) string {
	parts := []string{"FREQ=" + r.Frequency.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if r.Until != nil {
		// Midnight in the value's own zone is a date bound.
		u := *r.Until
		if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
			parts = append(parts, "UNTIL="+u.Format(untilDateLayout))
		} else {
			parts = append(parts, "UNTIL="+u.UTC().Format(untilUTCLayout))
		}
	}
	if len(r.ByMonth) > 0 {
		months := make([]int, 0, len(r.ByMonth))
		for _, m := range r.ByMonth {
			months = append(months, int(m))
		}
		parts = appendInts(parts, "BYMONTH", months)
	}
	parts = appendInts(parts, "BYWEEKNO", r.ByWeekNo)
	parts = appendInts(parts, "BYYEARDAY", r.ByYearDay)
	parts = appendInts(parts, "BYMONTHDAY", r.ByMonthDay)
	if len(r.ByDay) > 0 {
		days := make([]string, 0, len(r.ByDay))
		for _, wd := range r.ByDay {
			code := weekdayNames[wd.Day]
			if wd.N != 0 {
				code = strconv.Itoa(wd.N) + code
			}
			days = append(days, code)
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	parts = appendInts(parts, "BYHOUR", r.ByHour)
	parts = appendInts(parts, "BYMINUTE", r.ByMinute)
	parts = appendInts(parts, "BYSECOND", r.BySecond)
	parts = appendInts(parts, "BYSETPOS", r.BySetPos)
	if r.WeekStart != time.Monday {
		parts = append(parts, "WKST="+weekdayNames[r.WeekStart])
	}
	return strings.Join(parts, ";")
}

func appendInts(parts []string, key string, values []int) []string {
	if len(values) == 0 {
		return parts
	}
	strs := make([]string, 0, len(values))
	for _, v := range values {
		strs = append(strs, strconv.Itoa(v))
	}
	return append(parts, key+"="+strings.Join(strs, ","))
}
