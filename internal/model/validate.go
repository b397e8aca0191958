package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPeriodicity is matched by every configuration error returned
// from NewPeriodicity and ValidateRule.
var ErrInvalidPeriodicity = errors.New("model: invalid periodicity")

// ValidationError lists the offending fields of a rejected configuration.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return ErrInvalidPeriodicity.Error()
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for f := range v.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v.FieldErrors[f])
	}
	return ErrInvalidPeriodicity.Error() + " (" + strings.Join(parts, "; ") + ")"
}

func (v *ValidationError) Unwrap() error { return ErrInvalidPeriodicity }

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// PeriodicityParams is the unvalidated input for NewPeriodicity.
type PeriodicityParams struct {
	ID       string
	Name     string
	Start    time.Time
	End      time.Time
	Duration time.Duration // used when End is zero
	Location *time.Location
	Rule     *RecurrenceRule

	ExceptionDates []time.Time
	IncludeDates   []time.Time
	ExclusionRule  *RecurrenceRule

	Inactive bool
}

// NewPeriodicity validates params and builds an immutable Periodicity.
// Slices are copied so later mutation of the inputs cannot leak in.
func NewPeriodicity(params PeriodicityParams) (Periodicity, error) {
	verr := &ValidationError{}

	loc := params.Location
	if loc == nil {
		loc = time.UTC
	}

	end := params.End
	if end.IsZero() && params.Duration > 0 {
		end = params.Start.Add(params.Duration)
	}
	switch {
	case params.Start.IsZero():
		verr.add("start", "required")
	case end.IsZero():
		verr.add("end", "end or duration required")
	case !end.After(params.Start):
		verr.add("end", "must be after start")
	}

	if params.Rule != nil {
		validateRule("rule", *params.Rule, verr)
	}
	if params.ExclusionRule != nil {
		validateRule("exrule", *params.ExclusionRule, verr)
	}

	if verr.HasErrors() {
		return Periodicity{}, verr
	}

	p := Periodicity{
		ID:   params.ID,
		Name: params.Name,
		Base: BaseInterval{
			Start: params.Start.In(loc),
			End:   end.In(loc),
		},
		Location: loc,
		Active:   !params.Inactive,
		Overrides: OverrideSet{
			ExceptionDates: cloneTimes(params.ExceptionDates),
			IncludeDates:   cloneTimes(params.IncludeDates),
		},
	}
	if params.Rule != nil {
		r := params.Rule.Clone()
		p.Rule = &r
	}
	if params.ExclusionRule != nil {
		r := params.ExclusionRule.Clone()
		p.Overrides.ExclusionRule = &r
	}
	return p, nil
}

// ValidateRule checks a rule on its own.
func ValidateRule(r RecurrenceRule) error {
	verr := &ValidationError{}
	validateRule("rule", r, verr)
	if verr.HasErrors() {
		return verr
	}
	return nil
}

func validateRule(prefix string, r RecurrenceRule, verr *ValidationError) {
	if r.Frequency < Daily || r.Frequency > Yearly {
		verr.add(prefix+".frequency", "required")
	}
	if r.Interval < 0 {
		verr.add(prefix+".interval", "must be positive")
	}
	if r.Count < 0 {
		verr.add(prefix+".count", "must not be negative")
	}
	for _, d := range r.ByDay {
		if d.N < -53 || d.N > 53 {
			verr.add(prefix+".byday", fmt.Sprintf("ordinal %d out of range", d.N))
		}
	}
	checkRange(prefix+".bymonthday", r.ByMonthDay, 1, 31, true, verr)
	checkRange(prefix+".bysetpos", r.BySetPos, 1, 366, true, verr)
	checkRange(prefix+".byyearday", r.ByYearDay, 1, 366, true, verr)
	checkRange(prefix+".byweekno", r.ByWeekNo, 1, 53, true, verr)
	checkRange(prefix+".byhour", r.ByHour, 0, 23, false, verr)
	checkRange(prefix+".byminute", r.ByMinute, 0, 59, false, verr)
	checkRange(prefix+".bysecond", r.BySecond, 0, 59, false, verr)
	for _, m := range r.ByMonth {
		if m < time.January || m > time.December {
			verr.add(prefix+".bymonth", fmt.Sprintf("month %d out of range", m))
		}
	}
}

// checkRange accepts [lo,hi], and [-hi,-lo] too when signed.
func checkRange(field string, values []int, lo, hi int, signed bool, verr *ValidationError) {
	for _, v := range values {
		abs := v
		if signed && v < 0 {
			abs = -v
		}
		if abs < lo || abs > hi || (!signed && v < 0) {
			verr.add(field, fmt.Sprintf("value %d out of range", v))
			return
		}
	}
}

// Clone returns a deep copy of the rule.
func (r RecurrenceRule) Clone() RecurrenceRule {
	out := r
	out.ByDay = append([]WeekdayNum(nil), r.ByDay...)
	out.ByMonthDay = append([]int(nil), r.ByMonthDay...)
	out.ByMonth = append([]time.Month(nil), r.ByMonth...)
	out.BySetPos = append([]int(nil), r.BySetPos...)
	out.ByYearDay = append([]int(nil), r.ByYearDay...)
	out.ByWeekNo = append([]int(nil), r.ByWeekNo...)
	out.ByHour = append([]int(nil), r.ByHour...)
	out.ByMinute = append([]int(nil), r.ByMinute...)
	out.BySecond = append([]int(nil), r.BySecond...)
	if r.Until != nil {
		u := *r.Until
		out.Until = &u
	}
	return out
}

func cloneTimes(in []time.Time) []time.Time {
	if len(in) == 0 {
		return nil
	}
	return append([]time.Time(nil), in...)
}
