package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, time.January, 12, 14, 0, 0, 0, time.UTC)

func TestNewPeriodicity(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	exdates := []time.Time{start.AddDate(0, 0, 7)}
	rule := &RecurrenceRule{Frequency: Weekly, ByDay: []WeekdayNum{{Day: time.Monday}}}

	p, err := NewPeriodicity(PeriodicityParams{
		ID:             "meeting",
		Start:          start,
		Duration:       2 * time.Hour,
		Location:       berlin,
		Rule:           rule,
		ExceptionDates: exdates,
	})
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, 2*time.Hour, p.Base.Duration())
	assert.Equal(t, berlin, p.Base.Start.Location())
	assert.Equal(t, berlin, p.Loc())
	assert.True(t, p.Anchor().Equal(start))

	// Inputs are copied.
	rule.ByDay[0].Day = time.Friday
	exdates[0] = time.Time{}
	assert.Equal(t, time.Monday, p.Rule.ByDay[0].Day)
	assert.False(t, p.Overrides.ExceptionDates[0].IsZero())

	single, err := NewPeriodicity(PeriodicityParams{Start: start, End: start.Add(time.Hour), Inactive: true})
	require.NoError(t, err)
	assert.Nil(t, single.Rule)
	assert.False(t, single.Active)
	assert.Equal(t, time.UTC, single.Loc())
}

func TestNewPeriodicityRejects(t *testing.T) {
	for name, tc := range map[string]struct {
		params PeriodicityParams
		field  string
	}{
		"missing start":    {PeriodicityParams{Duration: time.Hour}, "start"},
		"missing end":      {PeriodicityParams{Start: start}, "end"},
		"end before start": {PeriodicityParams{Start: start, End: start.Add(-time.Hour)}, "end"},
		"empty interval":   {PeriodicityParams{Start: start, End: start}, "end"},
		"no frequency": {PeriodicityParams{Start: start, Duration: time.Hour,
			Rule: &RecurrenceRule{Interval: 2}}, "rule.frequency"},
		"bad exrule": {PeriodicityParams{Start: start, Duration: time.Hour,
			Rule:          &RecurrenceRule{Frequency: Daily},
			ExclusionRule: &RecurrenceRule{Frequency: Daily, ByMonthDay: []int{32}}}, "exrule.bymonthday"},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			_, err := NewPeriodicity(tc.params)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPeriodicity)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.FieldErrors, tc.field)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidateRule(t *testing.T) {
	assert.NoError(t, ValidateRule(RecurrenceRule{
		Frequency:  Monthly,
		ByDay:      []WeekdayNum{{Day: time.Tuesday, N: 2}, {Day: time.Friday, N: -1}},
		ByMonthDay: []int{1, -1},
		BySetPos:   []int{-1},
		ByHour:     []int{0, 23},
		ByMonth:    []time.Month{time.January, time.December},
	}))

	for name, r := range map[string]RecurrenceRule{
		"negative interval": {Frequency: Daily, Interval: -1},
		"negative count":    {Frequency: Daily, Count: -3},
		"ordinal":           {Frequency: Yearly, ByDay: []WeekdayNum{{Day: time.Monday, N: 54}}},
		"monthday zero":     {Frequency: Monthly, ByMonthDay: []int{0}},
		"negative hour":     {Frequency: Daily, ByHour: []int{-1}},
		"minute":            {Frequency: Daily, ByMinute: []int{60}},
		"month":             {Frequency: Yearly, ByMonth: []time.Month{13}},
		"weekno":            {Frequency: Yearly, ByWeekNo: []int{-54}},
		"unset frequency":   {},
	} {
		assert.ErrorIs(t, ValidateRule(r), ErrInvalidPeriodicity, name)
	}
}

func TestRuleHelpers(t *testing.T) {
	assert.Equal(t, 1, RecurrenceRule{}.EffectiveInterval())
	assert.Equal(t, 3, RecurrenceRule{Interval: 3}.EffectiveInterval())

	until := start.AddDate(0, 1, 0)
	assert.False(t, RecurrenceRule{Frequency: Daily}.Bounded())
	assert.True(t, RecurrenceRule{Frequency: Daily, Count: 2}.Bounded())
	assert.True(t, RecurrenceRule{Frequency: Daily, Until: &until}.Bounded())

	r := RecurrenceRule{Frequency: Daily, Until: &until, ByHour: []int{9}}
	c := r.Clone()
	*c.Until = start
	c.ByHour[0] = 10
	assert.True(t, r.Until.Equal(until))
	assert.Equal(t, 9, r.ByHour[0])

	assert.Equal(t, "WEEKLY", Weekly.String())
	assert.Equal(t, "", FrequencyUnset.String())
}

func TestOccurrenceOverlaps(t *testing.T) {
	a := Occurrence{Start: start, End: start.Add(time.Hour)}
	assert.True(t, a.Overlaps(Occurrence{Start: start.Add(30 * time.Minute), End: start.Add(2 * time.Hour)}))
	assert.False(t, a.Overlaps(Occurrence{Start: start.Add(time.Hour), End: start.Add(2 * time.Hour)}), "touching ends")
	assert.False(t, a.Overlaps(Occurrence{Start: start.Add(-time.Hour), End: start}))
}
