package ics

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"periodic/internal/model"
	"periodic/internal/occurrence"
)

func TestTextToRule(t *testing.T) {
	r := TextToRule("FREQ=MONTHLY;BYDAY=TU;BYSETPOS=2")
	assert.Equal(t, model.Monthly, r.Frequency)
	assert.Equal(t, []model.WeekdayNum{{Day: time.Tuesday}}, r.ByDay)
	assert.Equal(t, []int{2}, r.BySetPos)
	assert.Equal(t, time.Monday, r.WeekStart, "WKST defaults to Monday")
	assert.Nil(t, r.Until)
	assert.Zero(t, r.Count)
}

func TestTextToRuleIsLenient(t *testing.T) {
	r := TextToRule("RRULE:FREQ=WEEKLY;INTERVAL=x;BYDAY=MO,XX,2ZZ,-1FR,+2TU;BYMONTH=13,2;FOO=BAR;COUNT=;garbage;WKST=SU")

	assert.Equal(t, model.Weekly, r.Frequency)
	assert.Zero(t, r.Interval)
	assert.Zero(t, r.Count)
	assert.Equal(t, []model.WeekdayNum{
		{Day: time.Monday},
		{Day: time.Friday, N: -1},
		{Day: time.Tuesday, N: 2},
	}, r.ByDay)
	assert.Equal(t, []time.Month{time.February}, r.ByMonth)
	assert.Equal(t, time.Sunday, r.WeekStart)
}

func TestTextToRuleUnsupportedFrequencyFailsValidation(t *testing.T) {
	r := TextToRule("FREQ=HOURLY;INTERVAL=2")
	assert.Equal(t, model.FrequencyUnset, r.Frequency)
	assert.ErrorIs(t, model.ValidateRule(r), model.ErrInvalidPeriodicity)
}

func TestTextToRuleUntil(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{name: "date", in: "FREQ=DAILY;UNTIL=20260110", want: time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)},
		{name: "utc", in: "FREQ=DAILY;UNTIL=20260110T083000Z", want: time.Date(2026, time.January, 10, 8, 30, 0, 0, time.UTC)},
		{name: "floating", in: "FREQ=DAILY;UNTIL=20260110T083000", want: time.Date(2026, time.January, 10, 8, 30, 0, 0, berlin)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := TextToRuleIn(tt.in, berlin)
			require.NotNil(t, r.Until)
			assert.True(t, tt.want.Equal(*r.Until), "got %s want %s", r.Until, tt.want)
		})
	}

	r := TextToRule("FREQ=DAILY;UNTIL=2026-01-10")
	assert.Nil(t, r.Until, "malformed UNTIL is dropped")
}

func TestRuleToTextRoundTrip(t *testing.T) {
	until := time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC)
	untilInstant := time.Date(2026, time.June, 30, 17, 45, 0, 0, time.UTC)

	rules := map[string]model.RecurrenceRule{
		"second tuesday": {
			Frequency: model.Monthly, WeekStart: time.Monday,
			ByDay: []model.WeekdayNum{{Day: time.Tuesday}}, BySetPos: []int{2},
		},
		"every other week": {
			Frequency: model.Weekly, Interval: 2, WeekStart: time.Sunday, Count: 10,
			ByDay: []model.WeekdayNum{{Day: time.Monday}, {Day: time.Thursday}},
		},
		"yearly": {
			Frequency: model.Yearly, WeekStart: time.Monday, Until: &until,
			ByMonth: []time.Month{time.March, time.November}, ByDay: []model.WeekdayNum{{Day: time.Sunday, N: -1}},
			ByHour: []int{1, 13}, ByMinute: []int{0, 30},
		},
		"daily with instant until": {
			Frequency: model.Daily, WeekStart: time.Monday, Until: &untilInstant,
			ByMonthDay: []int{1, -1}, ByYearDay: []int{100}, ByWeekNo: []int{-1}, BySecond: []int{15},
		},
	}
	for name, r := range rules {
		r := r
		t.Run(name, func(t *testing.T) {
			text := RuleToText(r)
			back := TextToRule(text)
			assert.Equal(t, text, RuleToText(back))
			assert.Equal(t, r.Frequency, back.Frequency)
			assert.Equal(t, r.EffectiveInterval(), back.EffectiveInterval())
			assert.Equal(t, r.ByDay, back.ByDay)
			assert.Equal(t, r.WeekStart, back.WeekStart)
			if r.Until != nil {
				require.NotNil(t, back.Until)
				assert.True(t, r.Until.Equal(*back.Until))
			}
		})
	}
}

func TestRuleToTextKeepsZonedDateUntil(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	r := TextToRuleIn("FREQ=DAILY;UNTIL=20260110T000000", paris)
	text := RuleToText(r)
	assert.Equal(t, "FREQ=DAILY;UNTIL=20260110", text)
	back := TextToRule(text)

	starts := func(rule model.RecurrenceRule) []time.Time {
		p, err := model.NewPeriodicity(model.PeriodicityParams{
			ID:       "p",
			Start:    time.Date(2026, time.January, 8, 9, 0, 0, 0, paris),
			Duration: time.Hour,
			Location: paris,
			Rule:     &rule,
		})
		require.NoError(t, err)
		occs, err := (&occurrence.Engine{}).Generate(p, time.Date(2026, time.January, 1, 0, 0, 0, 0, paris), 10)
		require.NoError(t, err)
		var out []time.Time
		for _, o := range occs {
			out = append(out, o.Start)
		}
		return out
	}

	before, after := starts(r), starts(back)
	require.Len(t, before, 3)
	require.Len(t, after, 3)
	for i := range before {
		assert.True(t, before[i].Equal(after[i]), "occurrence %d", i)
	}
	assert.Equal(t, 10, after[2].In(paris).Day())
}

func TestRuleToText(t *testing.T) {
	r := model.RecurrenceRule{
		Frequency: model.Monthly,
		Interval:  3,
		WeekStart: time.Monday,
		ByDay:     []model.WeekdayNum{{Day: time.Friday, N: -1}},
	}
	assert.Equal(t, "FREQ=MONTHLY;INTERVAL=3;BYDAY=-1FR", RuleToText(r))
}
