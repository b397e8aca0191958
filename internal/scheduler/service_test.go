package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"periodic/internal/clock"
	"periodic/internal/model"
	"periodic/internal/store"
	"periodic/internal/trigger"
)

func utc(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

// weekly fires Mon/Wed 14:00-16:00 from Monday 2026-01-12.
func weekly(t *testing.T, name string, count int) model.Periodicity {
	t.Helper()
	p, err := model.NewPeriodicity(model.PeriodicityParams{
		ID:       name,
		Name:     name,
		Start:    utc(2026, time.January, 12, 14, 0),
		Duration: 2 * time.Hour,
		Rule: &model.RecurrenceRule{
			Frequency: model.Weekly,
			WeekStart: time.Monday,
			Count:     count,
			ByDay:     []model.WeekdayNum{{Day: time.Monday}, {Day: time.Wednesday}},
		},
	})
	require.NoError(t, err)
	return p
}

func newTestService(fake *clock.Fake, st StateStore, jobs *Registry) *Service {
	return New(Config{Location: time.UTC, MisfireThreshold: time.Minute, Clock: fake}, jobs, st)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "periodic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func entryFor(t *testing.T, s *Service, key string) *entry {
	t.Helper()
	for _, e := range s.entries {
		if e.def.Key == key {
			return e
		}
	}
	t.Fatalf("no entry %q", key)
	return nil
}

func TestEntryNextFiresAndAdvances(t *testing.T) {
	fake := clock.NewFake(utc(2026, time.January, 12, 9, 0))
	s := newTestService(fake, nil, nil)
	require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 3)}}))
	e := entryFor(t, s, "mw")

	first := e.Next(fake.Now())
	assert.Equal(t, utc(2026, time.January, 12, 14, 0), first)
	assert.Empty(t, e.fired, "registration is not a fire")

	want := []time.Time{
		utc(2026, time.January, 14, 14, 0),
		utc(2026, time.January, 19, 14, 0),
		{},
	}
	at := first
	for _, w := range want {
		fake.Set(at)
		next := e.Next(at)
		assert.Equal(t, at, <-e.fired)
		assert.Equal(t, w, next)
		at = next
	}

	info, ok := s.Trigger("mw")
	require.True(t, ok)
	assert.Equal(t, "exhausted", info.State)
	assert.Equal(t, utc(2026, time.January, 19, 14, 0), info.Prev)
}

func TestEntryNextGivesUpOnUnsatisfiableRule(t *testing.T) {
	fake := clock.NewFake(utc(2026, time.January, 12, 9, 0))
	s := New(Config{Location: time.UTC, MisfireThreshold: time.Minute, ScanLimit: 500, Clock: fake}, nil, nil)
	p, err := model.NewPeriodicity(model.PeriodicityParams{
		ID:       "feb30",
		Start:    utc(2026, time.January, 1, 9, 0),
		Duration: time.Hour,
		Rule: &model.RecurrenceRule{
			Frequency:  model.Yearly,
			ByMonth:    []time.Month{time.February},
			ByMonthDay: []int{30},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Apply([]Definition{{Key: "feb30", Periodicity: p}}))
	e := entryFor(t, s, "feb30")

	done := make(chan time.Time, 1)
	go func() { done <- e.Next(fake.Now()) }()
	select {
	case next := <-done:
		assert.True(t, next.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("advance did not return")
	}

	// The entry lock is free again.
	s.SetCalendar(nil)
}

func TestEntryMisfire(t *testing.T) {
	t.Run("stale anchor is not replayed", func(t *testing.T) {
		fake := clock.NewFake(utc(2026, time.March, 4, 12, 0))
		s := newTestService(fake, nil, nil)
		require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 0)}}))

		next := entryFor(t, s, "mw").Next(fake.Now())
		assert.Equal(t, utc(2026, time.March, 4, 14, 0), next)
	})

	t.Run("late dispatch within threshold keeps the schedule", func(t *testing.T) {
		fake := clock.NewFake(utc(2026, time.January, 12, 9, 0))
		s := newTestService(fake, nil, nil)
		require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 0)}}))
		e := entryFor(t, s, "mw")
		first := e.Next(fake.Now())

		late := first.Add(30 * time.Second)
		fake.Set(late)
		next := e.Next(late)
		assert.Equal(t, first, <-e.fired)
		assert.Equal(t, utc(2026, time.January, 14, 14, 0), next)
	})

	t.Run("dispatch after a long pause skips missed fires", func(t *testing.T) {
		fake := clock.NewFake(utc(2026, time.January, 12, 9, 0))
		s := newTestService(fake, nil, nil)
		require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 0)}}))
		e := entryFor(t, s, "mw")
		first := e.Next(fake.Now())

		resumed := utc(2026, time.January, 20, 10, 0)
		fake.Set(resumed)
		next := e.Next(resumed)
		assert.Equal(t, first, <-e.fired)
		assert.Equal(t, utc(2026, time.January, 21, 14, 0), next)
	})
}

func TestApplyRestoresStoredState(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	require.NoError(t, st.SaveSnapshot(ctx, trigger.Snapshot{
		Key:   "mw",
		State: trigger.Fired,
		Prev:  utc(2026, time.January, 12, 14, 0),
		Next:  utc(2026, time.January, 14, 14, 0),
	}))
	require.NoError(t, st.SaveSnapshot(ctx, trigger.Snapshot{
		Key:   "stale",
		State: trigger.Armed,
		Next:  utc(2026, time.January, 13, 14, 0),
	}))

	fake := clock.NewFake(utc(2026, time.January, 14, 14, 0).Add(30 * time.Second))
	s := newTestService(fake, st, nil)
	require.NoError(t, s.Apply([]Definition{
		{Key: "mw", Periodicity: weekly(t, "mw", 0)},
		{Key: "stale", Periodicity: weekly(t, "stale", 0)},
	}))

	mw, _ := s.Trigger("mw")
	assert.Equal(t, "fired", mw.State)
	assert.Equal(t, utc(2026, time.January, 14, 14, 0), mw.Next)
	stale, _ := s.Trigger("stale")
	assert.Equal(t, "unscheduled", stale.State, "a next time that is not an occurrence is discarded")

	e := entryFor(t, s, "mw")
	pending := e.Next(fake.Now())
	assert.Equal(t, utc(2026, time.January, 14, 14, 0), pending, "a slightly late restored fire is kept")
	assert.Empty(t, e.fired)

	next := e.Next(fake.Now())
	assert.Equal(t, pending, <-e.fired)
	assert.Equal(t, utc(2026, time.January, 19, 14, 0), next)

	saved, err := st.LoadSnapshot(ctx, "mw")
	require.NoError(t, err)
	assert.True(t, saved.Next.Equal(next))

	require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 0)}}))
	_, err = st.LoadSnapshot(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound, "removed definitions forget their state")
}

func TestApplyKeepsUnchangedTriggers(t *testing.T) {
	fake := clock.NewFake(utc(2026, time.January, 12, 9, 0))
	s := newTestService(fake, nil, nil)
	defs := []Definition{{Key: "mw", Periodicity: weekly(t, "mw", 0)}}
	require.NoError(t, s.Apply(defs))
	entryFor(t, s, "mw").Next(fake.Now())

	require.NoError(t, s.Apply(defs))
	info, _ := s.Trigger("mw")
	assert.Equal(t, "armed", info.State)

	require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 5)}}))
	info, _ = s.Trigger("mw")
	assert.Equal(t, "unscheduled", info.State, "a changed periodicity starts over")
}

func TestApplyRejectsInvalidDefinitions(t *testing.T) {
	s := newTestService(clock.NewFake(utc(2026, time.January, 1, 0, 0)), nil, nil)
	p := weekly(t, "a", 0)

	err := s.Apply([]Definition{
		{Key: "a", Periodicity: p},
		{Key: "a", Periodicity: p},
		{Key: "", Periodicity: p},
		{Key: "b", Periodicity: p, Job: JobSpec{Type: "mail"}},
		{Key: "c"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, err, model.ErrInvalidPeriodicity)

	snap := s.Snapshot()
	require.Len(t, snap.Triggers, 1)
	assert.Equal(t, "a", snap.Triggers[0].Key)
	assert.Equal(t, "log", snap.Triggers[0].Job)
}

func TestSetCalendar(t *testing.T) {
	fake := clock.NewFake(utc(2026, time.January, 12, 9, 0))
	s := newTestService(fake, nil, nil)
	require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 0)}}))
	e := entryFor(t, s, "mw")
	first := e.Next(fake.Now())
	fake.Set(first)
	e.Next(first)
	<-e.fired

	fake.Set(utc(2026, time.January, 12, 15, 0))
	s.SetCalendar(trigger.NewHolidayCalendar(time.UTC, utc(2026, time.January, 14, 0, 0)))

	info, _ := s.Trigger("mw")
	assert.Equal(t, utc(2026, time.January, 19, 14, 0), info.Next)
	assert.Equal(t, first, info.Prev)
}

func TestRunDispatchesJobAndRecordsFire(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	var got []Fire
	jobs := NewRegistry()
	jobs.Register("capture", func(JobSpec) (Job, error) {
		return JobFunc(func(_ context.Context, f Fire) error {
			got = append(got, f)
			if len(got) > 1 {
				return errors.New("boom")
			}
			return nil
		}), nil
	})

	fake := clock.NewFake(utc(2026, time.January, 12, 14, 0).Add(2 * time.Second))
	s := newTestService(fake, st, jobs)
	require.NoError(t, s.Apply([]Definition{{Key: "mw", Periodicity: weekly(t, "mw", 0), Job: JobSpec{Type: "capture"}}}))
	e := entryFor(t, s, "mw")

	scheduled := utc(2026, time.January, 12, 14, 0)
	e.fired <- scheduled
	e.run()
	e.fired <- scheduled.AddDate(0, 0, 2)
	e.run()

	require.Len(t, got, 2)
	assert.Equal(t, "mw", got[0].Key)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, scheduled, got[0].ScheduledAt)
	assert.Equal(t, scheduled.Add(2*time.Hour), got[0].Occurrence.End)
	assert.Equal(t, fake.Now(), got[0].FiredAt)

	fires, err := st.Fires(ctx, "mw", 10)
	require.NoError(t, err)
	require.Len(t, fires, 2)
	var failed int
	for _, f := range fires {
		assert.Equal(t, "capture", f.Job)
		if f.Error != "" {
			failed++
			assert.Equal(t, "boom", f.Error)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Location: time.UTC, MisfireThreshold: time.Hour}, nil, nil)
	future, err := model.NewPeriodicity(model.PeriodicityParams{
		ID:       "future",
		Start:    time.Date(2099, time.January, 1, 9, 0, 0, 0, time.UTC),
		Duration: time.Hour,
		Rule:     &model.RecurrenceRule{Frequency: model.Yearly},
	})
	require.NoError(t, err)
	require.NoError(t, s.Apply([]Definition{{Key: "future", Periodicity: future}}))

	assert.Error(t, s.AddCron("bad", "every now and then", func(context.Context) error { return nil }))

	ctx := context.Background()
	s.Start(ctx)
	require.NoError(t, s.AddCron("refresh", "*/15 * * * *", func(context.Context) error { return nil }))

	require.Eventually(t, func() bool {
		info, _ := s.Trigger("future")
		return info.State == "armed"
	}, 2*time.Second, 10*time.Millisecond)
	info, _ := s.Trigger("future")
	assert.Equal(t, future.Base.Start, info.Next)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Crons) == 1 && !snap.Crons[0].Next.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Snapshot().Running)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.False(t, s.Snapshot().Running)

	_, ok := s.Trigger("missing")
	assert.False(t, ok)
}
