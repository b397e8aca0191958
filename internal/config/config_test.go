package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"periodic/internal/model"
	"periodic/internal/occurrence"
)

const sampleYAML = `
listen: ":9090"
timezone: Europe/Berlin
week_start: Sunday
misfire_threshold: nonsense
holidays: ["2026-12-25"]
excluded_weekdays: [saturday]
blackouts: [freeze]
periodicities:
  - id: standup
    name: Daily standup
    start: "2026-01-12T09:30"
    duration: 15m
    rule: FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR
    exdates: ["2026-01-14"]
    job:
      type: exec
      command: [notify-send, standup]
      timeout: 10s
  - name: no id yet
    start: "2026-02-01"
    rule: FREQ=MONTHLY
  - id: freeze
    start: "2026-12-20"
    end: "2027-01-04"
    active: true
feeds:
  - url: https://example.com/team.ics
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Listen, again.Listen)
}

func TestLoadNormalizesAndPersistsIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "sunday", cfg.WeekStart)
	assert.Equal(t, time.Sunday, cfg.WeekStartDay())
	assert.Equal(t, time.Minute, cfg.Misfire(), "bad durations fall back to the default")
	require.Len(t, cfg.Periodicities, 3)
	generated := cfg.Periodicities[1].ID
	assert.NotEmpty(t, generated)
	require.Len(t, cfg.Feeds, 1)
	assert.NotEmpty(t, cfg.Feeds[0].ID)
	assert.Equal(t, "*/15 * * * *", cfg.Feeds[0].Refresh)

	reloaded, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, generated, reloaded.Periodicities[1].ID, "generated ids are written back")
}

func TestScanLimitDefault(t *testing.T) {
	assert.Positive(t, DefaultConfig().ScanLimit)

	for _, v := range []int{0, -5} {
		c := &Config{ScanLimit: v}
		c.Normalize()
		assert.Equal(t, defaultScanLimit, c.ScanLimit)
	}

	c := &Config{ScanLimit: 250}
	c.Normalize()
	assert.Equal(t, 250, c.ScanLimit)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	writeFile(t, path, "periodicities: [")
	_, err = Parse(path)
	assert.Error(t, err)

	_, err = Parse(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefinitionPeriodicity(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	t.Run("weekly with config week start", func(t *testing.T) {
		d := Definition{
			ID:       "standup",
			Start:    "2026-01-12T09:30",
			Duration: "15m",
			Rule:     "FREQ=WEEKLY;BYDAY=MO,WE",
			ExDates:  []string{"2026-01-14"},
			RDates:   []string{"2026-01-17T11:00"},
		}
		p, err := d.Periodicity(berlin, time.Sunday)
		require.NoError(t, err)
		assert.True(t, p.Active)
		assert.Equal(t, berlin, p.Loc())
		assert.True(t, p.Base.Start.Equal(time.Date(2026, time.January, 12, 9, 30, 0, 0, berlin)))
		assert.Equal(t, 15*time.Minute, p.Base.Duration())
		require.NotNil(t, p.Rule)
		assert.Equal(t, model.Weekly, p.Rule.Frequency)
		assert.Equal(t, time.Sunday, p.Rule.WeekStart)
		require.Len(t, p.Overrides.ExceptionDates, 1)
		require.Len(t, p.Overrides.IncludeDates, 1)
	})

	t.Run("explicit WKST wins", func(t *testing.T) {
		d := Definition{ID: "x", Start: "2026-01-12T09:30", End: "2026-01-12T10:00", Rule: "FREQ=WEEKLY;WKST=MO"}
		p, err := d.Periodicity(time.UTC, time.Sunday)
		require.NoError(t, err)
		assert.Equal(t, time.Monday, p.Rule.WeekStart)
	})

	t.Run("date start lasts a day", func(t *testing.T) {
		d := Definition{ID: "holiday", Start: "2026-05-01", Timezone: "America/New_York", Active: new(bool)}
		p, err := d.Periodicity(time.UTC, time.Monday)
		require.NoError(t, err)
		assert.False(t, p.Active)
		assert.Nil(t, p.Rule)
		assert.Equal(t, "America/New_York", p.Loc().String())
		assert.Equal(t, 24*time.Hour, p.Base.Duration())
	})

	t.Run("rfc3339 start keeps the instant", func(t *testing.T) {
		d := Definition{ID: "x", Start: "2026-03-01T08:00:00Z", Duration: "1h"}
		p, err := d.Periodicity(berlin, time.Monday)
		require.NoError(t, err)
		assert.True(t, p.Base.Start.Equal(time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)))
	})

	for name, d := range map[string]Definition{
		"bad start":    {ID: "x", Start: "next tuesday", Duration: "1h"},
		"bad duration": {ID: "x", Start: "2026-01-01T10:00", Duration: "an hour"},
		"no end":       {ID: "x", Start: "2026-01-01T10:00"},
		"no frequency": {ID: "x", Start: "2026-01-01T10:00", Duration: "1h", Rule: "INTERVAL=2"},
		"bad timezone": {ID: "x", Start: "2026-01-01T10:00", Duration: "1h", Timezone: "Mars/Olympus"},
		"bad exdate":   {ID: "x", Start: "2026-01-01T10:00", Duration: "1h", ExDates: []string{"soon"}},
	} {
		d := d
		t.Run(name, func(t *testing.T) {
			_, err := d.Periodicity(time.UTC, time.Monday)
			assert.Error(t, err)
		})
	}

	_, err = Definition{ID: "x", Start: "2026-01-01T10:00", Duration: "1h", Rule: "INTERVAL=2"}.Periodicity(time.UTC, time.Monday)
	assert.ErrorIs(t, err, model.ErrInvalidPeriodicity)
}

func TestBuildPeriodicitiesAndCalendar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	ps, err := cfg.BuildPeriodicities()
	require.NoError(t, err)
	require.Len(t, ps, 3)
	assert.True(t, cfg.IsBlackout("freeze"))
	assert.False(t, cfg.IsBlackout("standup"))

	cal, err := cfg.Calendar(ps, &occurrence.Engine{})
	require.NoError(t, err)
	require.NotNil(t, cal)

	berlin, err := cfg.Location()
	require.NoError(t, err)
	assert.True(t, cal.IsTimeIncluded(time.Date(2026, time.November, 2, 9, 30, 0, 0, berlin)))
	assert.False(t, cal.IsTimeIncluded(time.Date(2026, time.November, 7, 9, 30, 0, 0, berlin)), "saturday")
	assert.False(t, cal.IsTimeIncluded(time.Date(2026, time.December, 22, 9, 30, 0, 0, berlin)), "freeze window")
	assert.True(t, cal.IsTimeIncluded(time.Date(2027, time.January, 4, 9, 30, 0, 0, berlin)), "freeze ends")

	cfg.Periodicities = append(cfg.Periodicities, Definition{ID: "bad", Start: "whenever"})
	ps, err = cfg.BuildPeriodicities()
	assert.Error(t, err)
	assert.Len(t, ps, 3)

	cfg.Blackouts = []string{"nope"}
	_, err = cfg.Calendar(ps, nil)
	assert.Error(t, err)

	empty := DefaultConfig()
	cal, err = empty.Calendar(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, cal)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "listen: \":1000\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var listen atomic.Value
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			listen.Store(c.Listen)
			calls.Add(1)
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "listen: \":2000\"\n")
	require.Eventually(t, func() bool {
		v, _ := listen.Load().(string)
		return v == ":2000"
	}, 3*time.Second, 20*time.Millisecond)

	writeFile(t, path, "listen: [broken")
	writeFile(t, path, "listen: \":3000\"\n")
	require.Eventually(t, func() bool {
		v, _ := listen.Load().(string)
		return v == ":3000"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.LessOrEqual(t, calls.Load(), int32(2))
}
