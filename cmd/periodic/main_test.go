package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"periodic/internal/config"
	"periodic/internal/conflict"
	"periodic/internal/ics"
	"periodic/internal/model"
	"periodic/internal/occurrence"
	"periodic/internal/scheduler"
	"periodic/internal/store"
	"periodic/internal/trigger"
	"periodic/internal/web"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.January, day, hour, minute, 0, 0, time.UTC)
}

// writeConfig writes a config with a daily 10:00 event and a Tuesday
// 10:30 review that overlaps it.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "periodic.db")
	body := fmt.Sprintf(`
timezone: UTC
storage:
  path: %q
  cache_dir: %q
periodicities:
  - id: daily
    name: Standup
    start: "2026-01-01T10:00"
    duration: 1h
    rule: FREQ=DAILY
  - id: review
    start: "2026-01-06T10:30"
    duration: 1h
    rule: FREQ=WEEKLY;BYDAY=TU
    job:
      type: log
      timeout: 5s
`, dbPath, filepath.Join(dir, "feeds"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNextCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "--config", path, "--format", "json", "next", "daily", "--after", "2026-01-05T00:00", "-n", "2")
	require.NoError(t, err)
	var rows []occurrenceRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows), out)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Start.Equal(at(5, 10, 0)))
	assert.True(t, rows[1].End.Equal(at(6, 11, 0)))
	assert.Equal(t, "Standup", rows[0].Name)

	out, err = execute(t, "--config", path, "next", "daily", "--after", "2026-01-05T10:00", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-01-06 10:00 UTC", "strictly after the reference")

	_, err = execute(t, "--config", path, "next", "nope")
	assert.ErrorContains(t, err, "nope")

	_, err = execute(t, "--config", path, "next", "daily", "--after", "someday")
	assert.ErrorContains(t, err, "--after")
}

func TestWindowCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "--config", path, "--format", "json", "window", "--from", "2026-01-05", "--to", "2026-01-07")
	require.NoError(t, err)
	var rows []occurrenceRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows), out)
	require.Len(t, rows, 3)
	assert.Equal(t, "daily", rows[0].ID)
	assert.Equal(t, "daily", rows[1].ID)
	assert.Equal(t, "review", rows[2].ID)

	out, err = execute(t, "--config", path, "--format", "json", "window", "--from", "2026-01-01", "--days", "31", "--id", "review")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rows), out)
	assert.Len(t, rows, 4)

	_, err = execute(t, "--config", path, "window", "--from", "2026-01-07", "--to", "2026-01-05")
	assert.ErrorContains(t, err, "empty window")
}

func TestListCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "--config", path, "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "FREQ=DAILY")
	assert.Contains(t, lines[2], "BYDAY=TU")
}

func TestConflictsCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "--config", path, "--format", "json", "conflicts", "--from", "2026-01-05", "--days", "7")
	require.NoError(t, err)
	var cs []conflict.Conflict
	require.NoError(t, json.Unmarshal([]byte(out), &cs), out)
	require.Len(t, cs, 1)
	assert.Equal(t, "daily", cs[0].A)
	assert.Equal(t, "review", cs[0].B)
	assert.True(t, cs[0].BOccurrence.Start.Equal(at(6, 10, 30)))

	out, err = execute(t, "--config", path, "conflicts", "--from", "2026-01-07", "--to", "2026-01-13")
	require.NoError(t, err)
	assert.Contains(t, out, "no conflicts")
}

func TestExportCommand(t *testing.T) {
	path, _ := writeConfig(t)
	target := filepath.Join(t.TempDir(), "out.ics")

	_, err := execute(t, "--config", path, "export", "-o", target, "--name", "team")
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "BEGIN:VEVENT"))
	assert.Contains(t, string(data), "RRULE:FREQ=WEEKLY")

	out, err := execute(t, "--config", path, "export")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
}

func TestCheckCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "--config", path, "--format", "json", "check", "--from", "2026-01-01", "--days", "90")
	require.NoError(t, err)
	var rows []checkRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows), out)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.True(t, r.OK, r.ID)
		assert.Equal(t, r.Reference, r.Engine, r.ID)
	}
}

func TestHistoryCommand(t *testing.T) {
	path, dbPath := writeConfig(t)

	ctx := context.Background()
	st, err := store.Open(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, st.SaveSnapshot(ctx, trigger.Snapshot{Key: "daily", State: trigger.Armed, Next: at(6, 10, 0), Prev: at(5, 10, 0)}))
	_, err = st.RecordFire(ctx, store.Fire{Key: "daily", ScheduledAt: at(5, 10, 0), FiredAt: at(5, 10, 0), Job: "log"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "--config", path, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "daily")
	assert.Contains(t, out, "armed")

	out, err = execute(t, "--config", path, "--format", "json", "history", "daily")
	require.NoError(t, err)
	var fires []fireRow
	require.NoError(t, json.Unmarshal([]byte(out), &fires), out)
	require.Len(t, fires, 1)
	assert.Equal(t, "log", fires[0].Job)
	assert.NotEmpty(t, fires[0].ID)
}

func TestInvalidFormat(t *testing.T) {
	path, _ := writeConfig(t)
	_, err := execute(t, "--config", path, "--format", "xml", "list")
	assert.ErrorContains(t, err, "invalid format")
}

func TestJobSpec(t *testing.T) {
	spec, err := jobSpec(config.JobConfig{Type: "exec", Command: []string{"true"}, Timeout: "30s"})
	require.NoError(t, err)
	assert.Equal(t, "exec", spec.Type)
	assert.Equal(t, 30*time.Second, spec.Timeout)

	_, err = jobSpec(config.JobConfig{Timeout: "soon"})
	assert.Error(t, err)
}

func TestFeedKey(t *testing.T) {
	assert.Equal(t, "feed/team/uid-1@example.com", feedKey("team", "uid-1@example.com"))
}

const teamICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:20260101T000000Z
SUMMARY:Team standup
DTSTART:20260105T090000Z
DTEND:20260105T091500Z
RRULE:FREQ=DAILY
END:VEVENT
END:VCALENDAR
`

func TestLoadFeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/team.ics" {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(teamICS))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	eng := &occurrence.Engine{ScanLimit: cfg.ScanLimit}
	d := &daemon{
		cfg:     cfg,
		feeds:   map[string][]model.Periodicity{},
		eng:     eng,
		svc:     scheduler.New(scheduler.Config{Location: time.UTC, ScanLimit: cfg.ScanLimit}, nil, nil),
		catalog: web.NewCatalog(nil),
		fetcher: ics.NewFetcher(t.TempDir(), srv.Client()),
	}

	err := d.loadFeeds(context.Background(), []config.FeedConfig{
		{ID: "team", URL: srv.URL + "/team.ics"},
		{ID: "broken", URL: srv.URL + "/broken.ics"},
		{ID: "unset"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	p, ok := d.catalog.Lookup("feed/team/standup")
	require.True(t, ok)
	assert.Equal(t, "Team standup", p.Name)
	_, ok = d.svc.Trigger("feed/team/standup")
	assert.True(t, ok, "feed periodicities are scheduled")
	assert.Len(t, d.feeds, 1)
}
