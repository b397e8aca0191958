// Package store persists trigger fire-time state and a fire history in a
// local SQLite database so a restarted scheduler resumes where it stopped.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	appLog "periodic/internal/log"
	"periodic/internal/trigger"
)

// ErrNotFound is returned when no state is stored for a trigger key.
var ErrNotFound = errors.New("store: not found")

const timeLayout = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS trigger_state (
	key        TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	next_fire  TEXT NOT NULL DEFAULT '',
	prev_fire  TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fire_log (
	id           TEXT PRIMARY KEY,
	key          TEXT NOT NULL,
	scheduled_at TEXT NOT NULL,
	fired_at     TEXT NOT NULL,
	job          TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS fire_log_key ON fire_log (key, fired_at);
`

// Fire is one recorded job execution.
type Fire struct {
	ID          string
	Key         string
	ScheduledAt time.Time
	FiredAt     time.Time
	Job         string
	Error       string
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// pointing at one database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	appLog.Debug("store opened", "path", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSnapshot upserts the fire-time state of one trigger.
func (s *Store) SaveSnapshot(ctx context.Context, snap trigger.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_state (key, state, next_fire, prev_fire, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			next_fire = excluded.next_fire,
			prev_fire = excluded.prev_fire,
			updated_at = excluded.updated_at`,
		snap.Key,
		snap.State.String(),
		formatTime(snap.Next),
		formatTime(snap.Prev),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", snap.Key, err)
	}
	return nil
}

// LoadSnapshot returns the stored state of key or ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, key string) (trigger.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, state, next_fire, prev_fire FROM trigger_state WHERE key = ?`, key)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// Snapshots returns every stored trigger state ordered by key.
func (s *Store) Snapshots(ctx context.Context) ([]trigger.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, state, next_fire, prev_fire FROM trigger_state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []trigger.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes the state of key. Missing keys are not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trigger_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// RecordFire appends to the fire history. An empty ID is filled in.
func (s *Store) RecordFire(ctx context.Context, f Fire) (Fire, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fire_log (id, key, scheduled_at, fired_at, job, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Key, formatTime(f.ScheduledAt), formatTime(f.FiredAt), f.Job, f.Error)
	if err != nil {
		return f, fmt.Errorf("store: record fire %s: %w", f.Key, err)
	}
	return f, nil
}

// Fires returns the most recent fires of key, newest first.
func (s *Store) Fires(ctx context.Context, key string, limit int) ([]Fire, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, scheduled_at, fired_at, job, error FROM fire_log
		WHERE key = ? ORDER BY fired_at DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fires %s: %w", key, err)
	}
	defer rows.Close()

	var out []Fire
	for rows.Next() {
		var (
			f                  Fire
			scheduled, firedAt string
		)
		if err := rows.Scan(&f.ID, &f.Key, &scheduled, &firedAt, &f.Job, &f.Error); err != nil {
			return nil, err
		}
		if f.ScheduledAt, err = parseTime(scheduled); err != nil {
			return nil, err
		}
		if f.FiredAt, err = parseTime(firedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (trigger.Snapshot, error) {
	var (
		snap             trigger.Snapshot
		state, next, prv string
	)
	if err := row.Scan(&snap.Key, &state, &next, &prv); err != nil {
		return trigger.Snapshot{}, err
	}
	var err error
	if snap.State, err = trigger.ParseState(state); err != nil {
		return trigger.Snapshot{}, err
	}
	if snap.Next, err = parseTime(next); err != nil {
		return trigger.Snapshot{}, err
	}
	if snap.Prev, err = parseTime(prv); err != nil {
		return trigger.Snapshot{}, err
	}
	return snap, nil
}

// Zero times are stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad time %q: %w", s, err)
	}
	return t, nil
}
