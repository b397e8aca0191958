// Package scheduler runs triggers in process on top of robfig/cron.
//
// Each configured periodicity becomes a trigger.Trigger wrapped as a
// cron.Schedule. The scheduler is responsible for:
//   - serializing transitions of each trigger
//   - detecting misfires against a threshold
//   - dispatching the configured job
//   - persisting fire-time state so a restart resumes where it stopped
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"periodic/internal/clock"
	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
	"periodic/internal/store"
	"periodic/internal/trigger"
)

// Config controls the scheduler service.
type Config struct {
	// Location is the zone cron specs of maintenance jobs are read in.
	Location *time.Location
	// MisfireThreshold is how late a fire may be before it is dropped.
	MisfireThreshold time.Duration
	// SkipLimit caps consecutive calendar-excluded occurrences. Zero means
	// unlimited.
	SkipLimit int
	// ScanLimit caps engine candidate scans. Zero means unlimited.
	ScanLimit int
	Clock     clock.Clock
}

// Definition is one scheduled periodicity.
type Definition struct {
	Key         string
	Periodicity model.Periodicity
	Job         JobSpec
}

// StateStore persists trigger state and fire history. *store.Store
// implements it.
type StateStore interface {
	LoadSnapshot(ctx context.Context, key string) (trigger.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap trigger.Snapshot) error
	DeleteSnapshot(ctx context.Context, key string) error
	RecordFire(ctx context.Context, f store.Fire) (store.Fire, error)
}

type cronDef struct {
	name    string
	spec    string
	sched   cron.Schedule
	fn      func(ctx context.Context) error
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	clock clock.Clock
	eng   *occurrence.Engine
	jobs  *Registry
	store StateStore

	parser  cron.Parser
	c       *cron.Cron
	cal     trigger.Calendar
	entries []*entry
	crons   []cronDef

	ctxMu  sync.RWMutex
	runCtx context.Context
}

// New builds a stopped service. jobs and st may be nil.
func New(cfg Config, jobs *Registry, st StateStore) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if jobs == nil {
		jobs = NewRegistry()
	}
	return &Service{
		cfg:   cfg,
		clock: cfg.Clock,
		eng:   &occurrence.Engine{ScanLimit: cfg.ScanLimit},
		jobs:  jobs,
		store: st,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply replaces the scheduled definitions. Triggers whose periodicity is
// unchanged keep their state; new keys resume from the store. Invalid
// definitions are skipped and reported in the joined error.
func (s *Service) Apply(defs []Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := make(map[string]*entry, len(s.entries))
	for _, e := range s.entries {
		old[e.def.Key] = e
	}

	var errs []error
	seen := make(map[string]bool, len(defs))
	entries := make([]*entry, 0, len(defs))
	for _, d := range defs {
		if d.Key == "" {
			errs = append(errs, errors.New("scheduler: definition without key"))
			continue
		}
		if seen[d.Key] {
			errs = append(errs, fmt.Errorf("scheduler: duplicate key %q", d.Key))
			continue
		}
		seen[d.Key] = true

		job, err := s.jobs.Build(d.Job)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %s: %w", d.Key, err))
			continue
		}

		prev, existed := old[d.Key]
		var trig *trigger.Trigger
		if existed && reflect.DeepEqual(prev.def.Periodicity, d.Periodicity) {
			trig = prev.trig
		} else {
			trig, err = trigger.New(d.Key, d.Periodicity,
				trigger.WithEngine(s.eng),
				trigger.WithClock(s.clock),
				trigger.WithSkipLimit(s.cfg.SkipLimit),
			)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !existed {
				s.restore(trig)
			}
		}

		e := newEntry(s, d, job, trig)
		e.cal = s.cal
		e.threshold = s.cfg.MisfireThreshold
		entries = append(entries, e)
	}

	for key := range old {
		if !seen[key] {
			s.forget(key)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].def.Key < entries[j].def.Key })
	s.entries = entries
	if s.c != nil {
		s.restartLocked()
	}
	appLog.Info("definitions applied", "triggers", len(entries), "rejected", len(errs))
	return errors.Join(errs...)
}

// SetCalendar installs the exclusion calendar of every trigger. Pending
// fire times are recomputed against it.
func (s *Service) SetCalendar(cal trigger.Calendar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cal = cal
	for _, e := range s.entries {
		e.mu.Lock()
		e.cal = cal
		if err := e.trig.UpdateWithNewCalendar(cal, e.threshold); err != nil {
			appLog.Error("calendar update failed", err, "key", e.def.Key)
		}
		s.persist(e.trig.Snapshot())
		e.mu.Unlock()
	}
	if s.c != nil {
		s.restartLocked()
	}
}

// AddCron registers a maintenance job on a cron spec, e.g. a feed refresh.
func (s *Service) AddCron(name, spec string, fn func(ctx context.Context) error) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: cron %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := cronDef{name: name, spec: spec, sched: sched, fn: fn}
	if s.c != nil {
		d.entryID = s.c.Schedule(sched, s.cronJob(d))
	}
	s.crons = append(s.crons, d)
	return nil
}

// Start starts cron triggering. Job contexts derive from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.ctxMu.Lock()
	s.runCtx = ctx
	s.ctxMu.Unlock()

	s.c = s.newCron()
	s.registerLocked()
	s.c.Start()
	appLog.Info("scheduler started", "tz", s.cfg.Location.String(), "triggers", len(s.entries), "crons", len(s.crons))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	appLog.Info("scheduler stopped", "took", time.Since(start).String())
}

func (s *Service) newCron() *cron.Cron {
	logger := appLog.CronLogger()
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
}

func (s *Service) registerLocked() {
	for _, e := range s.entries {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		s.c.Schedule(e, cron.FuncJob(e.run))
	}
	for i := range s.crons {
		s.crons[i].entryID = s.c.Schedule(s.crons[i].sched, s.cronJob(s.crons[i]))
	}
}

func (s *Service) restartLocked() {
	// Running jobs are not awaited: a job may itself call Apply.
	if s.c != nil {
		s.c.Stop()
	}
	s.c = s.newCron()
	s.registerLocked()
	s.c.Start()
	appLog.Info("scheduler restarted", "triggers", len(s.entries), "crons", len(s.crons))
}

func (s *Service) cronJob(d cronDef) cron.Job {
	return cron.FuncJob(func() {
		if err := d.fn(s.runContext()); err != nil {
			appLog.Error("cron job failed", err, "name", d.name)
		}
	})
}

func (s *Service) runContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// restore loads stored state into a fresh trigger unless the state no
// longer matches its periodicity.
func (s *Service) restore(t *trigger.Trigger) {
	if s.store == nil {
		return
	}
	snap, err := s.store.LoadSnapshot(context.Background(), t.Key())
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		appLog.Error("load trigger state failed", err, "key", t.Key())
		return
	}
	if !snapshotMatches(t, snap) {
		appLog.Info("stale trigger state discarded", "key", t.Key(), "state", snap.State.String(), "next", snap.Next)
		return
	}
	t.Restore(snap)
	appLog.Debug("trigger state restored", "key", t.Key(), "state", snap.State.String(), "next", snap.Next)
}

func snapshotMatches(t *trigger.Trigger, snap trigger.Snapshot) bool {
	switch snap.State {
	case trigger.Armed, trigger.Fired:
		at, ok, err := t.FireTimeAfter(snap.Next.Add(-time.Nanosecond))
		return err == nil && ok && at.Equal(snap.Next)
	case trigger.Exhausted:
		_, ok, err := t.FireTimeAfter(snap.Prev)
		return err == nil && !ok
	default:
		return false
	}
}

func (s *Service) persist(snap trigger.Snapshot) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSnapshot(context.Background(), snap); err != nil {
		appLog.Error("save trigger state failed", err, "key", snap.Key)
	}
}

func (s *Service) forget(key string) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteSnapshot(context.Background(), key); err != nil {
		appLog.Error("delete trigger state failed", err, "key", key)
	}
}
