package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/store"
	"periodic/internal/trigger"
)

// entry binds one trigger to cron. It implements cron.Schedule: cron asks
// for Next once when the entry is registered and again right after every
// dispatch, so each call past the pending fire time is a fire.
type entry struct {
	svc *Service
	def Definition
	job Job

	mu        sync.Mutex
	trig      *trigger.Trigger
	cal       trigger.Calendar
	threshold time.Duration
	started   bool

	// fired hands the scheduled time of each dispatch to its job goroutine.
	fired chan time.Time
}

var _ cron.Schedule = (*entry)(nil)

func newEntry(svc *Service, def Definition, job Job, trig *trigger.Trigger) *entry {
	return &entry{
		svc:   svc,
		def:   def,
		job:   job,
		trig:  trig,
		fired: make(chan time.Time, 1),
	}
}

// Next advances the trigger. A zero time tells cron the entry never runs
// again.
func (e *entry) Next(now time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	first := !e.started
	e.started = true

	var err error
	switch {
	case e.trig.State() == trigger.Unscheduled:
		_, _, err = e.trig.ComputeFirstFireTime(e.cal)
	case !first:
		if next, ok := e.trig.NextFireTime(); ok && !next.After(now) {
			e.fired <- next
			err = e.trig.Triggered(e.cal)
		}
	}

	if err == nil {
		if next, ok := e.trig.NextFireTime(); ok && now.Sub(next) > e.threshold {
			err = e.trig.UpdateAfterMisfire(e.cal)
		}
	}
	if err != nil {
		appLog.Error("trigger advance failed, disabling", err, "key", e.def.Key)
		return time.Time{}
	}

	e.svc.persist(e.trig.Snapshot())
	next, _ := e.trig.NextFireTime()
	return next
}

// run is the cron job of the entry.
func (e *entry) run() {
	scheduled := <-e.fired

	f := Fire{
		ID:          uuid.NewString(),
		Key:         e.def.Key,
		ScheduledAt: scheduled,
		FiredAt:     e.svc.clock.Now(),
		Occurrence: model.Occurrence{
			Start: scheduled,
			End:   scheduled.Add(e.def.Periodicity.Base.Duration()),
		},
	}
	e.execute(f)
}

func (e *entry) execute(f Fire) {
	ctx := e.svc.runContext()
	if e.def.Job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.def.Job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := e.job.Run(ctx, f)
	if err != nil {
		appLog.Error("job failed", err, "key", f.Key, "fire_id", f.ID, "scheduled", f.ScheduledAt)
	} else {
		appLog.Debug("job done", "key", f.Key, "fire_id", f.ID, "took", time.Since(start).String())
	}

	if e.svc.store != nil {
		rec := store.Fire{
			ID:          f.ID,
			Key:         f.Key,
			ScheduledAt: f.ScheduledAt,
			FiredAt:     f.FiredAt,
			Job:         e.jobType(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if _, err := e.svc.store.RecordFire(context.Background(), rec); err != nil {
			appLog.Error("record fire failed", err, "key", f.Key)
		}
	}
}

func (e *entry) jobType() string {
	if e.def.Job.Type == "" {
		return "log"
	}
	return e.def.Job.Type
}

func (e *entry) info() TriggerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.trig.Snapshot()
	return TriggerInfo{
		Key:   e.def.Key,
		Name:  e.def.Periodicity.Name,
		Job:   e.jobType(),
		State: snap.State.String(),
		Next:  snap.Next,
		Prev:  snap.Prev,
	}
}
