// Package trigger drives a periodicity as a scheduler trigger: a small state
// machine holding the previous and next fire times, advanced by the
// occurrence engine and filtered through an optional Calendar.
//
// A Trigger is not safe for concurrent use. The scheduler runtime owns each
// Trigger and serializes every transition on it.
package trigger

import (
	"errors"
	"fmt"
	"time"

	"periodic/internal/clock"
	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
)

var (
	// ErrNotArmed is returned by Triggered when there is no pending fire time.
	ErrNotArmed = errors.New("trigger: not armed")
	// ErrSkipLimit is returned when the calendar excluded more consecutive
	// occurrences than the configured skip limit.
	ErrSkipLimit = errors.New("trigger: calendar skip limit reached")
)

// State is the lifecycle position of a Trigger.
type State int

const (
	// Unscheduled: no fire time computed yet.
	Unscheduled State = iota
	// Armed: a next fire time exists and the trigger has never fired.
	Armed
	// Fired: the trigger fired at least once and a next fire time exists.
	Fired
	// Exhausted: no further fire time exists.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Unscheduled:
		return "unscheduled"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := Unscheduled; st <= Exhausted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return Unscheduled, fmt.Errorf("trigger: unknown state %q", s)
}

// Option customizes a Trigger.
type Option func(*Trigger)

// WithEngine sets the occurrence engine. The default is a zero Engine.
func WithEngine(e *occurrence.Engine) Option {
	return func(t *Trigger) { t.eng = e }
}

// WithClock sets the time source used for misfire recovery.
func WithClock(c clock.Clock) Option {
	return func(t *Trigger) { t.clock = c }
}

// WithSkipLimit bounds how many consecutive calendar-excluded occurrences
// one transition may skip. Zero means unlimited.
func WithSkipLimit(n int) Option {
	return func(t *Trigger) { t.skipLimit = n }
}

// Trigger is the fire-time state machine of one periodicity.
type Trigger struct {
	key       string
	p         model.Periodicity
	eng       *occurrence.Engine
	clock     clock.Clock
	skipLimit int

	state State
	next  time.Time
	prev  time.Time
}

// New builds an Unscheduled trigger. It fails when the periodicity has no
// usable base interval.
func New(key string, p model.Periodicity, opts ...Option) (*Trigger, error) {
	if p.Base.Start.IsZero() || !p.Base.End.After(p.Base.Start) {
		return nil, fmt.Errorf("trigger %s: %w: incomplete base interval", key, model.ErrInvalidPeriodicity)
	}
	t := &Trigger{key: key, p: p, eng: &occurrence.Engine{}, clock: clock.Real()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Trigger) Key() string                    { return t.key }
func (t *Trigger) Periodicity() model.Periodicity { return t.p }
func (t *Trigger) State() State                   { return t.state }

// NextFireTime returns the pending fire time, if any.
func (t *Trigger) NextFireTime() (time.Time, bool) {
	return t.next, !t.next.IsZero()
}

// PreviousFireTime returns the last time Triggered was applied, if ever.
func (t *Trigger) PreviousFireTime() (time.Time, bool) {
	return t.prev, !t.prev.IsZero()
}

// MayFireAgain reports whether a next fire time exists.
func (t *Trigger) MayFireAgain() bool {
	return !t.next.IsZero()
}

// ComputeFirstFireTime arms the trigger at the first occurrence, the anchor
// included, that cal does not exclude. cal may be nil.
func (t *Trigger) ComputeFirstFireTime(cal Calendar) (time.Time, bool, error) {
	next, ok, err := t.nextIncluded(t.p.Anchor().Add(-time.Nanosecond), cal)
	if err != nil {
		return time.Time{}, false, err
	}
	t.prev = time.Time{}
	t.setNext(next, ok, Armed)
	appLog.Debug("trigger first fire computed", "key", t.key, "state", t.state.String(), "next", t.next)
	return next, ok, nil
}

// Triggered records the pending fire time as the previous one and advances
// to the next included occurrence.
func (t *Trigger) Triggered(cal Calendar) error {
	if t.next.IsZero() {
		return ErrNotArmed
	}
	fired := t.next
	next, ok, err := t.nextIncluded(fired, cal)
	if err != nil {
		return err
	}
	t.prev = fired
	t.setNext(next, ok, Fired)
	appLog.Debug("trigger fired", "key", t.key, "prev", t.prev, "next", t.next, "state", t.state.String())
	return nil
}

// UpdateAfterMisfire drops every missed fire time and re-arms at the first
// included occurrence after now.
func (t *Trigger) UpdateAfterMisfire(cal Calendar) error {
	now := t.clock.Now()
	missed := t.next
	next, ok, err := t.nextIncluded(now, cal)
	if err != nil {
		return err
	}
	t.setNext(next, ok, t.armedState())
	appLog.Info("trigger misfire recovered", "key", t.key, "missed", missed, "next", t.next)
	return nil
}

// UpdateWithNewCalendar recomputes the pending fire time after the
// calendar changed. Excluded fire times are skipped without being recorded
// as fired; a candidate that is already behind now by at least
// misfireThreshold is skipped as well.
func (t *Trigger) UpdateWithNewCalendar(cal Calendar, misfireThreshold time.Duration) error {
	if t.state == Unscheduled {
		return nil
	}
	from := t.p.Anchor().Add(-time.Nanosecond)
	if !t.prev.IsZero() {
		from = t.prev
	}
	next, ok, err := t.eng.Next(t.p, from)
	if err != nil {
		return err
	}

	now := t.clock.Now()
	skipped := 0
	for ok && cal != nil && !cal.IsTimeIncluded(next.Start) {
		if err := t.checkSkip(&skipped); err != nil {
			return err
		}
		next, ok, err = t.eng.Next(t.p, next.Start)
		if err != nil {
			return err
		}
		if ok && next.Start.Before(now) && now.Sub(next.Start) >= misfireThreshold {
			next, ok, err = t.eng.Next(t.p, next.Start)
			if err != nil {
				return err
			}
		}
	}
	t.setNext(next.Start, ok, t.armedState())
	appLog.Debug("trigger calendar updated", "key", t.key, "next", t.next, "state", t.state.String())
	return nil
}

// FinalFireTime returns the last occurrence of a bounded periodicity. The
// calendar is not consulted.
func (t *Trigger) FinalFireTime() (time.Time, bool, error) {
	o, ok, err := t.eng.Last(t.p)
	return o.Start, ok, err
}

// FireTimeAfter looks ahead without changing the trigger.
func (t *Trigger) FireTimeAfter(after time.Time) (time.Time, bool, error) {
	o, ok, err := t.eng.Next(t.p, after)
	return o.Start, ok, err
}

// Snapshot is the persistable part of a Trigger.
type Snapshot struct {
	Key   string
	State State
	Next  time.Time
	Prev  time.Time
}

func (t *Trigger) Snapshot() Snapshot {
	return Snapshot{Key: t.key, State: t.state, Next: t.next, Prev: t.prev}
}

// Restore loads fire times saved by Snapshot.
func (t *Trigger) Restore(s Snapshot) {
	t.state = s.State
	t.next = s.Next
	t.prev = s.Prev
}

func (t *Trigger) armedState() State {
	if t.prev.IsZero() {
		return Armed
	}
	return Fired
}

func (t *Trigger) setNext(next time.Time, ok bool, armed State) {
	if !ok {
		t.next = time.Time{}
		t.state = Exhausted
		return
	}
	t.next = next
	t.state = armed
}

// nextIncluded returns the first occurrence start after after that cal
// includes.
func (t *Trigger) nextIncluded(after time.Time, cal Calendar) (time.Time, bool, error) {
	skipped := 0
	for {
		o, ok, err := t.eng.Next(t.p, after)
		if err != nil || !ok {
			return time.Time{}, false, err
		}
		if cal == nil || cal.IsTimeIncluded(o.Start) {
			return o.Start, true, nil
		}
		if err := t.checkSkip(&skipped); err != nil {
			return time.Time{}, false, err
		}
		after = o.Start
	}
}

func (t *Trigger) checkSkip(skipped *int) error {
	*skipped++
	if t.skipLimit > 0 && *skipped > t.skipLimit {
		return fmt.Errorf("trigger %s: %w (%d)", t.key, ErrSkipLimit, t.skipLimit)
	}
	return nil
}
