package occurrence

import (
	"errors"
	"time"

	"periodic/internal/model"
)

// ErrScanLimit is returned when a call examined more periods than the
// engine's ScanLimit without finding what it was looking for.
var ErrScanLimit = errors.New("occurrence: scan limit reached")

// Engine answers occurrence queries. It never mutates the periodicities it
// is given and keeps no state between calls, so one Engine may be shared by
// any number of goroutines. The zero value is ready to use.
type Engine struct {
	// ScanLimit caps the number of rule periods a single iterator expands.
	// Zero means unlimited: a rule whose filters never match and that has
	// neither COUNT nor UNTIL will then scan forever.
	ScanLimit int
}

// Iterate returns a stream of occurrences starting strictly after after.
func (e *Engine) Iterate(p model.Periodicity, after time.Time) *Iterator {
	return newIterator(e, p, after, true)
}

// Next returns the earliest occurrence starting strictly after after.
func (e *Engine) Next(p model.Periodicity, after time.Time) (model.Occurrence, bool, error) {
	it := e.Iterate(p, after)
	o, ok := it.Next()
	return o, ok, it.Err()
}

// Generate returns up to max consecutive occurrences after after.
func (e *Engine) Generate(p model.Periodicity, after time.Time, max int) ([]model.Occurrence, error) {
	if max <= 0 {
		return nil, nil
	}
	it := e.Iterate(p, after)
	out := make([]model.Occurrence, 0, min(max, 64))
	for len(out) < max {
		o, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, o)
	}
	return out, it.Err()
}

// Window returns every occurrence whose start lies in [start, end).
func (e *Engine) Window(p model.Periodicity, start, end time.Time) ([]model.Occurrence, error) {
	if !start.Before(end) {
		return nil, nil
	}
	it := e.Iterate(p, start.Add(-time.Nanosecond))
	var out []model.Occurrence
	for {
		o, ok := it.Next()
		if !ok || !o.Start.Before(end) {
			break
		}
		out = append(out, o)
	}
	return out, it.Err()
}

// Intersects reports whether an occurrence of a and an occurrence of b
// overlap inside [start, end).
func (e *Engine) Intersects(a, b model.Periodicity, start, end time.Time) (bool, error) {
	_, _, ok, err := e.FirstOverlap(a, b, start, end)
	return ok, err
}

// FirstOverlap returns the first pair of occurrences of a and b that
// overlap inside [start, end). Both streams are walked once, advancing
// whichever interval ends first.
func (e *Engine) FirstOverlap(a, b model.Periodicity, start, end time.Time) (model.Occurrence, model.Occurrence, bool, error) {
	if !start.Before(end) {
		return model.Occurrence{}, model.Occurrence{}, false, nil
	}
	// Start each stream early enough to catch an occurrence that began
	// before the window but is still running at start.
	ia := e.Iterate(a, start.Add(-a.Base.Duration()))
	ib := e.Iterate(b, start.Add(-b.Base.Duration()))

	oa, okA := ia.Next()
	ob, okB := ib.Next()
	for okA && okB {
		if !oa.Start.Before(end) || !ob.Start.Before(end) {
			break
		}
		if overlapWithin(oa, ob, start, end) {
			return oa, ob, true, nil
		}
		if oa.End.After(ob.End) {
			ob, okB = ib.Next()
		} else {
			oa, okA = ia.Next()
		}
	}
	return model.Occurrence{}, model.Occurrence{}, false, errors.Join(ia.Err(), ib.Err())
}

func overlapWithin(a, b model.Occurrence, start, end time.Time) bool {
	lo := latest(a.Start, b.Start, start)
	hi := earliest(a.End, b.End, end)
	return lo.Before(hi)
}

func latest(ts ...time.Time) time.Time {
	out := ts[0]
	for _, t := range ts[1:] {
		if t.After(out) {
			out = t
		}
	}
	return out
}

func earliest(ts ...time.Time) time.Time {
	out := ts[0]
	for _, t := range ts[1:] {
		if t.Before(out) {
			out = t
		}
	}
	return out
}

// Last returns the final occurrence of a bounded periodicity. Unbounded
// recurring periodicities report false.
func (e *Engine) Last(p model.Periodicity) (model.Occurrence, bool, error) {
	if !p.Active {
		return model.Occurrence{}, false, nil
	}

	var last time.Time
	switch {
	case p.Rule == nil || p.Rule.Count > 0:
		it := newIterator(e, p, p.Anchor().Add(-time.Nanosecond), false)
		for {
			o, ok := it.Next()
			if !ok {
				break
			}
			last = o.Start
		}
		if err := it.Err(); err != nil {
			return model.Occurrence{}, false, err
		}
	case p.Rule.Until != nil:
		t, err := e.lastBeforeUntil(p)
		if err != nil {
			return model.Occurrence{}, false, err
		}
		last = t
		it := newIterator(e, p, p.Anchor().Add(-time.Nanosecond), false)
		for _, rd := range it.rdates {
			if rd.After(last) {
				last = rd
			}
		}
	default:
		return model.Occurrence{}, false, nil
	}

	if last.IsZero() {
		return model.Occurrence{}, false, nil
	}
	return model.Occurrence{Start: last, End: last.Add(p.Base.Duration())}, true, nil
}

func (e *Engine) lastBeforeUntil(p model.Periodicity) (time.Time, error) {
	loc := p.Loc()
	pl := compile(p.Rule, p.Anchor(), loc)
	scan := &Iterator{eng: e, p: p, exdates: exdateSet(p.Overrides.ExceptionDates, loc)}

	scanned := 0
	ps := fastForward(pl.unit, pl.anchorPS, civil(pl.until), pl.interval, pl.wkst)
	for !ps.Before(pl.anchorPS) {
		if e.ScanLimit > 0 && scanned >= e.ScanLimit {
			return time.Time{}, ErrScanLimit
		}
		scanned++
		cands := pl.expand(ps)
		for i := len(cands) - 1; i >= 0; i-- {
			c := cands[i]
			if c.After(pl.until) || c.Before(pl.anchor) || scan.excluded(c) {
				continue
			}
			return c, scan.Err()
		}
		if err := scan.Err(); err != nil {
			return time.Time{}, err
		}
		ps = pl.unit.advance(ps, -pl.interval)
	}
	return time.Time{}, nil
}
