package occurrence

import (
	"sort"
	"time"

	"periodic/internal/model"
)

// Iterator streams the occurrences of one periodicity in ascending start
// order, strictly after the instant it was created with. It holds at most
// one period of pending candidates. An Iterator is not safe for concurrent
// use; create one per goroutine.
type Iterator struct {
	eng   *Engine
	p     model.Periodicity
	after time.Time
	dur   time.Duration

	plan    *plan
	period  time.Time
	pending []time.Time
	emitted int
	ruleEnd bool

	single bool // no rule: the anchor is the only rule candidate

	exdates map[time.Time]bool
	rdates  []time.Time

	peeked  *time.Time
	scanned int
	err     error
}

func newIterator(e *Engine, p model.Periodicity, after time.Time, skip bool) *Iterator {
	loc := p.Loc()
	it := &Iterator{
		eng:   e,
		p:     p,
		after: after.In(loc),
		dur:   p.Base.Duration(),
	}
	if !p.Active {
		it.ruleEnd = true
		return it
	}

	it.exdates = exdateSet(p.Overrides.ExceptionDates, loc)
	for _, rd := range p.Overrides.IncludeDates {
		rd = rd.In(loc)
		if rd.After(it.after) && !it.exdates[civil(rd)] {
			it.rdates = append(it.rdates, rd)
		}
	}
	sort.Slice(it.rdates, func(i, j int) bool { return it.rdates[i].Before(it.rdates[j]) })

	if p.Rule == nil {
		it.single = true
		return it
	}

	it.plan = compile(p.Rule, p.Anchor(), loc)
	it.period = it.plan.anchorPS
	// COUNT needs every occurrence since the anchor, so only unbounded-count
	// rules may skip ahead.
	if skip && it.plan.count == 0 {
		it.period = fastForward(it.plan.unit, it.plan.anchorPS, civil(it.after), it.plan.interval, it.plan.wkst)
	}
	return it
}

// Next returns the next occurrence, or false once the periodicity is
// exhausted or an error stopped iteration (see Err).
func (it *Iterator) Next() (model.Occurrence, bool) {
	ruleNext, hasRule := it.peekRule()
	var rdNext time.Time
	hasRD := len(it.rdates) > 0
	if hasRD {
		rdNext = it.rdates[0]
	}

	var start time.Time
	switch {
	case hasRule && hasRD:
		start = ruleNext
		if rdNext.Before(ruleNext) {
			start = rdNext
		}
	case hasRule:
		start = ruleNext
	case hasRD:
		start = rdNext
	default:
		return model.Occurrence{}, false
	}

	if hasRule && ruleNext.Equal(start) {
		it.peeked = nil
	}
	for len(it.rdates) > 0 && !it.rdates[0].After(start) {
		it.rdates = it.rdates[1:]
	}
	return model.Occurrence{Start: start, End: start.Add(it.dur)}, true
}

// Err reports why iteration stopped early, if it did.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) peekRule() (time.Time, bool) {
	if it.peeked != nil {
		return *it.peeked, true
	}
	t, ok := it.nextRule()
	if !ok {
		return time.Time{}, false
	}
	it.peeked = &t
	return t, true
}

// nextRule yields the next rule-generated start after it.after that
// survives EXDATE and EXRULE.
func (it *Iterator) nextRule() (time.Time, bool) {
	for !it.ruleEnd {
		c, ok := it.nextCandidate()
		if !ok {
			it.ruleEnd = true
			break
		}
		if !c.After(it.after) || it.excluded(c) {
			continue
		}
		return c, true
	}
	return time.Time{}, false
}

// nextCandidate yields rule candidates from the anchor onward, enforcing
// COUNT and UNTIL, before override filtering.
func (it *Iterator) nextCandidate() (time.Time, bool) {
	if it.single {
		it.single = false
		it.ruleEnd = true
		return it.p.Anchor(), true
	}
	if it.plan == nil {
		return time.Time{}, false
	}
	pl := it.plan
	for {
		for len(it.pending) > 0 {
			c := it.pending[0]
			it.pending = it.pending[1:]
			if c.Before(pl.anchor) {
				continue
			}
			if pl.hasUntil && c.After(pl.until) {
				return time.Time{}, false
			}
			if pl.count > 0 && it.emitted >= pl.count {
				return time.Time{}, false
			}
			it.emitted++
			return c, true
		}
		if pl.hasUntil && civil(pl.until).Before(it.period) {
			return time.Time{}, false
		}
		if it.eng.ScanLimit > 0 && it.scanned >= it.eng.ScanLimit {
			it.err = ErrScanLimit
			return time.Time{}, false
		}
		it.scanned++
		it.pending = pl.expand(it.period)
		it.period = pl.unit.advance(it.period, pl.interval)
	}
}

func (it *Iterator) excluded(c time.Time) bool {
	if it.exdates[civil(c)] {
		return true
	}
	xr := it.p.Overrides.ExclusionRule
	if xr == nil {
		return false
	}
	loc := it.p.Loc()
	dayStart := time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, loc)
	dayEnd := time.Date(c.Year(), c.Month(), c.Day()+1, 0, 0, 0, 0, loc)

	ex := model.Periodicity{
		Base:     it.p.Base,
		Rule:     xr,
		Location: loc,
		Active:   true,
	}
	sub := newIterator(it.eng, ex, dayStart.Add(-time.Nanosecond), true)
	o, ok := sub.Next()
	if err := sub.Err(); err != nil && it.err == nil {
		it.err = err
	}
	return ok && o.Start.Before(dayEnd)
}

// exdateSet keys exception dates by their civil date in loc.
func exdateSet(dates []time.Time, loc *time.Location) map[time.Time]bool {
	if len(dates) == 0 {
		return nil
	}
	set := make(map[time.Time]bool, len(dates))
	for _, ex := range dates {
		set[civil(ex.In(loc))] = true
	}
	return set
}
