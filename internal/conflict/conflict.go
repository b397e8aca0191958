// Package conflict finds configured periodicities whose occurrences
// overlap.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
)

// Conflict is a pair of periodicities with at least one overlapping
// occurrence. A sorts before B.
type Conflict struct {
	A           string           `json:"a"`
	B           string           `json:"b"`
	AOccurrence model.Occurrence `json:"a_occurrence"`
	BOccurrence model.Occurrence `json:"b_occurrence"`
}

// Overlap is the shared part of the two reported occurrences.
func (c Conflict) Overlap() model.Occurrence {
	o := model.Occurrence{Start: c.AOccurrence.Start, End: c.AOccurrence.End}
	if c.BOccurrence.Start.After(o.Start) {
		o.Start = c.BOccurrence.Start
	}
	if c.BOccurrence.End.Before(o.End) {
		o.End = c.BOccurrence.End
	}
	return o
}

// Detect checks every pair of ps inside [start, end). Pairs that fail to
// evaluate are skipped and reported in the joined error.
func Detect(eng *occurrence.Engine, ps []model.Periodicity, start, end time.Time) ([]Conflict, error) {
	if eng == nil {
		eng = &occurrence.Engine{}
	}
	var (
		out  []Conflict
		errs []error
	)
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			c, ok, err := check(eng, ps[i], ps[j], start, end)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				out = append(out, c)
			}
		}
	}
	sortConflicts(out)
	appLog.Debug("conflict scan done", "periodicities", len(ps), "conflicts", len(out), "errors", len(errs))
	return out, errors.Join(errs...)
}

// DetectFor checks a candidate against existing periodicities, e.g. before
// adding it to the configuration.
func DetectFor(eng *occurrence.Engine, existing []model.Periodicity, candidate model.Periodicity, start, end time.Time) ([]Conflict, error) {
	if eng == nil {
		eng = &occurrence.Engine{}
	}
	var (
		out  []Conflict
		errs []error
	)
	for _, p := range existing {
		if p.ID == candidate.ID {
			continue
		}
		c, ok, err := check(eng, candidate, p, start, end)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	sortConflicts(out)
	return out, errors.Join(errs...)
}

func check(eng *occurrence.Engine, a, b model.Periodicity, start, end time.Time) (Conflict, bool, error) {
	if !a.Active || !b.Active {
		return Conflict{}, false, nil
	}
	oa, ob, ok, err := eng.FirstOverlap(a, b, start, end)
	if err != nil {
		return Conflict{}, false, fmt.Errorf("conflict %s/%s: %w", a.ID, b.ID, err)
	}
	if !ok {
		return Conflict{}, false, nil
	}
	if b.ID < a.ID {
		a, b = b, a
		oa, ob = ob, oa
	}
	return Conflict{A: a.ID, B: b.ID, AOccurrence: oa, BOccurrence: ob}, true, nil
}

func sortConflicts(cs []Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].A != cs[j].A {
			return cs[i].A < cs[j].A
		}
		return cs[i].B < cs[j].B
	})
}
