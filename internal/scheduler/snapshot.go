package scheduler

import "time"

// TriggerInfo is the externally visible state of one trigger.
type TriggerInfo struct {
	Key   string    `json:"key"`
	Name  string    `json:"name,omitempty"`
	Job   string    `json:"job"`
	State string    `json:"state"`
	Next  time.Time `json:"next,omitempty"`
	Prev  time.Time `json:"prev,omitempty"`
}

type CronInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Triggers []TriggerInfo `json:"triggers"`
	Crons    []CronInfo    `json:"crons"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	crons := append([]cronDef(nil), s.crons...)
	c := s.c
	tz := s.cfg.Location.String()
	s.mu.Unlock()

	out := Snapshot{
		Running:  c != nil,
		Timezone: tz,
		Triggers: make([]TriggerInfo, 0, len(entries)),
		Crons:    make([]CronInfo, 0, len(crons)),
	}
	for _, e := range entries {
		out.Triggers = append(out.Triggers, e.info())
	}
	for _, d := range crons {
		it := CronInfo{Name: d.name, Spec: d.spec}
		if c != nil && d.entryID != 0 {
			ce := c.Entry(d.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		out.Crons = append(out.Crons, it)
	}
	return out
}

// Trigger returns the state of one trigger by key.
func (s *Service) Trigger(key string) (TriggerInfo, bool) {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.def.Key == key {
			found = e
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return TriggerInfo{}, false
	}
	return found.info(), true
}
