package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"periodic/internal/clock"
	"periodic/internal/config"
	"periodic/internal/conflict"
	"periodic/internal/ics"
	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
	"periodic/internal/scheduler"
)

// Catalog holds the periodicities served by the API. The daemon replaces
// them on config reload and feed refresh.
type Catalog struct {
	mu sync.RWMutex
	ps []model.Periodicity
}

// NewCatalog returns a catalog holding ps.
func NewCatalog(ps []model.Periodicity) *Catalog {
	c := &Catalog{}
	c.Set(ps)
	return c
}

// Set replaces the catalog contents.
func (c *Catalog) Set(ps []model.Periodicity) {
	cp := append([]model.Periodicity(nil), ps...)
	c.mu.Lock()
	c.ps = cp
	c.mu.Unlock()
}

// Periodicities returns a copy of the catalog contents.
func (c *Catalog) Periodicities() []model.Periodicity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Periodicity(nil), c.ps...)
}

// Lookup returns the periodicity with the given id.
func (c *Catalog) Lookup(id string) (model.Periodicity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.ps {
		if p.ID == id {
			return p, true
		}
	}
	return model.Periodicity{}, false
}

// TriggerSource exposes scheduler state. *scheduler.Service implements it.
type TriggerSource interface {
	Snapshot() scheduler.Snapshot
	Trigger(key string) (scheduler.TriggerInfo, bool)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Engine    *occurrence.Engine
	Scheduler TriggerSource
	Clock     clock.Clock
}

// Server provides the read-only HTTP API over periodicities, their
// occurrences, conflicts and trigger state.
type Server struct {
	cfg     *config.Config
	catalog *Catalog
	eng     *occurrence.Engine
	sched   TriggerSource
	clock   clock.Clock
	loc     *time.Location
	mux     *http.ServeMux
}

const (
	defaultDays      = 7
	defaultBackfill  = 1
	defaultNextCount = 5
	maxNextCount     = 500
	maxWindowDays    = 366
)

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, catalog *Catalog, opts Options) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if catalog == nil {
		catalog = NewCatalog(nil)
	}
	if opts.Engine == nil {
		opts.Engine = &occurrence.Engine{ScanLimit: cfg.ScanLimit}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	s := &Server{
		cfg:     cfg,
		catalog: catalog,
		eng:     opts.Engine,
		sched:   opts.Scheduler,
		clock:   opts.Clock,
		loc:     resolveLocationOrUTC(cfg.Timezone),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="periodic", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/periodicities", s.handlePeriodicities)
	s.mux.HandleFunc("/api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("/api/next", s.handleNext)
	s.mux.HandleFunc("/api/conflicts", s.handleConflicts)
	s.mux.HandleFunc("/api/triggers", s.handleTriggers)
	s.mux.HandleFunc("/calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// periodicityDTO is a JSON-friendly view of a periodicity.
type periodicityDTO struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone"`
	Rule     string    `json:"rule,omitempty"`
	ExRule   string    `json:"exrule,omitempty"`
	ExDates  int       `json:"exdates"`
	RDates   int       `json:"rdates"`
	Active   bool      `json:"active"`
}

func toPeriodicityDTO(p model.Periodicity) periodicityDTO {
	d := periodicityDTO{
		ID:       p.ID,
		Name:     p.Name,
		Start:    p.Base.Start,
		End:      p.Base.End,
		Timezone: p.Loc().String(),
		ExDates:  len(p.Overrides.ExceptionDates),
		RDates:   len(p.Overrides.IncludeDates),
		Active:   p.Active,
	}
	if p.Rule != nil {
		d.Rule = ics.RuleToText(*p.Rule)
	}
	if p.Overrides.ExclusionRule != nil {
		d.ExRule = ics.RuleToText(*p.Overrides.ExclusionRule)
	}
	return d
}

// GET /api/periodicities
func (s *Server) handlePeriodicities(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	ps := s.catalog.Periodicities()
	out := make([]periodicityDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPeriodicityDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// occurrenceDTO is a JSON-friendly view of an occurrence.
type occurrenceDTO struct {
	ID    string    `json:"id"`
	Name  string    `json:"name,omitempty"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

// handleOccurrences returns occurrences starting in a window, sorted by
// start. The window is [from, to) when both are given (RFC 3339), else
// [now-backfill days, now+days).
//
// GET /api/occurrences?id=standup&days=7&backfill=1
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	ps, ok := s.selectPeriodicities(w, r)
	if !ok {
		return
	}
	rangeStart, rangeEnd, ok := s.parseWindow(w, r)
	if !ok {
		return
	}

	out := make([]occurrenceDTO, 0)
	for _, p := range ps {
		occ, err := s.eng.Window(p, rangeStart, rangeEnd)
		if err != nil {
			appLog.Error("api occurrences: window failed", err, "id", p.ID)
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		for _, o := range occ {
			out = append(out, occurrenceDTO{
				ID:    p.ID,
				Name:  p.Name,
				Start: o.Start.In(s.loc),
				End:   o.End.In(s.loc),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})

	writeJSON(w, http.StatusOK, occurrencesResponse{
		Occurrences:     out,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: s.loc.String(),
	})
}

// handleNext returns the next occurrences of one periodicity strictly after
// a reference time (default now).
//
// GET /api/next?id=standup&after=2026-01-01T00:00:00Z&count=5
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	p, found := s.catalog.Lookup(id)
	if !found {
		writeError(w, http.StatusNotFound, "unknown periodicity")
		return
	}

	after := s.clock.Now()
	if v := q.Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be RFC 3339")
			return
		}
		after = t
	}
	count := parseIntDefault(q.Get("count"), defaultNextCount)
	if count <= 0 {
		count = defaultNextCount
	}
	if count > maxNextCount {
		count = maxNextCount
	}

	occ, err := s.eng.Generate(p, after, count)
	if err != nil {
		appLog.Error("api next: generate failed", err, "id", id)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	out := make([]occurrenceDTO, 0, len(occ))
	for _, o := range occ {
		out = append(out, occurrenceDTO{ID: p.ID, Name: p.Name, Start: o.Start.In(s.loc), End: o.End.In(s.loc)})
	}
	writeJSON(w, http.StatusOK, out)
}

// conflictDTO is a JSON-friendly view of a conflict.
type conflictDTO struct {
	A       string        `json:"a"`
	B       string        `json:"b"`
	AStart  time.Time     `json:"a_start"`
	BStart  time.Time     `json:"b_start"`
	Overlap occurrenceDTO `json:"overlap"`
}

// handleConflicts reports pairs of active periodicities that overlap in the
// requested window. With id set, only conflicts involving it are reported.
//
// GET /api/conflicts?days=30
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	rangeStart, rangeEnd, ok := s.parseWindow(w, r)
	if !ok {
		return
	}

	ps := s.catalog.Periodicities()
	var (
		cs  []conflict.Conflict
		err error
	)
	if id := r.URL.Query().Get("id"); id != "" {
		p, found := s.catalog.Lookup(id)
		if !found {
			writeError(w, http.StatusNotFound, "unknown periodicity")
			return
		}
		cs, err = conflict.DetectFor(s.eng, ps, p, rangeStart, rangeEnd)
	} else {
		cs, err = conflict.Detect(s.eng, ps, rangeStart, rangeEnd)
	}
	if err != nil {
		// Partial results are still useful.
		appLog.Error("api conflicts: detection incomplete", err)
	}

	out := make([]conflictDTO, 0, len(cs))
	for _, c := range cs {
		ov := c.Overlap()
		out = append(out, conflictDTO{
			A:       c.A,
			B:       c.B,
			AStart:  c.AOccurrence.Start.In(s.loc),
			BStart:  c.BOccurrence.Start.In(s.loc),
			Overlap: occurrenceDTO{Start: ov.Start.In(s.loc), End: ov.End.In(s.loc)},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTriggers returns the scheduler snapshot, or one trigger by key.
//
// GET /api/triggers[?key=standup]
func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	if key := r.URL.Query().Get("key"); key != "" {
		info, ok := s.sched.Trigger(key)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown trigger")
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Snapshot())
}

// handleCalendar exports the catalog as an iCalendar feed.
//
// GET /calendar.ics
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	cfg := ics.ExportConfig{Name: "periodic", Stamp: s.clock.Now()}
	if err := ics.WriteICS(w, s.catalog.Periodicities(), cfg); err != nil {
		appLog.Error("failed to write calendar", err)
	}
}

// selectPeriodicities returns the periodicity named by ?id=, or all of them.
func (s *Server) selectPeriodicities(w http.ResponseWriter, r *http.Request) ([]model.Periodicity, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		return s.catalog.Periodicities(), true
	}
	p, found := s.catalog.Lookup(id)
	if !found {
		writeError(w, http.StatusNotFound, "unknown periodicity")
		return nil, false
	}
	return []model.Periodicity{p}, true
}

func (s *Server) parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		start, err1 := time.Parse(time.RFC3339, from)
		end, err2 := time.Parse(time.RFC3339, to)
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "from and to must both be RFC 3339")
			return time.Time{}, time.Time{}, false
		}
		if !start.Before(end) {
			writeError(w, http.StatusBadRequest, "from must be before to")
			return time.Time{}, time.Time{}, false
		}
		if end.Sub(start) > maxWindowDays*24*time.Hour {
			writeError(w, http.StatusBadRequest, "window too large")
			return time.Time{}, time.Time{}, false
		}
		return start, end, true
	}

	days := parseIntDefault(q.Get("days"), defaultDays)
	if days <= 0 {
		days = defaultDays
	}
	if days > maxWindowDays {
		days = maxWindowDays
	}
	backfill := parseIntDefault(q.Get("backfill"), defaultBackfill)
	if backfill < 0 {
		backfill = 0
	}
	// The relative window obeys the same span limit as from/to.
	if backfill > maxWindowDays-days {
		backfill = maxWindowDays - days
	}
	now := s.clock.Now().In(s.loc)
	return now.AddDate(0, 0, -backfill), now.AddDate(0, 0, days), true
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
