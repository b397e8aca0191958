package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"periodic/internal/config"
	"periodic/internal/ics"
	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
	"periodic/internal/scheduler"
	"periodic/internal/store"
	"periodic/internal/web"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				opts.cfg.Listen = listen
			}
			return runDaemon(cmd.Context(), opts.configPath, opts.cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

// daemon keeps the scheduler and the API catalog in step with the config
// file and the subscribed feeds.
type daemon struct {
	mu      sync.Mutex
	cfg     *config.Config
	feeds   map[string][]model.Periodicity
	eng     *occurrence.Engine
	svc     *scheduler.Service
	catalog *web.Catalog
	fetcher *ics.Fetcher
}

func runDaemon(parent context.Context, configPath string, cfg *config.Config) error {
	appLog.Info("periodic starting",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"periodicities", len(cfg.Periodicities),
		"feeds", len(cfg.Feeds),
		"storage", cfg.Storage.Path,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("config timezone: %w", err)
	}

	st, err := store.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := &occurrence.Engine{ScanLimit: cfg.ScanLimit}
	svc := scheduler.New(scheduler.Config{
		Location:         loc,
		MisfireThreshold: cfg.Misfire(),
		SkipLimit:        cfg.SkipLimit,
		ScanLimit:        cfg.ScanLimit,
	}, scheduler.NewRegistry(), st)

	d := &daemon{
		cfg:     cfg,
		feeds:   map[string][]model.Periodicity{},
		eng:     eng,
		svc:     svc,
		catalog: web.NewCatalog(nil),
		fetcher: ics.NewFetcher(cfg.Storage.CacheDir, nil),
	}
	d.apply()

	for _, feed := range cfg.Feeds {
		feed := feed
		if feed.URL == "" {
			continue
		}
		if err := svc.AddCron("feed:"+feed.ID, feed.Refresh, func(ctx context.Context) error {
			return d.refreshFeed(ctx, feed)
		}); err != nil {
			appLog.Error("feed refresh not scheduled", err, "feed", feed.ID)
		}
	}

	svc.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		svc.Stop(stopCtx)
	}()

	// Initial feed fetch runs in the background so a slow feed does not
	// delay the API.
	go func() {
		if err := d.loadFeeds(ctx, cfg.Feeds); err != nil {
			appLog.Error("initial feed load incomplete", err)
		}
	}()

	go func() {
		if err := config.Watch(ctx, configPath, d.reload(configPath)); err != nil {
			appLog.Error("config watch stopped", err, "path", configPath)
		}
	}()

	srv := web.NewServer(cfg, d.catalog, web.Options{Engine: eng, Scheduler: svc})
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	appLog.Info("periodic exiting")
	return nil
}

// reload returns the config watch callback. Listen, storage and engine
// limits are read once at startup.
func (d *daemon) reload(path string) func(*config.Config) {
	return func(cfg *config.Config) {
		if cfg.AssignIDs() {
			if err := cfg.Save(path); err != nil {
				appLog.Error("failed to persist generated ids", err, "path", path)
			}
		}
		d.mu.Lock()
		if cfg.Listen != d.cfg.Listen || cfg.Storage != d.cfg.Storage {
			appLog.Info("listen and storage changes take effect after restart")
		}
		d.cfg = cfg
		d.mu.Unlock()
		d.apply()
	}
}

// loadFeeds fetches every feed in one pass and applies the result once.
// Feeds that fail to fetch or parse are reported in the error; the rest
// are still applied.
func (d *daemon) loadFeeds(ctx context.Context, feeds []config.FeedConfig) error {
	sources := make([]ics.Source, 0, len(feeds))
	for _, feed := range feeds {
		if feed.URL == "" {
			continue
		}
		sources = append(sources, ics.Source{ID: feed.ID, URL: feed.URL})
	}
	if len(sources) == 0 {
		return nil
	}

	results, fetchErr := d.fetcher.FetchAll(ctx, sources)
	errs := []error{fetchErr}
	importCfg := ics.ImportConfig{DefaultLocation: d.location()}
	for _, res := range results {
		ps, err := ics.ParseICS(res.Source, res.Body, importCfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", res.Source.ID, err))
			continue
		}
		d.setFeed(res.Source.ID, ps)
		appLog.Info("feed loaded", "feed", res.Source.ID, "periodicities", len(ps), "cached", res.FromCache)
	}
	d.apply()
	return errors.Join(errs...)
}

func (d *daemon) refreshFeed(ctx context.Context, feed config.FeedConfig) error {
	ps, err := d.fetcher.Import(ctx, ics.Source{ID: feed.ID, URL: feed.URL}, ics.ImportConfig{DefaultLocation: d.location()})
	if err != nil {
		return fmt.Errorf("feed %s: %w", feed.ID, err)
	}
	d.setFeed(feed.ID, ps)
	appLog.Info("feed refreshed", "feed", feed.ID, "periodicities", len(ps))
	d.apply()
	return nil
}

// setFeed stores the periodicities of one feed under feed-scoped ids.
func (d *daemon) setFeed(feedID string, ps []model.Periodicity) {
	for i := range ps {
		ps[i].ID = feedKey(feedID, ps[i].ID)
	}
	d.mu.Lock()
	d.feeds[feedID] = ps
	d.mu.Unlock()
}

func (d *daemon) location() *time.Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	loc, err := d.cfg.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

func feedKey(feedID, uid string) string {
	return "feed/" + feedID + "/" + uid
}

// apply rebuilds periodicities, calendar and scheduler definitions from the
// current config and feed contents.
func (d *daemon) apply() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ps, err := d.cfg.BuildPeriodicities()
	if err != nil {
		appLog.Error("invalid periodicities skipped", err)
	}
	cal, err := d.cfg.Calendar(ps, d.eng)
	if err != nil {
		appLog.Error("calendar not applied", err)
		cal = nil
	}

	jobs := make(map[string]config.JobConfig, len(d.cfg.Periodicities))
	for _, def := range d.cfg.Periodicities {
		jobs[def.ID] = def.Job
	}

	defs := make([]scheduler.Definition, 0, len(ps))
	for _, p := range ps {
		if d.cfg.IsBlackout(p.ID) {
			continue
		}
		spec, err := jobSpec(jobs[p.ID])
		if err != nil {
			appLog.Error("invalid job", err, "id", p.ID)
			continue
		}
		defs = append(defs, scheduler.Definition{Key: p.ID, Periodicity: p, Job: spec})
	}

	feedIDs := make([]string, 0, len(d.feeds))
	for id := range d.feeds {
		feedIDs = append(feedIDs, id)
	}
	sort.Strings(feedIDs)
	all := append([]model.Periodicity(nil), ps...)
	for _, id := range feedIDs {
		for _, p := range d.feeds[id] {
			all = append(all, p)
			defs = append(defs, scheduler.Definition{Key: p.ID, Periodicity: p})
		}
	}

	d.svc.SetCalendar(cal)
	if err := d.svc.Apply(defs); err != nil {
		appLog.Error("some definitions were not scheduled", err)
	}
	d.catalog.Set(all)
}

func jobSpec(jc config.JobConfig) (scheduler.JobSpec, error) {
	spec := scheduler.JobSpec{Type: jc.Type, Command: jc.Command}
	if jc.Timeout != "" {
		t, err := time.ParseDuration(jc.Timeout)
		if err != nil {
			return scheduler.JobSpec{}, fmt.Errorf("job timeout: %w", err)
		}
		spec.Timeout = t
	}
	return spec, nil
}
