package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	appLog "periodic/internal/log"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// JobConfig selects what runs when a periodicity fires.
type JobConfig struct {
	// Type is a registered job type: "log" (default) or "exec".
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
	// Command is the argv of an exec job.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	// Timeout bounds one run (Go duration, e.g. "30s"). Empty means none.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Definition is one configured periodicity.
//
// Times are "2006-01-02T15:04[:05]" wall clock in Timezone, RFC 3339 with an
// explicit offset, or a bare "2006-01-02" date (midnight).
type Definition struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	Start string `yaml:"start" json:"start"`
	// End or Duration closes the base interval. A date-only Start with
	// neither lasts one day.
	End      string `yaml:"end,omitempty" json:"end,omitempty"`
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`
	// Timezone overrides the global timezone for this periodicity.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// Rule and ExRule are RRULE values, e.g. "FREQ=WEEKLY;BYDAY=MO,WE".
	Rule    string   `yaml:"rule,omitempty" json:"rule,omitempty"`
	ExRule  string   `yaml:"exrule,omitempty" json:"exrule,omitempty"`
	ExDates []string `yaml:"exdates,omitempty" json:"exdates,omitempty"`
	RDates  []string `yaml:"rdates,omitempty" json:"rdates,omitempty"`

	// Active defaults to true.
	Active *bool     `yaml:"active,omitempty" json:"active,omitempty"`
	Job    JobConfig `yaml:"job,omitempty" json:"job,omitempty"`
}

// FeedConfig describes a single ICS subscription source.
type FeedConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Refresh is a cron spec; empty uses the global refresh.
	Refresh string `yaml:"refresh,omitempty" json:"refresh,omitempty"`
}

// StorageConfig locates on-disk state.
type StorageConfig struct {
	// Path of the SQLite database holding trigger state.
	Path string `yaml:"path" json:"path"`
	// CacheDir holds downloaded feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone definitions without their own zone use.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is the WKST of rules that do not name one. Supported
	// values:
	//   - "monday" (default)
	//   - "sunday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// LogLevel is "debug", "info" or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ScanLimit caps candidate periods per query. Values below 1 use the
	// default.
	ScanLimit int `yaml:"scan_limit" json:"scan_limit"`
	// SkipLimit caps consecutive calendar-excluded fire times. 0 means
	// unlimited.
	SkipLimit int `yaml:"skip_limit" json:"skip_limit"`
	// MisfireThreshold is how late a fire may run (Go duration).
	MisfireThreshold string `yaml:"misfire_threshold" json:"misfire_threshold"`

	// RefreshCron is the default cron spec of feed refreshes.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Holidays are dates ("2006-01-02") on which nothing fires.
	Holidays []string `yaml:"holidays,omitempty" json:"holidays,omitempty"`
	// ExcludedWeekdays are weekday names on which nothing fires.
	ExcludedWeekdays []string `yaml:"excluded_weekdays,omitempty" json:"excluded_weekdays,omitempty"`
	// Blackouts are ids of periodicities whose occurrences block firing.
	// They are not scheduled themselves.
	Blackouts []string `yaml:"blackouts,omitempty" json:"blackouts,omitempty"`

	Periodicities []Definition `yaml:"periodicities" json:"periodicities"`
	Feeds         []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "UTC"
	defaultMisfire     = "1m"
	defaultScanLimit   = 100000
	defaultRefreshCron = "*/15 * * * *"
	defaultStoragePath = "/var/lib/periodic/periodic.db"
	defaultCacheDir    = "/var/lib/periodic/feeds"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           defaultListen,
		Timezone:         defaultTimezone,
		WeekStart:        "monday",
		LogLevel:         "info",
		ScanLimit:        defaultScanLimit,
		MisfireThreshold: defaultMisfire,
		RefreshCron:      defaultRefreshCron,
		Storage: StorageConfig{
			Path:     defaultStoragePath,
			CacheDir: defaultCacheDir,
		},
		Periodicities: []Definition{},
		Feeds:         []FeedConfig{},
		BasicAuth:     nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.WeekStart) {
	case "monday", "sunday":
		c.WeekStart = strings.ToLower(c.WeekStart)
	default:
		// Unknown value; fall back to monday.
		c.WeekStart = "monday"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = defaultScanLimit
	}
	if c.SkipLimit < 0 {
		c.SkipLimit = 0
	}
	if d, err := time.ParseDuration(c.MisfireThreshold); err != nil || d < 0 {
		c.MisfireThreshold = defaultMisfire
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = defaultCacheDir
	}
	if c.Periodicities == nil {
		c.Periodicities = []Definition{}
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		if c.Feeds[i].Refresh == "" {
			c.Feeds[i].Refresh = c.RefreshCron
		}
	}
}

// AssignIDs gives every definition and feed without an id a random one.
// It reports whether anything changed.
func (c *Config) AssignIDs() bool {
	changed := false
	for i := range c.Periodicities {
		if strings.TrimSpace(c.Periodicities[i].ID) == "" {
			c.Periodicities[i].ID = uuid.NewString()
			changed = true
		}
	}
	for i := range c.Feeds {
		if strings.TrimSpace(c.Feeds[i].ID) == "" {
			c.Feeds[i].ID = uuid.NewString()
			changed = true
		}
	}
	return changed
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// WeekStartDay is the weekday form of WeekStart.
func (c *Config) WeekStartDay() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// Misfire is the parsed MisfireThreshold.
func (c *Config) Misfire() time.Duration {
	d, err := time.ParseDuration(c.MisfireThreshold)
	if err != nil || d < 0 {
		d, _ = time.ParseDuration(defaultMisfire)
	}
	return d
}

// Parse reads and normalizes the YAML file at path. Unlike Load it never
// creates the file.
func Parse(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - write generated ids back so they stay stable across restarts
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if cfg.AssignIDs() {
		if err := Save(path, cfg); err != nil {
			appLog.Error("failed to persist generated ids", err, "path", path)
		}
	}
	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".periodic-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
