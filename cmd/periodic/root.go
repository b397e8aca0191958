package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"periodic/internal/config"
	appLog "periodic/internal/log"
	"periodic/internal/model"
	"periodic/internal/occurrence"
)

const defaultConfigPath = "/etc/periodic/config.yaml"

// rootOptions holds global flags and the config loaded for every command.
type rootOptions struct {
	configPath string
	format     string // "text" | "json"
	verbose    bool

	cfg *config.Config
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "periodic",
		Short:         "Recurring event engine and scheduler",
		Long:          "Expands RRULE-style periodicities into occurrences, reports conflicts and fires jobs on schedule.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", opts.configPath, err)
			}
			opts.cfg = cfg

			level := appLog.ParseLevel(cfg.LogLevel)
			if opts.verbose {
				level = appLog.LevelDebug
			}
			appLog.SetLevel(level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newNextCommand(opts))
	cmd.AddCommand(newWindowCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newRunCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *rootOptions) engine() *occurrence.Engine {
	return &occurrence.Engine{ScanLimit: o.cfg.ScanLimit}
}

func (o *rootOptions) location() (*time.Location, error) {
	loc, err := o.cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("config timezone: %w", err)
	}
	return loc, nil
}

// periodicities builds the configured periodicities. Invalid definitions
// are logged and left out.
func (o *rootOptions) periodicities() ([]model.Periodicity, error) {
	ps, err := o.cfg.BuildPeriodicities()
	if err != nil {
		if ps == nil {
			return nil, err
		}
		appLog.Error("invalid periodicities skipped", err)
	}
	return ps, nil
}

func (o *rootOptions) lookup(id string) (model.Periodicity, error) {
	ps, err := o.periodicities()
	if err != nil {
		return model.Periodicity{}, err
	}
	for _, p := range ps {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Periodicity{}, fmt.Errorf("no periodicity %q", id)
}

// timeFlag parses an optional time flag, defaulting to def.
func (o *rootOptions) timeFlag(name, value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	loc, err := o.location()
	if err != nil {
		return time.Time{}, err
	}
	t, err := config.ParseTime(value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// render writes v as JSON, or calls text with a tab-aligned writer.
func (o *rootOptions) render(w io.Writer, v any, text func(tw *tabwriter.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}
