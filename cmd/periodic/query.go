package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"periodic/internal/conflict"
	"periodic/internal/ics"
	"periodic/internal/model"
	"periodic/internal/store"
)

// errMismatch is returned by check when the engine and the reference
// expansion disagree.
var errMismatch = errors.New("engine and reference expansion disagree")

type occurrenceRow struct {
	ID    string    `json:"id"`
	Name  string    `json:"name,omitempty"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type periodicityRow struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Timezone string    `json:"timezone"`
	Rule     string    `json:"rule,omitempty"`
	Active   bool      `json:"active"`
	Next     time.Time `json:"next,omitempty"`
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured periodicities and their next occurrence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := opts.periodicities()
			if err != nil {
				return err
			}
			loc, err := opts.location()
			if err != nil {
				return err
			}
			eng := opts.engine()
			now := time.Now()

			rows := make([]periodicityRow, 0, len(ps))
			for _, p := range ps {
				row := periodicityRow{ID: p.ID, Name: p.Name, Timezone: p.Loc().String(), Active: p.Active}
				if p.Rule != nil {
					row.Rule = ics.RuleToText(*p.Rule)
				}
				o, ok, err := eng.Next(p, now)
				if err != nil {
					return fmt.Errorf("%s: %w", p.ID, err)
				}
				if ok {
					row.Next = o.Start
				}
				rows = append(rows, row)
			}

			return opts.render(cmd.OutOrStdout(), rows, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tNAME\tRULE\tACTIVE\tNEXT")
				for _, r := range rows {
					rule := r.Rule
					if rule == "" {
						rule = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.ID, r.Name, rule, r.Active, formatTime(r.Next, loc))
				}
			})
		},
	}
}

func newNextCommand(opts *rootOptions) *cobra.Command {
	var (
		after string
		count int
	)
	cmd := &cobra.Command{
		Use:   "next <id>",
		Short: "Print the next occurrences of a periodicity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.lookup(args[0])
			if err != nil {
				return err
			}
			from, err := opts.timeFlag("after", after, time.Now())
			if err != nil {
				return err
			}
			occ, err := opts.engine().Generate(p, from, count)
			if err != nil {
				return err
			}
			return renderOccurrences(cmd, opts, occurrenceRows(p, occ))
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "reference time (default now); occurrences start strictly after it")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	return cmd
}

func newWindowCommand(opts *rootOptions) *cobra.Command {
	var (
		from, to string
		days     int
		id       string
	)
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Print occurrences starting in [from, to)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := opts.window(from, to, days)
			if err != nil {
				return err
			}
			var ps []model.Periodicity
			if id != "" {
				p, err := opts.lookup(id)
				if err != nil {
					return err
				}
				ps = []model.Periodicity{p}
			} else if ps, err = opts.periodicities(); err != nil {
				return err
			}

			eng := opts.engine()
			var rows []occurrenceRow
			for _, p := range ps {
				occ, err := eng.Window(p, start, end)
				if err != nil {
					return fmt.Errorf("%s: %w", p.ID, err)
				}
				rows = append(rows, occurrenceRows(p, occ)...)
			}
			sort.SliceStable(rows, func(i, j int) bool {
				if !rows[i].Start.Equal(rows[j].Start) {
					return rows[i].Start.Before(rows[j].Start)
				}
				return rows[i].ID < rows[j].ID
			})
			return renderOccurrences(cmd, opts, rows)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (default now)")
	cmd.Flags().StringVar(&to, "to", "", "window end (default from + days)")
	cmd.Flags().IntVar(&days, "days", 7, "window length when --to is not set")
	cmd.Flags().StringVar(&id, "id", "", "only this periodicity")
	return cmd
}

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	var (
		from, to string
		days     int
	)
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Report periodicities whose occurrences overlap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := opts.window(from, to, days)
			if err != nil {
				return err
			}
			ps, err := opts.periodicities()
			if err != nil {
				return err
			}
			loc, err := opts.location()
			if err != nil {
				return err
			}
			cs, err := conflict.Detect(opts.engine(), ps, start, end)
			if err != nil {
				return err
			}
			if cs == nil {
				cs = []conflict.Conflict{}
			}
			return opts.render(cmd.OutOrStdout(), cs, func(tw *tabwriter.Writer) {
				if len(cs) == 0 {
					fmt.Fprintln(tw, "no conflicts")
					return
				}
				fmt.Fprintln(tw, "A\tB\tOVERLAP START\tOVERLAP END")
				for _, c := range cs {
					ov := c.Overlap()
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.A, c.B, formatTime(ov.Start, loc), formatTime(ov.End, loc))
				}
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (default now)")
	cmd.Flags().StringVar(&to, "to", "", "window end (default from + days)")
	cmd.Flags().IntVar(&days, "days", 30, "window length when --to is not set")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		out  string
		name string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the configured periodicities as an iCalendar file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := opts.periodicities()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return ics.WriteICS(w, ps, ics.ExportConfig{Name: name})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file (- for stdout)")
	cmd.Flags().StringVar(&name, "name", "periodic", "calendar name")
	return cmd
}

type checkRow struct {
	ID        string      `json:"id"`
	OK        bool        `json:"ok"`
	Engine    int         `json:"engine"`
	Reference int         `json:"reference"`
	Missing   []time.Time `json:"missing,omitempty"`
	Extra     []time.Time `json:"extra,omitempty"`
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	var (
		from, to string
		days     int
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Cross-check engine expansion against rrule-go",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := opts.window(from, to, days)
			if err != nil {
				return err
			}
			ps, err := opts.periodicities()
			if err != nil {
				return err
			}
			eng := opts.engine()

			rows := make([]checkRow, 0, len(ps))
			failed := 0
			for _, p := range ps {
				res, err := ics.CrossCheck(eng, p, start, end)
				if err != nil {
					return fmt.Errorf("%s: %w", p.ID, err)
				}
				if !res.OK() {
					failed++
				}
				rows = append(rows, checkRow{
					ID:        p.ID,
					OK:        res.OK(),
					Engine:    res.Engine,
					Reference: res.Reference,
					Missing:   res.Missing,
					Extra:     res.Extra,
				})
			}

			if err := opts.render(cmd.OutOrStdout(), rows, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tOK\tENGINE\tREFERENCE\tMISSING\tEXTRA")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%d\n", r.ID, r.OK, r.Engine, r.Reference, len(r.Missing), len(r.Extra))
				}
			}); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d periodicities: %w", failed, len(ps), errMismatch)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (default now)")
	cmd.Flags().StringVar(&to, "to", "", "window end (default from + days)")
	cmd.Flags().IntVar(&days, "days", 365, "window length when --to is not set")
	return cmd
}

type fireRow struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	ScheduledAt time.Time `json:"scheduled_at"`
	FiredAt     time.Time `json:"fired_at"`
	Job         string    `json:"job"`
	Error       string    `json:"error,omitempty"`
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [key]",
		Short: "Show stored trigger state, or the fire log of one trigger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := store.Open(ctx, opts.cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			loc, err := opts.location()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				snaps, err := st.Snapshots(ctx)
				if err != nil {
					return err
				}
				type stateRow struct {
					Key   string    `json:"key"`
					State string    `json:"state"`
					Next  time.Time `json:"next,omitempty"`
					Prev  time.Time `json:"prev,omitempty"`
				}
				rows := make([]stateRow, 0, len(snaps))
				for _, s := range snaps {
					rows = append(rows, stateRow{Key: s.Key, State: s.State.String(), Next: s.Next, Prev: s.Prev})
				}
				return opts.render(cmd.OutOrStdout(), rows, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "KEY\tSTATE\tNEXT\tPREV")
					for _, r := range rows {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Key, r.State, formatTime(r.Next, loc), formatTime(r.Prev, loc))
					}
				})
			}

			fires, err := st.Fires(ctx, args[0], limit)
			if err != nil {
				return err
			}
			rows := make([]fireRow, 0, len(fires))
			for _, f := range fires {
				rows = append(rows, fireRow{ID: f.ID, Key: f.Key, ScheduledAt: f.ScheduledAt, FiredAt: f.FiredAt, Job: f.Job, Error: f.Error})
			}
			return opts.render(cmd.OutOrStdout(), rows, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "SCHEDULED\tFIRED\tJOB\tERROR")
				for _, r := range rows {
					errText := r.Error
					if errText == "" {
						errText = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(r.ScheduledAt, loc), formatTime(r.FiredAt, loc), r.Job, errText)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of fires to show")
	return cmd
}

// window resolves --from/--to/--days into [start, end).
func (o *rootOptions) window(from, to string, days int) (time.Time, time.Time, error) {
	start, err := o.timeFlag("from", from, time.Now())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if days <= 0 {
		days = 1
	}
	end, err := o.timeFlag("to", to, start.AddDate(0, 0, days))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("empty window: %s is not before %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

func occurrenceRows(p model.Periodicity, occ []model.Occurrence) []occurrenceRow {
	rows := make([]occurrenceRow, 0, len(occ))
	for _, o := range occ {
		rows = append(rows, occurrenceRow{ID: p.ID, Name: p.Name, Start: o.Start, End: o.End})
	}
	return rows
}

func renderOccurrences(cmd *cobra.Command, opts *rootOptions, rows []occurrenceRow) error {
	if rows == nil {
		rows = []occurrenceRow{}
	}
	loc, err := opts.location()
	if err != nil {
		return err
	}
	return opts.render(cmd.OutOrStdout(), rows, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tSTART\tEND")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, formatTime(r.Start, loc), formatTime(r.End, loc))
		}
	})
}
