package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"boostd/internal/app"
	logx "boostd/pkg/logx"
)

const stopTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "boostd",
		Short:         "Persistent periodic boost timer daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./boostd.yaml", "config file (json or yaml)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newStatusCmd(&cfgPath),
		newReconcileCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), *cfgPath)
		},
	}
}

func runDaemon(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
		defer stop()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func newStatusCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted timers and pending wakes (reads storage directly)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			st, err := app.ReadState(cmd.Context(), cfg, logx.NewConsole("ERROR"))
			if err != nil {
				return err
			}
			if asJSON {
				return writeStatusJSON(cmd.OutOrStdout(), st)
			}
			return renderStatus(cmd.OutOrStdout(), st, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newReconcileCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one recovery pass over persisted state and exit (daemon must be stopped)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			rep, err := app.Reconcile(cmd.Context(), cfg, logx.NewConsole(cfg.Logging.Level))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

type statusRow struct {
	Entity    string    `json:"entity"`
	State     string    `json:"state"`
	Interval  string    `json:"interval"`
	NextFire  time.Time `json:"next_fire,omitempty"`
	Remaining string    `json:"remaining,omitempty"`
	Retries   int       `json:"retries"`
	Circuit   string    `json:"circuit"`
	Wake      bool      `json:"wake_pending"`
	LastError string    `json:"last_error,omitempty"`
}

func statusRows(st app.PersistedState) []statusRow {
	pending := make(map[string]bool, len(st.Wakes))
	for _, w := range st.Wakes {
		pending[string(w.Handle)] = true
	}

	rows := make([]statusRow, 0, len(st.Snapshot.Records))
	for id, rec := range st.Snapshot.Records {
		row := statusRow{
			Entity:    string(id),
			State:     "active",
			Interval:  rec.Interval.String(),
			Retries:   rec.RetryCount,
			Circuit:   rec.Circuit.String(),
			Wake:      rec.WakeHandle != "" && pending[string(rec.WakeHandle)],
			LastError: rec.LastError,
		}
		if rec.Paused {
			row.State = "paused"
			row.Remaining = rec.Remaining.String()
		} else {
			row.NextFire = rec.NextFireTime
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Entity < rows[j].Entity })
	return rows
}

func renderStatus(w io.Writer, st app.PersistedState, now time.Time) error {
	if !st.SnapshotFound {
		fmt.Fprintln(w, "no snapshot persisted yet")
	} else {
		fmt.Fprintf(w, "snapshot saved %s, %d timers, %d pending wakes\n",
			humanize.RelTime(st.Snapshot.SavedAt, now, "ago", "from now"),
			len(st.Snapshot.Records), len(st.Wakes))
	}
	rows := statusRows(st)
	if len(rows) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATE\tINTERVAL\tNEXT\tRETRIES\tCIRCUIT\tWAKE\tLAST ERROR")
	for _, r := range rows {
		next := r.Remaining + " left"
		if r.State == "active" {
			next = humanize.RelTime(r.NextFire, now, "ago", "from now")
		}
		wake := "yes"
		if !r.Wake {
			wake = "missing"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Entity, r.State, r.Interval, next, r.Retries, r.Circuit, wake, r.LastError)
	}
	return tw.Flush()
}

func writeStatusJSON(w io.Writer, st app.PersistedState) error {
	out := struct {
		SnapshotFound bool        `json:"snapshot_found"`
		SavedAt       time.Time   `json:"saved_at,omitempty"`
		PendingWakes  int         `json:"pending_wakes"`
		Timers        []statusRow `json:"timers"`
	}{
		SnapshotFound: st.SnapshotFound,
		SavedAt:       st.Snapshot.SavedAt,
		PendingWakes:  len(st.Wakes),
		Timers:        statusRows(st),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
