package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/miszen/internal/config"
	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/store"
)

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Database    string
	Correlation string
	Statuses    []string
	Limit       int
	Attempts    bool
	Stats       bool
}

// RecordView is one execution record with its attempts, if requested.
type RecordView struct {
	coordinator.Record
	AttemptLog []coordinator.Attempt `json:"attempt_log,omitempty"`
}

// RecordsResult is the JSON payload of records.
type RecordsResult struct {
	Records []RecordView         `json:"records,omitempty"`
	Stats   []store.CommandStats `json:"stats,omitempty"`
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect execution records",
		Long: `List execution records stored by serve.

Records are ordered by their logical sequence. Filter by correlation id or
status, or print per-command statistics with --stats.

Examples:
  miszen records --db ./data/miszen.db --correlation 0192...
  miszen records --status failed --attempts
  miszen records --stats --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database path (default MISZEN_DB)")
	cmd.Flags().StringVar(&opts.Correlation, "correlation", "", "only records of this correlation id")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only records in these statuses (pending, retrying, succeeded, failed, cancelled)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")
	cmd.Flags().BoolVar(&opts.Attempts, "attempts", false, "include each record's attempts")
	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "print per-command statistics instead of records")

	return cmd
}

func runRecords(opts *RecordsOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	path := opts.Database
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		path = cfg.DBPath
	}
	// Never create a database just to report that it is empty.
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", path), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}

	statuses := make([]coordinator.Status, 0, len(opts.Statuses))
	for _, s := range opts.Statuses {
		st := coordinator.Status(s)
		if !validStatus(st) {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", s))
		}
		statuses = append(statuses, st)
	}

	st, err := store.Open(path)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.Stats {
		stats, err := st.Stats(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read stats", err)
		}
		if formatter.Format == "json" {
			return formatter.Success(RecordsResult{Stats: stats})
		}
		printStats(formatter.Writer, stats)
		return nil
	}

	var records []coordinator.Record
	if opts.Correlation != "" {
		records, err = st.ReadCorrelation(ctx, opts.Correlation)
		records = filterRecords(records, statuses, opts.Limit)
	} else {
		records, err = st.ListByStatus(ctx, opts.Limit, statuses...)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read records", err)
	}

	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		v := RecordView{Record: rec}
		if opts.Attempts {
			if v.AttemptLog, err = st.ReadAttempts(ctx, rec.ID); err != nil {
				return WrapExitError(ExitCommandError, "failed to read attempts", err)
			}
		}
		views = append(views, v)
	}

	if formatter.Format == "json" {
		return formatter.Success(RecordsResult{Records: views})
	}
	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No records found")
		return nil
	}
	printRecords(formatter.Writer, views)
	return nil
}

func validStatus(s coordinator.Status) bool {
	switch s {
	case coordinator.StatusPending, coordinator.StatusRetrying,
		coordinator.StatusSucceeded, coordinator.StatusFailed, coordinator.StatusCancelled:
		return true
	}
	return false
}

func filterRecords(records []coordinator.Record, statuses []coordinator.Status, limit int) []coordinator.Record {
	out := records[:0]
	for _, rec := range records {
		if len(statuses) > 0 && !slices.Contains(statuses, rec.Status) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func printRecords(w io.Writer, views []RecordView) {
	for _, v := range views {
		fmt.Fprintf(w, "[%d] %s %s %s attempts=%d\n",
			v.Seq, truncateID(v.ID), v.Key, v.Status, v.Attempts)
		if v.Kind != "" {
			fmt.Fprintf(w, "       Event: %s (%s)\n", truncateID(v.EventID), v.Kind)
		}
		if v.LastError != "" {
			fmt.Fprintf(w, "       Error: %s\n", v.LastError)
		}
		for _, a := range v.AttemptLog {
			outcome := "ok"
			if a.Error != "" {
				outcome = a.Error
			}
			fmt.Fprintf(w, "       #%d %s %s\n", a.Number, a.Duration.Round(time.Millisecond), outcome)
		}
	}
}

func printStats(w io.Writer, stats []store.CommandStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No records found")
		return
	}
	fmt.Fprintln(w, "Command Stats:")
	for _, s := range stats {
		fmt.Fprintf(w, "  %s\n", s.CommandID)
		fmt.Fprintf(w, "    Total:        %d\n", s.Total)
		fmt.Fprintf(w, "    Succeeded:    %d\n", s.Succeeded)
		fmt.Fprintf(w, "    Failed:       %d\n", s.Failed)
		fmt.Fprintf(w, "    Cancelled:    %d\n", s.Cancelled)
		if s.InFlight > 0 {
			fmt.Fprintf(w, "    In flight:    %d\n", s.InFlight)
		}
		fmt.Fprintf(w, "    Success rate: %.1f%%\n", s.SuccessRate()*100)
		fmt.Fprintf(w, "    Avg attempt:  %s\n", s.AvgDuration.Round(time.Millisecond))
	}
}
