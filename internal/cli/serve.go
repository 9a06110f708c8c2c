package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/miszen/internal/config"
	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/engine"
	"github.com/roach88/miszen/internal/executor"
	"github.com/roach88/miszen/internal/mapping"
	"github.com/roach88/miszen/internal/router"
	"github.com/roach88/miszen/internal/source"
	"github.com/roach88/miszen/internal/store"
	"github.com/roach88/miszen/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	EnvFiles []string
	Mapping  string
	Database string
	NoStore  bool
	Stdin    bool
	Watch    []string
	DryRun   bool
	NoReload bool
	Grace    time.Duration
}

// ServeSummary is printed when serve exits.
type ServeSummary struct {
	Engine    engine.Stats `json:"engine"`
	Succeeded int64        `json:"succeeded"`
	Failed    int64        `json:"failed"`
	Cancelled int64        `json:"cancelled"`
}

func (s ServeSummary) String() string {
	return fmt.Sprintf("events: %d received, %d routed, %d unmatched, %d duplicate\nexecutions: %d succeeded, %d failed, %d cancelled",
		s.Engine.Received, s.Engine.Routed, s.Engine.Misses, s.Engine.Duplicates,
		s.Succeeded, s.Failed, s.Cancelled)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Route events to commands until stopped",
		Long: `Start the routing engine.

Events are read from stdin as JSON lines (--stdin) and/or produced by
watching directories for file changes (--watch). Each routed command is run
by the program in MISZEN_EXECUTOR, or only logged when none is set or
--dry-run is given. Execution records go to the SQLite database in
MISZEN_DB unless --no-store is set.

The mapping file is reloaded when it changes; a rejected reload keeps the
previous table. SIGINT or SIGTERM stops intake, waits up to --grace for
in-flight commands and cancels the rest.

With only --stdin, serve exits once stdin is exhausted and every routed
command has finished.

Example:
  tail -f events.jsonl | miszen serve --stdin
  miszen serve --watch ./src --db ./data/miszen.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv file(s) to load (default ./.env if present)")
	cmd.Flags().StringVar(&opts.Mapping, "mapping", "", "mapping file (overrides EVENT_MAPPING_CONFIG)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database path (overrides MISZEN_DB)")
	cmd.Flags().BoolVar(&opts.NoStore, "no-store", false, "do not persist execution records")
	cmd.Flags().BoolVar(&opts.Stdin, "stdin", false, "read JSON-lines events from stdin")
	cmd.Flags().StringArrayVar(&opts.Watch, "watch", nil, "directory to watch for file events (repeatable)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log commands instead of running them")
	cmd.Flags().BoolVar(&opts.NoReload, "no-reload", false, "do not reload the mapping file on change")
	cmd.Flags().DurationVar(&opts.Grace, "grace", 30*time.Second, "how long to wait for in-flight commands on shutdown")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if !opts.Stdin && len(opts.Watch) == 0 {
		return NewExitError(ExitCommandError, "no event source: use --stdin and/or --watch")
	}

	cfg, err := config.Load(opts.EnvFiles...)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Mapping != "" {
		cfg.MappingPath = opts.Mapping
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}

	level := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(cmd.ErrOrStderr(), level, opts.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		return WrapExitError(ExitCommandError, "failed to create directories", err)
	}

	// Setup signal handling for graceful shutdown.
	// Use command's context if available (for testing), otherwise create one.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:  cfg.OTelEnabled,
		Endpoint: cfg.OTelEndpoint,
		Version:  Version,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	var loadOpts []mapping.LoadOption
	if !cfg.StrictConditions {
		loadOpts = append(loadOpts, mapping.WithLenientConditions())
	}
	table, usedDefault, err := mapping.LoadOrDefault(cfg.MappingPath, loadOpts...)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), errorDetails(err))
		return WrapExitError(ExitCommandError, "mapping rejected", err)
	}
	if usedDefault {
		logger.Warn("mapping file not found, using built-in table", "path", cfg.MappingPath)
	} else {
		logger.Info("mapping loaded", "path", cfg.MappingPath, "rules", table.Len())
	}

	coordOpts := []coordinator.Option{
		coordinator.WithPolicy(cfg.Policy()),
		coordinator.WithLogger(logger),
	}

	if !opts.NoStore {
		st, clk, err := openStore(ctx, cfg.DBPath, logger)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		coordOpts = append(coordOpts, coordinator.WithRecorder(st), coordinator.WithClock(clk))
	}

	var succeeded, failed, cancelled atomic.Int64
	coordOpts = append(coordOpts, coordinator.WithTerminalHook(func(rec coordinator.Record, _ error) {
		switch rec.Status {
		case coordinator.StatusSucceeded:
			succeeded.Add(1)
		case coordinator.StatusFailed:
			failed.Add(1)
		case coordinator.StatusCancelled:
			cancelled.Add(1)
		}
	}))

	coord := coordinator.New(newExecutor(cfg, opts.DryRun, logger), coordOpts...)
	rt := router.New(table, logger)
	if flags := cfg.RoutingFlags(); len(flags.DisabledKinds) > 0 {
		rt.SetFlags(flags)
		logger.Info("routing disabled for kinds", "kinds", flags.DisabledKinds, "flags_version", flags.Version)
	}
	eng, err := engine.New(rt, coord,
		engine.WithDedupSize(cfg.DedupSize),
		engine.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer stopRun()
		if err := eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})

	var sources []source.Source
	if opts.Stdin {
		sources = append(sources, source.NewLines(cmd.InOrStdin(), "stdin", logger))
	}
	for _, dir := range opts.Watch {
		sources = append(sources, source.NewWatcher(dir, logger))
	}
	g.Go(func() error {
		sg, sctx := errgroup.WithContext(gctx)
		for _, src := range sources {
			sg.Go(func() error { return src.Run(sctx, eng) })
		}
		err := sg.Wait()
		// Every source has ended: let the engine drain and return.
		eng.Stop()
		return err
	})

	if !usedDefault && !opts.NoReload {
		w := mapping.NewWatcher(cfg.MappingPath, table, func(t *mapping.Table) {
			rt.Swap(t)
		}, logger, loadOpts...)
		g.Go(func() error { return w.Run(gctx) })
	}

	logger.Info("miszen serving",
		"sources", len(sources),
		"db", storeLabel(opts.NoStore, cfg.DBPath),
		"dry_run", opts.DryRun || cfg.ExecutorPath == "",
	)
	runErr := g.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), opts.Grace)
	defer cancelShutdown()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight commands cancelled at shutdown", "error", err)
	}

	summary := ServeSummary{
		Engine:    eng.Stats(),
		Succeeded: succeeded.Load(),
		Failed:    failed.Load(),
		Cancelled: cancelled.Load(),
	}
	logger.Info("engine stopped gracefully",
		"received", summary.Engine.Received,
		"routed", summary.Engine.Routed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)

	if runErr != nil {
		return WrapExitError(ExitFailure, "serve error", runErr)
	}
	return formatter.Success(summary)
}

// openStore opens the database, cancels rows left in flight by a previous
// process and returns a clock that continues after the stored sequence.
func openStore(ctx context.Context, path string, logger *slog.Logger) (*store.Store, *coordinator.Clock, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	seq, err := st.MaxSeq(ctx)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	clk := coordinator.NewClockAt(seq)
	n, err := st.AbandonInFlight(ctx, clk.Next(), time.Now())
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if n > 0 {
		logger.Warn("cancelled executions left in flight by a previous run", "count", n)
	}
	logger.Info("database ready", "path", path, "seq", clk.Current())
	return st, clk, nil
}

func newExecutor(cfg *config.Config, dryRun bool, logger *slog.Logger) executor.Executor {
	if dryRun || cfg.ExecutorPath == "" {
		return executor.LogExecutor{Logger: logger}
	}
	return &executor.ProcessExecutor{
		Path:               cfg.ExecutorPath,
		Args:               cfg.ExecutorArgs,
		Env:                []string{"MISZEN_ENDPOINT=" + cfg.Endpoint()},
		PermanentExitCodes: cfg.ExecutorPermanentCodes,
	}
}

func storeLabel(disabled bool, path string) string {
	if disabled {
		return "(disabled)"
	}
	return path
}
