package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/me/provsched/internal/config"
	"github.com/me/provsched/internal/executor"
	"github.com/me/provsched/internal/logging"
	"github.com/me/provsched/internal/schedule"
	"github.com/me/provsched/internal/scheduler"
	"github.com/me/provsched/internal/store"
	"github.com/me/provsched/pkg/model"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cfg := config.DefaultRunConfig()
	var noPersist bool
	var teardown string

	cmd := &cobra.Command{
		Use:   "run <schedule-file>",
		Short: "Run a schedule locally and print the report",
		Long: `Loads a YAML schedule, validates it and runs it from its entry jobs.
The run report is stored in the local database unless --no-persist is given.
SIGINT/SIGTERM stop new jobs; running attempts finish and failed jobs are
still cleaned up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noPersist {
				cfg.DBPath = ""
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSchedule(ctx, cmd.OutOrStdout(), args[0], cfg, teardown)
		},
	}

	cmd.Flags().StringSliceVar(&cfg.Entry, "entry", nil, "Entry jobs (default: the schedule's entry)")
	cmd.Flags().IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "Maximum concurrent jobs (0 = unbounded)")
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false, "Validate and print the dependency order without running")
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "Run database path (or "+config.EnvDB+" env)")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "Do not record the run in the database")
	cmd.Flags().StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "Root directory for per-job work directories")
	cmd.Flags().StringVar(&teardown, "teardown", "", "Shell command used to tear down failed jobs that define no teardown")
	cmd.Flags().DurationVar(&cfg.TeardownTimeout, "teardown-timeout", 0, "Maximum time one teardown may run (0 = 10m)")

	return cmd
}

// runSchedule loads, validates and runs the schedule at path.
func runSchedule(ctx context.Context, out io.Writer, path string, cfg config.RunConfig, teardown string) error {
	src, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	loader := schedule.NewLoader(cfg.WorkDir, logger)
	plan, err := loader.LoadFile(src)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	entry := plan.Entry
	if len(cfg.Entry) > 0 {
		entry = cfg.Entry
	}
	for _, name := range entry {
		if !plan.Registry.Has(name) {
			return &model.UnknownJobError{Job: name}
		}
	}

	if cfg.DryRun {
		printPlan(out, plan, entry)
		return nil
	}

	var st store.Store
	if cfg.DBPath != "" {
		sqlite, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		st = sqlite
	}

	runID := "run_" + uuid.New().String()
	runLogger := logging.ForRun(logger, runID, plan.Name)

	var fallback executor.Teardowner
	if teardown != "" {
		fallback = executor.NewShellExecutor(executor.ShellSpec{Teardown: teardown}, cfg.WorkDir, runLogger)
	}
	engine := scheduler.NewEngine(plan.Table,
		scheduler.NewController(fallback, runLogger, scheduler.WithTeardownTimeout(cfg.TeardownTimeout)),
		scheduler.Config{MaxParallel: cfg.MaxParallel},
		runLogger,
	)

	header := &model.Report{
		ID:        runID,
		Name:      plan.Name,
		Source:    src,
		Status:    model.RunStatusRunning,
		Entry:     entry,
		StartedAt: timeNow(),
	}
	if st != nil {
		if err := st.CreateRun(ctx, header); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}

	report, err := engine.Run(ctx, entry)
	if err != nil {
		if st != nil {
			abandonRun(ctx, st, header, runLogger)
		}
		return fmt.Errorf("run %s: %w", runID, err)
	}
	report.ID = runID
	report.Name = plan.Name
	report.Source = src

	if st != nil {
		// The run context may already be cancelled; the report must still be saved.
		if err := st.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			runLogger.Error("save report", "error", err)
		}
	}

	printReport(out, report)
	if report.Status != model.RunStatusCompleted {
		return fmt.Errorf("run %s finished %s", runID, report.Status)
	}
	return nil
}

// abandonRun marks a recorded run that produced no report as FAILED so its
// row does not stay RUNNING.
func abandonRun(ctx context.Context, st store.Store, header *model.Report, logger *slog.Logger) {
	now := timeNow()
	header.Status = model.RunStatusFailed
	header.CompletedAt = &now
	header.Elapsed = now.Sub(header.StartedAt)
	if err := st.SaveReport(context.WithoutCancel(ctx), header); err != nil {
		logger.Error("save report", "error", err)
	}
}

// openStore opens and migrates the run database, creating its directory.
func openStore(ctx context.Context, dbPath string) (*store.SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}
