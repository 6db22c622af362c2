package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/cliutil"
	"github.com/steroids-run/steroids/internal/config"
	"github.com/steroids-run/steroids/internal/coordinator"
	"github.com/steroids-run/steroids/internal/daemon"
	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/logging"
	"github.com/steroids-run/steroids/internal/orchestrator"
	"github.com/steroids-run/steroids/internal/providers"
	"github.com/steroids-run/steroids/internal/recovery"
	"github.com/steroids-run/steroids/internal/selector"
	"github.com/steroids-run/steroids/internal/store/globaldb"
	"github.com/steroids-run/steroids/internal/supervisor"
	"github.com/steroids-run/steroids/internal/types"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "run",
	Short:   "Start a runner loop against this project's task queue",
	Long: `run drives the orchestrator loop: select a task, lease it,
invoke the coder, move it to review, invoke the reviewer, record the
outcome, release the lease — repeating until the queue is empty or the
process is interrupted. A credit exhaustion pause holds the loop until the
configured provider or model changes, then work resumes. A periodic
sanitizer sweep and the stuck-task detector run alongside it on the same
process.`,
	Run: func(cmd *cobra.Command, args []string) {
		once, _ := cmd.Flags().GetBool("once")
		runnerID, _ := cmd.Flags().GetString("runner-id")
		if runnerID == "" {
			runnerID = uuid.NewString()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runLoop(ctx, runnerID, once); err != nil {
			cliutil.Fatal(jsonOutput, err)
		}
	},
}

func init() {
	runCmd.Flags().Bool("once", false, "process at most one task then exit, failing immediately on credit exhaustion instead of pausing")
	runCmd.Flags().String("runner-id", "", "stable identity for this runner (default: a generated UUID)")
	rootCmd.AddCommand(runCmd)
}

func runLoop(ctx context.Context, runnerID string, once bool) error {
	e, err := openProject(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.store.Close() }()

	global, err := openGlobal(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = global.Close() }()

	log, closeLog, err := logging.New(logging.Options{Dir: e.steroidsDir, RunnerID: runnerID, JSON: jsonOutput, Stderr: jsonOutput})
	if err != nil {
		return fmt.Errorf("open runner log: %w", err)
	}
	defer func() { _ = closeLog() }()

	if err := global.RegisterProject(ctx, e.projectPath, filepath.Base(e.projectPath)); err != nil {
		log.Warn("register project failed", "project", e.projectPath, "error", err)
	}

	if err := global.RegisterRunner(ctx, &types.Runner{
		ID: runnerID, Status: types.RunnerRunning, OSProcessID: os.Getpid(), ProjectPath: e.projectPath,
	}); err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	defer func() {
		_ = global.MarkRunnerStopped(ctx, runnerID)
		if counts, err := e.store.CountTasksByStatus(ctx, nil); err == nil {
			_ = global.UpdateProjectStats(ctx, e.projectPath, counts.Completed, counts.Failed, counts.Pending)
		}
	}()

	if home, err := globaldb.DefaultHome(); err == nil {
		if reg, err := daemon.NewRegistry(home); err == nil {
			_ = reg.Register(daemon.Entry{RunnerID: runnerID, ProjectPath: e.projectPath, PID: os.Getpid(), StartedAt: time.Now()})
			defer func() { _ = reg.Unregister(runnerID) }()
		}
	}

	locks := locking.New(e.store, log)
	sel := selector.New(e.store, locks)
	registry := providers.NewRegistryWithTemplates(e.steroidsDir)
	sup := supervisor.New(e.store, registry, e.steroidsDir)
	dispatcher := hooks.NewRunnerFromProject(e.steroidsDir)

	coord := newCoordinatorOrNil(e.cfg, log)

	recCfg := recovery.Config{
		OrphanedTaskTimeout:            e.cfg.Health.OrphanedTaskTimeout.Std(),
		InvocationStaleness:            e.cfg.Health.InvocationStaleness.Std(),
		RunnerHeartbeatTimeout:         e.cfg.Health.RunnerHeartbeatTimeout.Std(),
		MaxCoderDuration:               e.cfg.Health.MaxCoderDuration.Std(),
		MaxReviewerDuration:            e.cfg.Health.MaxReviewerDuration.Std(),
		MaxRecoveryAttempts:            e.cfg.Health.MaxRecoveryAttempts,
		MaxIncidentsPerHour:            e.cfg.Health.MaxIncidentsPerHour,
		DBInconsistencyRecentUpdateSec: e.cfg.Health.DBInconsistencyRecentUpdateSec,
	}
	recEngine := recovery.New(e.store, global, locks, e.projectPath, recCfg, nil, nil, log)

	stopHealth := startHealthLoop(ctx, recEngine, e, log)
	defer stopHealth()

	loop := orchestrator.New(e.store, global, locks, sel, sup, coord, dispatcher, func() (*config.Config, error) {
		return e.loader.Load()
	}, orchestrator.Config{
		RunnerID:                   runnerID,
		ProjectPath:                e.projectPath,
		SteroidsDir:                e.steroidsDir,
		PollInterval:               e.cfg.Locking.PollInterval.Std(),
		TaskLeaseTimeout:           e.cfg.Locking.TaskTimeout.Std(),
		HeartbeatInterval:          e.cfg.Runners.HeartbeatInterval.Std(),
		InvocationTimeout:          e.cfg.Runners.SubprocessHangTimeout.Std(),
		BatchMode:                  e.cfg.Sections.BatchMode,
		MaxBatchSize:               e.cfg.Sections.MaxBatchSize,
		CoderProvider:              e.cfg.AI.Coder.Provider,
		CoderModel:                 e.cfg.AI.Coder.Model,
		ReviewerProvider:           e.cfg.AI.Reviewer.Provider,
		ReviewerModel:              e.cfg.AI.Reviewer.Model,
		Once:                       once,
		AutoDisputeOnMaxRejections: e.cfg.Disputes.AutoCreateOnMaxRejections,
	}, log)

	shouldStop := func() bool { return ctx.Err() != nil }
	if err := loop.Run(ctx, shouldStop); err != nil {
		return fmt.Errorf("orchestrator loop: %w", err)
	}

	if jsonOutput {
		cliutil.PrintJSON(map[string]any{"runner_id": runnerID, "status": "stopped"})
	}
	return nil
}

// newCoordinatorOrNil builds the rejection-pattern intervention client
// when an API key is available, logging and disabling the feature
// otherwise — the coordinator is explicitly non-fatal.
func newCoordinatorOrNil(cfg *config.Config, log *slog.Logger) *coordinator.Client {
	c, err := coordinator.New("")
	if err != nil {
		log.Warn("coordinator disabled: rejection-pattern intervention will not run", "error", err)
		return nil
	}
	return c
}
