package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/logging"
	"github.com/steroids-run/steroids/internal/store/globaldb"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

const testProjectPath = "/workspace/demo"

func newTestEngine(t *testing.T, alive ProcessAlive, cfg Config) (*sqlite.Store, *globaldb.Store, *Engine) {
	t.Helper()
	ctx := context.Background()

	project, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "steroids.db"))
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	t.Cleanup(func() { _ = project.Close() })

	global, err := globaldb.Open(ctx, filepath.Join(t.TempDir(), "global.db"))
	if err != nil {
		t.Fatalf("open global store: %v", err)
	}
	t.Cleanup(func() { _ = global.Close() })

	lm := locking.New(project, logging.Discard())

	var killed []int
	killProcess := func(pid int) { killed = append(killed, pid) }

	if cfg.MaxIncidentsPerHour == 0 {
		cfg.MaxIncidentsPerHour = 100
	}
	if cfg.OrphanedTaskTimeout == 0 {
		cfg.OrphanedTaskTimeout = time.Minute
	}
	if cfg.InvocationStaleness == 0 {
		cfg.InvocationStaleness = time.Minute
	}
	if cfg.RunnerHeartbeatTimeout == 0 {
		cfg.RunnerHeartbeatTimeout = time.Minute
	}

	e := New(project, global, lm, testProjectPath, cfg, alive, killProcess, logging.Discard())
	return project, global, e
}

func mustCreateTask(t *testing.T, store *sqlite.Store, id string, status types.TaskStatus) *types.Task {
	t.Helper()
	task := &types.Task{ID: id, Title: id, Status: status}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func TestDetectOrphanedTask(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout: -time.Minute, // any in_progress task is already "old enough"
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)

	findings, err := e.Detect(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(findings) != 1 || findings[0].Mode != types.FailureOrphanedTask || findings[0].TaskID != "task-a" {
		t.Fatalf("expected one orphaned_task finding for task-a, got %+v", findings)
	}
}

func TestDetectSkipsTaskWithFreshRunner(t *testing.T) {
	ctx := context.Background()
	project, global, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout: -time.Minute,
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)

	if err := global.RegisterRunner(ctx, &types.Runner{
		ID: "runner-1", Status: types.RunnerRunning, OSProcessID: 4242,
		ProjectPath: testProjectPath, CurrentTaskID: "task-a", StartedAt: time.Now(), HeartbeatAt: time.Now(),
	}); err != nil {
		t.Fatalf("register runner: %v", err)
	}

	findings, err := e.Detect(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	for _, f := range findings {
		if f.TaskID == "task-a" {
			t.Fatalf("task-a is claimed by a fresh runner, should not be flagged: %+v", f)
		}
	}
}

func TestRecoverOrphanedTaskResetsToPendingAndRecordsIncident(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout:  -time.Minute,
		MaxRecoveryAttempts: 5,
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)

	actions, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one recovery action, got %+v", actions)
	}
	if actions[0].Resolution != "auto_restart" {
		t.Fatalf("expected auto_restart resolution, got %q", actions[0].Resolution)
	}

	task, err := project.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != types.StatusPending {
		t.Fatalf("expected task reset to pending, got %s", task.Status)
	}
	if task.FailureCount != 1 {
		t.Fatalf("expected failure_count incremented to 1, got %d", task.FailureCount)
	}

	incidents, err := project.ListIncidentsForTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(incidents) != 1 || incidents[0].FailureMode != types.FailureOrphanedTask {
		t.Fatalf("expected one orphaned_task incident, got %+v", incidents)
	}
}

func TestRecoverSkipsTaskAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout:  -time.Minute,
		MaxRecoveryAttempts: 1,
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)

	if _, err := e.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	task, err := project.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != types.StatusSkipped {
		t.Fatalf("expected task skipped after reaching MaxRecoveryAttempts, got %s", task.Status)
	}
}

func TestRecoverZombieRunnerKillsProcessAndReleasesLease(t *testing.T) {
	ctx := context.Background()
	project, global, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout:    time.Hour,
		RunnerHeartbeatTimeout: time.Millisecond, // any runner registered above is already stale
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)

	lm := locking.New(project, logging.Discard())
	if _, err := lm.AcquireTask(ctx, "task-a", "runner-1", time.Hour); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	if err := global.RegisterRunner(ctx, &types.Runner{
		ID: "runner-1", Status: types.RunnerRunning, OSProcessID: 9999,
		ProjectPath: testProjectPath, CurrentTaskID: "task-a", StartedAt: time.Now(), HeartbeatAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("register runner: %v", err)
	}

	actions, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(actions) != 1 || actions[0].Finding.Mode != types.FailureZombieRunner {
		t.Fatalf("expected one zombie_runner action, got %+v", actions)
	}

	if _, err := global.GetRunner(ctx, "runner-1"); err != nil {
		t.Fatalf("get runner after recovery: %v", err)
	}
	gone, err := global.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected stale runner row to be deleted, got %+v", gone)
	}

	lock, err := project.GetTaskLock(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task lock: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected lease to be force-released, got %+v", lock)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout:  -time.Minute,
		MaxRecoveryAttempts: 5,
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)

	if _, err := e.Recover(ctx); err != nil {
		t.Fatalf("first recover: %v", err)
	}
	// task-a is now pending with no invocation and a recent update, so a
	// second pass must find nothing left to recover for it.
	actions, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	for _, a := range actions {
		if a.Finding.TaskID == "task-a" {
			t.Fatalf("expected second recovery pass to be a no-op for task-a, got %+v", a)
		}
	}
}

func TestRecoverRespectsIncidentRateLimit(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout:  -time.Minute,
		MaxRecoveryAttempts: 5,
		MaxIncidentsPerHour: 1,
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)
	mustCreateTask(t, project, "task-b", types.StatusInProgress)

	actions, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected both tasks recovered on first pass, got %+v", actions)
	}

	mustCreateTask(t, project, "task-c", types.StatusInProgress)
	actions, err = e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover after rate limit hit: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected recovery to be suppressed by the hourly incident limit, got %+v", actions)
	}
}

func TestDetectDBInconsistencyNeverAutoRecovered(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return true }, Config{
		OrphanedTaskTimeout:             time.Hour,
		DBInconsistencyRecentUpdateSec: 3600,
	})
	mustCreateTask(t, project, "task-a", types.StatusInProgress)

	actions, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(actions) != 1 || actions[0].Finding.Mode != types.FailureDBInconsistency {
		t.Fatalf("expected one db_inconsistency action, got %+v", actions)
	}
	if actions[0].Resolution != "none" {
		t.Fatalf("expected db_inconsistency to resolve as none (never auto-recovered), got %q", actions[0].Resolution)
	}

	task, err := project.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != types.StatusInProgress {
		t.Fatalf("expected task left untouched, got %s", task.Status)
	}
}
