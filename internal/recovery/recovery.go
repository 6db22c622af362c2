// Package recovery implements the stuck-task detector and recovery
// engine: a pure function of persisted state plus an injected
// process-liveness predicate classifies pathologies, and a conservative,
// idempotent recovery pass repairs them, recording every action as an
// incident with rate-limit safety.
package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/store/globaldb"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

// Config carries the health.* tunables that parameterize detection
// thresholds and the recovery safety limit.
type Config struct {
	OrphanedTaskTimeout            time.Duration
	InvocationStaleness            time.Duration
	RunnerHeartbeatTimeout         time.Duration
	MaxCoderDuration               time.Duration
	MaxReviewerDuration            time.Duration
	MaxRecoveryAttempts            int
	MaxIncidentsPerHour            int
	DBInconsistencyRecentUpdateSec int
}

// ProcessAlive reports whether an OS process id is still alive. Injected
// so the detector stays a pure function of persisted state in tests.
type ProcessAlive func(pid int) bool

// Finding is one detected pathology, prior to any recovery action.
type Finding struct {
	Mode     types.FailureMode
	TaskID   string
	RunnerID string
	Details  string
}

// Action is one recovery step taken in response to a Finding.
type Action struct {
	Finding    Finding
	Resolution string
	IncidentID int64
}

// Engine detects and recovers stuck-state pathologies against one
// project's local store plus the shared global store.
type Engine struct {
	project      *sqlite.Store
	global       *globaldb.Store
	locks        *locking.Manager
	processAlive ProcessAlive
	killProcess  func(pid int)
	cfg          Config
	projectPath  string
	log          *slog.Logger
}

// New constructs a recovery Engine for one project.
func New(project *sqlite.Store, global *globaldb.Store, locks *locking.Manager, projectPath string, cfg Config, processAlive ProcessAlive, killProcess func(pid int), log *slog.Logger) *Engine {
	if processAlive == nil {
		processAlive = DefaultProcessAlive
	}
	if killProcess == nil {
		killProcess = DefaultKillProcess
	}
	return &Engine{
		project: project, global: global, locks: locks, processAlive: processAlive,
		killProcess: killProcess, cfg: cfg, projectPath: projectPath, log: log,
	}
}

// Detect classifies every pathology currently visible in persisted state,
// without taking any action.
func (e *Engine) Detect(ctx context.Context) ([]Finding, error) {
	var findings []Finding

	runnerFindings, handledTasks, err := e.detectRunnerPathologies(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, runnerFindings...)

	taskFindings, err := e.detectTaskPathologies(ctx, handledTasks)
	if err != nil {
		return nil, err
	}
	findings = append(findings, taskFindings...)

	return findings, nil
}

// Recover runs Detect and applies conservative, idempotent recovery
// actions, subject to the per-project hourly incident rate limit. Runner-level pathologies are processed before the
// task-level pass so a task handled through its runner's recovery is not
// double-charged a failure by the orphaned-task pass.
func (e *Engine) Recover(ctx context.Context) ([]Action, error) {
	recent, err := e.project.CountIncidentsSince(ctx, sql.NullTime{Time: time.Now().Add(-time.Hour), Valid: true})
	if err != nil {
		return nil, fmt.Errorf("count recent incidents: %w", err)
	}
	if e.cfg.MaxIncidentsPerHour > 0 && recent >= e.cfg.MaxIncidentsPerHour {
		e.log.Warn("recovery suppressed: incident rate limit reached", "project", e.projectPath, "count", recent)
		return nil, nil
	}

	runnerFindings, handledTasks, err := e.detectRunnerPathologies(ctx)
	if err != nil {
		return nil, err
	}

	var actions []Action
	for _, f := range runnerFindings {
		action, err := e.recoverRunnerFinding(ctx, f)
		if err != nil {
			e.log.Error("recovery action failed", "mode", f.Mode, "runner_id", f.RunnerID, "error", err)
			continue
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}

	taskFindings, err := e.detectTaskPathologies(ctx, handledTasks)
	if err != nil {
		return nil, err
	}
	for _, f := range taskFindings {
		action, err := e.recoverTaskFinding(ctx, f)
		if err != nil {
			e.log.Error("recovery action failed", "mode", f.Mode, "task_id", f.TaskID, "error", err)
			continue
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}

	return actions, nil
}

// --- Runner-level detection: zombie_runner, dead_runner, hanging_invocation ---

func (e *Engine) detectRunnerPathologies(ctx context.Context) ([]Finding, map[string]bool, error) {
	cutoff := time.Now().Add(-e.cfg.RunnerHeartbeatTimeout)
	stale, err := e.global.ListStaleRunners(ctx, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("list stale runners: %w", err)
	}

	var findings []Finding
	handled := map[string]bool{}
	for _, r := range stale {
		if r.ProjectPath != e.projectPath {
			continue
		}
		mode := types.FailureDeadRunner
		if e.processAlive(r.OSProcessID) {
			mode = types.FailureZombieRunner
		}
		findings = append(findings, Finding{Mode: mode, RunnerID: r.ID, TaskID: r.CurrentTaskID})
		if r.CurrentTaskID != "" {
			handled[r.CurrentTaskID] = true
		}
	}

	// hanging_invocation is a task-status pathology but its recovery kills
	// a runner first, so it is detected here alongside the other
	// runner-affecting pathologies and folded into the handled-task set the
	// same way.
	hanging, err := e.detectHangingInvocations(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range hanging {
		findings = append(findings, f)
		handled[f.TaskID] = true
	}

	return findings, handled, nil
}

func (e *Engine) detectHangingInvocations(ctx context.Context) ([]Finding, error) {
	candidates, err := e.project.ListCandidateTasks(ctx, []types.TaskStatus{types.StatusInProgress, types.StatusReview}, nil)
	if err != nil {
		return nil, fmt.Errorf("list in-progress/review tasks: %w", err)
	}

	var findings []Finding
	for _, t := range candidates {
		inv, err := e.project.RunningInvocationForTask(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("running invocation for task %s: %w", t.ID, err)
		}
		if inv == nil {
			continue
		}

		runner, err := e.assignedFreshRunner(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if runner == nil {
			continue // no fresh runner assigned: not a hang, the orphaned-task rule will catch it if stale
		}

		var hanging bool
		if inv.LastActivityAtMS > 0 {
			age := time.Since(time.UnixMilli(inv.LastActivityAtMS))
			hanging = age > e.cfg.InvocationStaleness
		} else {
			limit := e.cfg.MaxCoderDuration
			if t.Status == types.StatusReview {
				limit = e.cfg.MaxReviewerDuration
			}
			hanging = time.Since(t.UpdatedAt) > limit
		}
		if hanging {
			findings = append(findings, Finding{
				Mode: types.FailureHangingInvocation, TaskID: t.ID, RunnerID: runner.ID,
				Details: fmt.Sprintf(`{"invocation_id":%d,"status":"%s"}`, inv.ID, t.Status),
			})
		}
	}
	return findings, nil
}

// assignedFreshRunner returns the runner currently claiming taskID with a
// heartbeat inside RunnerHeartbeatTimeout, or nil if none.
func (e *Engine) assignedFreshRunner(ctx context.Context, taskID string) (*types.Runner, error) {
	runners, err := e.global.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	cutoff := time.Now().Add(-e.cfg.RunnerHeartbeatTimeout)
	for _, r := range runners {
		if r.ProjectPath == e.projectPath && r.CurrentTaskID == taskID && r.HeartbeatAt.After(cutoff) {
			return r, nil
		}
	}
	return nil, nil
}

// --- Task-level detection: orphaned_task, db_inconsistency ---

func (e *Engine) detectTaskPathologies(ctx context.Context, handled map[string]bool) ([]Finding, error) {
	inProgress, err := e.project.ListCandidateTasks(ctx, []types.TaskStatus{types.StatusInProgress}, nil)
	if err != nil {
		return nil, fmt.Errorf("list in-progress tasks: %w", err)
	}

	var findings []Finding
	for _, t := range inProgress {
		if handled[t.ID] {
			continue
		}

		latest, err := e.project.LatestInvocation(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("latest invocation for task %s: %w", t.ID, err)
		}

		recentUpdate := time.Since(t.UpdatedAt) < time.Duration(e.cfg.DBInconsistencyRecentUpdateSec)*time.Second
		if latest == nil && recentUpdate {
			findings = append(findings, Finding{Mode: types.FailureDBInconsistency, TaskID: t.ID})
			continue // transient: never auto-recovered
		}

		if time.Since(t.UpdatedAt) <= e.cfg.OrphanedTaskTimeout {
			continue
		}
		staleInvocation := latest == nil || time.Since(time.UnixMilli(latest.StartedAtMS)) > e.cfg.InvocationStaleness
		if !staleInvocation {
			continue
		}
		runner, err := e.assignedFreshRunner(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if runner != nil {
			continue
		}

		findings = append(findings, Finding{Mode: types.FailureOrphanedTask, TaskID: t.ID})
	}
	return findings, nil
}

// --- Recovery actions ---

func (e *Engine) recoverRunnerFinding(ctx context.Context, f Finding) (*Action, error) {
	switch f.Mode {
	case types.FailureZombieRunner, types.FailureDeadRunner:
		return e.recoverStaleRunner(ctx, f)
	case types.FailureHangingInvocation:
		return e.recoverHangingInvocation(ctx, f)
	default:
		return nil, fmt.Errorf("unexpected runner-level finding mode %s", f.Mode)
	}
}

func (e *Engine) recoverStaleRunner(ctx context.Context, f Finding) (*Action, error) {
	runner, err := e.global.GetRunner(ctx, f.RunnerID)
	if err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, nil // already cleaned up by a previous sweep
	}

	if f.Mode == types.FailureZombieRunner {
		e.killProcess(runner.OSProcessID)
	}

	if err := e.forceReleaseLeasesHeldBy(ctx, runner.ID); err != nil {
		return nil, err
	}

	if runner.CurrentTaskID != "" {
		if _, err := e.resetTaskToPending(ctx, runner.CurrentTaskID); err != nil {
			return nil, err
		}
	}

	if err := e.global.DeleteRunner(ctx, runner.ID); err != nil {
		return nil, fmt.Errorf("delete runner %s: %w", runner.ID, err)
	}

	incID, err := e.recordIncident(ctx, f, "auto_restart")
	if err != nil {
		return nil, err
	}
	return &Action{Finding: f, Resolution: "auto_restart", IncidentID: incID}, nil
}

func (e *Engine) forceReleaseLeasesHeldBy(ctx context.Context, runnerID string) error {
	locks, err := e.project.ListTaskLocks(ctx)
	if err != nil {
		return fmt.Errorf("list task locks: %w", err)
	}
	for _, l := range locks {
		if l.RunnerID != runnerID {
			continue
		}
		if err := e.locks.ForceReleaseTask(ctx, l.TaskID); err != nil {
			return fmt.Errorf("force-release lease for task %s: %w", l.TaskID, err)
		}
	}
	return nil
}

func (e *Engine) recoverHangingInvocation(ctx context.Context, f Finding) (*Action, error) {
	runner, err := e.global.GetRunner(ctx, f.RunnerID)
	if err != nil {
		return nil, err
	}
	if runner != nil {
		e.killProcess(runner.OSProcessID)
		if err := e.global.DeleteRunner(ctx, runner.ID); err != nil {
			return nil, fmt.Errorf("delete runner %s: %w", runner.ID, err)
		}
	}
	return e.recoverOrphanedTask(ctx, f)
}

func (e *Engine) recoverTaskFinding(ctx context.Context, f Finding) (*Action, error) {
	switch f.Mode {
	case types.FailureOrphanedTask:
		return e.recoverOrphanedTask(ctx, f)
	case types.FailureDBInconsistency:
		// Transient: reported but never auto-recovered, and no incident is
		// written — the condition clears itself as soon as the runner's
		// first invocation row lands, and charging it against the hourly
		// incident budget would starve real recovery.
		return &Action{Finding: f, Resolution: "none"}, nil
	default:
		return nil, fmt.Errorf("unexpected task-level finding mode %s", f.Mode)
	}
}

func (e *Engine) recoverOrphanedTask(ctx context.Context, f Finding) (*Action, error) {
	if err := e.locks.ForceReleaseTask(ctx, f.TaskID); err != nil {
		return nil, fmt.Errorf("force-release lease for task %s: %w", f.TaskID, err)
	}
	resolution, err := e.resetTaskToPending(ctx, f.TaskID)
	if err != nil {
		return nil, err
	}
	incID, err := e.recordIncident(ctx, f, resolution)
	if err != nil {
		return nil, err
	}
	return &Action{Finding: f, Resolution: resolution, IncidentID: incID}, nil
}

// resetTaskToPending increments failure_count and transitions the task to
// pending (to retry) or skipped (if the resulting failure_count would
// reach MaxRecoveryAttempts), returning the resolution label recorded on
// the incident.
func (e *Engine) resetTaskToPending(ctx context.Context, taskID string) (string, error) {
	var count int
	err := e.project.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := e.project.IncrementFailure(ctx, tx, taskID)
		count = n
		return err
	})
	if err != nil {
		return "", fmt.Errorf("increment failure count for task %s: %w", taskID, err)
	}

	to := types.StatusPending
	resolution := "auto_restart"
	if e.cfg.MaxRecoveryAttempts > 0 && count >= e.cfg.MaxRecoveryAttempts {
		to = types.StatusSkipped
		resolution = "skipped"
	}
	if err := e.project.TransitionTask(ctx, taskID, to, "recovery", types.ActorRecovery, "auto-recovered by stuck-task detector", ""); err != nil {
		return "", fmt.Errorf("transition task %s after recovery: %w", taskID, err)
	}
	return resolution, nil
}

func (e *Engine) recordIncident(ctx context.Context, f Finding, resolution string) (int64, error) {
	details, _ := json.Marshal(map[string]string{"details": f.Details})
	inc := &types.Incident{
		TaskID: f.TaskID, RunnerID: f.RunnerID, FailureMode: f.Mode,
		DetectedAt: time.Now(), Details: string(details),
	}
	id, err := e.project.RecordIncident(ctx, inc)
	if err != nil {
		return 0, fmt.Errorf("record incident: %w", err)
	}
	if resolution != "" {
		if err := e.project.ResolveIncident(ctx, id, resolution); err != nil {
			return id, fmt.Errorf("resolve incident %d: %w", id, err)
		}
	}
	return id, nil
}
