package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/steroids-run/steroids/internal/invocationlog"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

// SanitizeConfig carries the health.sanitise* tunables.
type SanitizeConfig struct {
	Enabled              bool
	IntervalMinutes      int
	InvocationTimeoutSec int
}

// Sanitize runs the periodic sanitization pass, throttled
// to at most once per project per IntervalMinutes. It closes runaway
// running invocations whose task is not claimed by an active runner,
// resolves reviewer invocations by parsing their logged DECISION token, and
// deletes every expired task and section lease. steroidsDir is the
// project's .steroids root, where invocation log files live.
func (e *Engine) Sanitize(ctx context.Context, cfg SanitizeConfig, steroidsDir string) error {
	if !cfg.Enabled {
		return nil
	}

	last, err := e.project.SanitizerLastRun(ctx, e.projectPath)
	if err != nil {
		return err
	}
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if !last.IsZero() && time.Since(last) < interval {
		return nil
	}

	cutoffMS := time.Now().Add(-time.Duration(cfg.InvocationTimeoutSec)*time.Second).UnixMilli()
	stale, err := e.project.ListRunningInvocationsOlderThan(ctx, cutoffMS)
	if err != nil {
		return fmt.Errorf("list stale running invocations: %w", err)
	}

	for _, inv := range stale {
		runner, err := e.assignedFreshRunner(ctx, inv.TaskID)
		if err != nil {
			return err
		}
		if runner != nil {
			continue // still actively claimed: leave it for the detector/runner, not the sanitizer
		}
		if err := e.closeStaleInvocation(ctx, inv, steroidsDir); err != nil {
			return fmt.Errorf("close stale invocation %d: %w", inv.ID, err)
		}
	}

	if _, err := e.project.CleanupExpiredTaskLocks(ctx); err != nil {
		return fmt.Errorf("cleanup expired task leases: %w", err)
	}
	if _, err := e.project.CleanupExpiredSectionLocks(ctx); err != nil {
		return fmt.Errorf("cleanup expired section leases: %w", err)
	}

	return e.project.TouchSanitizerRun(ctx, e.projectPath)
}

func (e *Engine) closeStaleInvocation(ctx context.Context, inv *types.Invocation, steroidsDir string) error {
	completedAtMS := time.Now().UnixMilli()

	if inv.Role == types.RoleReviewer {
		decision, err := invocationlog.ReadDecision(steroidsDir, inv.ID)
		if err != nil {
			return err
		}
		switch decision {
		case invocationlog.DecisionApprove:
			if err := e.project.CloseInvocation(ctx, inv.ID, closeResult(completedAtMS, inv, types.InvocationCompleted, true)); err != nil {
				return err
			}
			return e.project.TransitionTask(ctx, inv.TaskID, types.StatusCompleted, "sanitizer", types.ActorSanitizer,
				"reviewer approved, resolved by periodic sanitization", "")
		case invocationlog.DecisionReject:
			if err := e.project.CloseInvocation(ctx, inv.ID, closeResult(completedAtMS, inv, types.InvocationCompleted, true)); err != nil {
				return err
			}
			return e.project.IncrementRejection(ctx, inv.TaskID, "sanitizer")
		}
	}

	return e.project.CloseInvocation(ctx, inv.ID, closeResult(completedAtMS, inv, types.InvocationTimeout, false))
}

func closeResult(completedAtMS int64, inv *types.Invocation, status types.InvocationStatus, success bool) sqlite.CloseInvocationResult {
	return sqlite.CloseInvocationResult{
		CompletedAtMS: completedAtMS,
		DurationMS:    completedAtMS - inv.StartedAtMS,
		Status:        status,
		Success:       success,
		TimedOut:      status == types.InvocationTimeout,
		ExitCode:      -1,
		Error:         "closed by periodic sanitizer: exceeded sanitiseInvocationTimeoutSec with no active runner",
	}
}
