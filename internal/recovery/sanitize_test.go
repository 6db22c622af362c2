package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/invocationlog"
	"github.com/steroids-run/steroids/internal/types"
)

func TestSanitizeResolvesReviewerDecisionApprove(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return false }, Config{})
	steroidsDir := t.TempDir()

	mustCreateTask(t, project, "task-a", types.StatusReview)

	invID, err := project.StartInvocation(ctx, &types.Invocation{
		TaskID: "task-a", Role: types.RoleReviewer, Provider: "claude",
		StartedAtMS: time.Now().Add(-time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("start invocation: %v", err)
	}

	w, err := invocationlog.Create(steroidsDir, invID)
	if err != nil {
		t.Fatalf("create invocation log: %v", err)
	}
	if err := w.Append(invocationlog.Line{Kind: invocationlog.EventActivity, Stream: "stdout", Text: "DECISION: APPROVE"}); err != nil {
		t.Fatalf("append log line: %v", err)
	}
	_ = w.Close()

	cfg := SanitizeConfig{Enabled: true, IntervalMinutes: 0, InvocationTimeoutSec: 0}
	if err := e.Sanitize(ctx, cfg, steroidsDir); err != nil {
		t.Fatalf("sanitize: %v", err)
	}

	task, err := project.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != types.StatusCompleted {
		t.Fatalf("expected review->completed from the logged APPROVE, got %s", task.Status)
	}

	inv, err := project.LatestInvocation(ctx, "task-a")
	if err != nil {
		t.Fatalf("latest invocation: %v", err)
	}
	if inv.Status != types.InvocationCompleted {
		t.Fatalf("expected invocation closed as completed, got %s", inv.Status)
	}

	// A second run finds no running invocation and changes nothing.
	if err := e.Sanitize(ctx, cfg, steroidsDir); err != nil {
		t.Fatalf("second sanitize: %v", err)
	}
	audit, err := project.ListAudit(ctx, "task-a")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 1 {
		t.Fatalf("expected exactly one review->completed audit row, got %d", len(audit))
	}
}

func TestSanitizeRejectIncrementsRejectionCount(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return false }, Config{})
	steroidsDir := t.TempDir()

	mustCreateTask(t, project, "task-a", types.StatusReview)

	invID, err := project.StartInvocation(ctx, &types.Invocation{
		TaskID: "task-a", Role: types.RoleReviewer, Provider: "claude",
		StartedAtMS: time.Now().Add(-time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("start invocation: %v", err)
	}
	w, err := invocationlog.Create(steroidsDir, invID)
	if err != nil {
		t.Fatalf("create invocation log: %v", err)
	}
	if err := w.Append(invocationlog.Line{Kind: invocationlog.EventActivity, Stream: "stdout", Text: "DECISION: REJECT"}); err != nil {
		t.Fatalf("append log line: %v", err)
	}
	_ = w.Close()

	if err := e.Sanitize(ctx, SanitizeConfig{Enabled: true, InvocationTimeoutSec: 0}, steroidsDir); err != nil {
		t.Fatalf("sanitize: %v", err)
	}

	task, err := project.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != types.StatusInProgress {
		t.Fatalf("expected review->in_progress from the logged REJECT, got %s", task.Status)
	}
	if task.RejectionCount != 1 {
		t.Fatalf("expected rejection_count incremented to 1, got %d", task.RejectionCount)
	}
}

func TestSanitizeClosesDecisionlessInvocationAsTimeout(t *testing.T) {
	ctx := context.Background()
	project, _, e := newTestEngine(t, func(int) bool { return false }, Config{})
	steroidsDir := t.TempDir()

	mustCreateTask(t, project, "task-a", types.StatusInProgress)
	if _, err := project.StartInvocation(ctx, &types.Invocation{
		TaskID: "task-a", Role: types.RoleCoder, Provider: "claude",
		StartedAtMS: time.Now().Add(-time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatalf("start invocation: %v", err)
	}

	if err := e.Sanitize(ctx, SanitizeConfig{Enabled: true, InvocationTimeoutSec: 0}, steroidsDir); err != nil {
		t.Fatalf("sanitize: %v", err)
	}

	inv, err := project.LatestInvocation(ctx, "task-a")
	if err != nil {
		t.Fatalf("latest invocation: %v", err)
	}
	if inv.Status != types.InvocationTimeout || !inv.TimedOut {
		t.Fatalf("expected runaway invocation closed as timeout, got %+v", inv)
	}
}

func TestSanitizeSkipsInvocationWithActiveRunner(t *testing.T) {
	ctx := context.Background()
	project, global, e := newTestEngine(t, func(int) bool { return true }, Config{})
	steroidsDir := t.TempDir()

	mustCreateTask(t, project, "task-a", types.StatusInProgress)
	if _, err := project.StartInvocation(ctx, &types.Invocation{
		TaskID: "task-a", Role: types.RoleCoder, Provider: "claude",
		StartedAtMS: time.Now().Add(-time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatalf("start invocation: %v", err)
	}
	if err := global.RegisterRunner(ctx, &types.Runner{
		ID: "runner-1", Status: types.RunnerRunning, OSProcessID: 4242,
		ProjectPath: testProjectPath, CurrentTaskID: "task-a",
	}); err != nil {
		t.Fatalf("register runner: %v", err)
	}

	if err := e.Sanitize(ctx, SanitizeConfig{Enabled: true, InvocationTimeoutSec: 0}, steroidsDir); err != nil {
		t.Fatalf("sanitize: %v", err)
	}

	inv, err := project.LatestInvocation(ctx, "task-a")
	if err != nil {
		t.Fatalf("latest invocation: %v", err)
	}
	if inv.Status != types.InvocationRunning {
		t.Fatalf("expected actively claimed invocation left running, got %s", inv.Status)
	}
}
