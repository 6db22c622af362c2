package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/config"
	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "steroids.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestLoop(t *testing.T, store *sqlite.Store, autoDispute bool) *Loop {
	t.Helper()
	return &Loop{
		store:      store,
		dispatcher: hooks.Noop{},
		cfg:        Config{RunnerID: "runner-a", AutoDisputeOnMaxRejections: autoDispute},
	}
}

func mustCreateTask(t *testing.T, store *sqlite.Store, id string, status types.TaskStatus, rejections int) *types.Task {
	t.Helper()
	task := &types.Task{ID: id, Title: id, Status: status, RejectionCount: rejections}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func TestHandleMaxRejectionsCreatesDisputeWhenEnabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	loop := newTestLoop(t, store, true)
	task := mustCreateTask(t, store, "task-a", types.StatusReview, types.MaxRejectionCount)

	if err := loop.handleMaxRejections(ctx, task); err != nil {
		t.Fatalf("handleMaxRejections: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != types.StatusDisputed {
		t.Fatalf("expected task disputed, got %s", got.Status)
	}

	disputes, err := store.ListOpenDisputes(ctx)
	if err != nil {
		t.Fatalf("list open disputes: %v", err)
	}
	if len(disputes) != 1 || disputes[0].TaskID != task.ID {
		t.Fatalf("expected one open dispute for %s, got %+v", task.ID, disputes)
	}
}

func TestHandleMaxRejectionsFailsTaskWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	loop := newTestLoop(t, store, false)
	task := mustCreateTask(t, store, "task-b", types.StatusReview, types.MaxRejectionCount)

	if err := loop.handleMaxRejections(ctx, task); err != nil {
		t.Fatalf("handleMaxRejections: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Fatalf("expected task failed, got %s", got.Status)
	}
}

func TestRecordOrReuseCreditIncidentDedupesWithinAnHour(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	loop := newTestLoop(t, store, false)

	first, err := loop.recordOrReuseCreditIncident(ctx, "claude", "claude-sonnet-4-5", types.RoleCoder)
	if err != nil {
		t.Fatalf("record incident: %v", err)
	}
	if first == 0 {
		t.Fatalf("expected a non-zero incident id")
	}

	second, err := loop.recordOrReuseCreditIncident(ctx, "claude", "claude-sonnet-4-5", types.RoleCoder)
	if err != nil {
		t.Fatalf("record incident (dedup): %v", err)
	}
	if second != first {
		t.Fatalf("expected dedup to reuse incident %d, got %d", first, second)
	}

	third, err := loop.recordOrReuseCreditIncident(ctx, "claude", "claude-opus-4-6", types.RoleCoder)
	if err != nil {
		t.Fatalf("record incident (different model): %v", err)
	}
	if third == first {
		t.Fatalf("expected a distinct incident for a different model")
	}
}

func TestAllWorkFinished(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	loop := newTestLoop(t, store, false)

	done, err := loop.allWorkFinished(ctx)
	if err != nil {
		t.Fatalf("allWorkFinished on empty store: %v", err)
	}
	if !done {
		t.Fatalf("expected an empty store to report done")
	}

	mustCreateTask(t, store, "task-c", types.StatusPending, 0)
	done, err = loop.allWorkFinished(ctx)
	if err != nil {
		t.Fatalf("allWorkFinished with a pending task: %v", err)
	}
	if done {
		t.Fatalf("expected a pending task to report not done")
	}
}

func TestProviderModelForSelectsRoleSlot(t *testing.T) {
	cfg := &config.Config{}
	cfg.AI.Coder = config.ProviderConfig{Provider: "claude", Model: "claude-sonnet-4-5"}
	cfg.AI.Reviewer = config.ProviderConfig{Provider: "gemini", Model: "gemini-2.5-pro"}

	provider, model := providerModelFor(cfg, types.RoleCoder)
	if provider != "claude" || model != "claude-sonnet-4-5" {
		t.Fatalf("unexpected coder slot: %s/%s", provider, model)
	}

	provider, model = providerModelFor(cfg, types.RoleReviewer)
	if provider != "gemini" || model != "gemini-2.5-pro" {
		t.Fatalf("unexpected reviewer slot: %s/%s", provider, model)
	}
}

func TestProviderModelForNilConfig(t *testing.T) {
	provider, model := providerModelFor(nil, types.RoleCoder)
	if provider != "" || model != "" {
		t.Fatalf("expected empty slot for nil config, got %s/%s", provider, model)
	}
}

func TestBuildRejectionHistoryPairsCoderAndReviewerRounds(t *testing.T) {
	invs := []*types.Invocation{
		{Role: types.RoleCoder, Response: "first attempt", RejectionNumber: 0},
		{Role: types.RoleReviewer, Response: "needs more tests", RejectionNumber: 1},
		{Role: types.RoleCoder, Response: "second attempt", RejectionNumber: 1},
		{Role: types.RoleReviewer, Response: "still missing edge case", RejectionNumber: 2},
	}

	history := buildRejectionHistory(invs)
	if len(history) != 2 {
		t.Fatalf("expected 2 rejection rounds, got %d: %+v", len(history), history)
	}
	if history[0].CoderResponse != "first attempt" || history[0].ReviewerNotes != "needs more tests" {
		t.Fatalf("unexpected round 1: %+v", history[0])
	}
	if history[1].CoderResponse != "second attempt" || history[1].ReviewerNotes != "still missing edge case" {
		t.Fatalf("unexpected round 2: %+v", history[1])
	}
}

func TestBuildRejectionHistoryEmptyWhenNoRejections(t *testing.T) {
	invs := []*types.Invocation{
		{Role: types.RoleCoder, Response: "attempt", RejectionNumber: 0},
		{Role: types.RoleReviewer, Response: "approved", RejectionNumber: 0},
	}
	if history := buildRejectionHistory(invs); len(history) != 0 {
		t.Fatalf("expected no rounds, got %+v", history)
	}
}

func TestSleepOrStopHonorsShouldStop(t *testing.T) {
	ctx := context.Background()
	stopped := false
	shouldStop := func() bool { return stopped }

	stopped = true
	if sleepOrStop(ctx, shouldStop, time.Second) {
		t.Fatalf("expected sleepOrStop to return false when shouldStop is already true")
	}
}

func TestSleepOrStopReturnsAfterInterval(t *testing.T) {
	ctx := context.Background()
	if !sleepOrStop(ctx, func() bool { return false }, time.Millisecond) {
		t.Fatalf("expected sleepOrStop to return true after the interval elapses")
	}
}

func TestSleepOrStopHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepOrStop(ctx, func() bool { return false }, time.Second) {
		t.Fatalf("expected sleepOrStop to return false for a cancelled context")
	}
}

func TestBuildCoderPromptIncludesGuidanceAndLocation(t *testing.T) {
	task := &types.Task{ID: "task-d", Title: "fix the parser", FilePath: "internal/parse/parse.go", FileLine: 42}
	prompt := buildCoderPrompt(task, "stay within the existing function")
	if !strings.Contains(prompt, "fix the parser") || !strings.Contains(prompt, "internal/parse/parse.go:42") || !strings.Contains(prompt, "stay within the existing function") {
		t.Fatalf("prompt missing expected content: %s", prompt)
	}
}
