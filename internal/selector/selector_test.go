package selector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/logging"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

func newTestEnv(t *testing.T) (*sqlite.Store, *Selector) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "steroids.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := logging.Discard()
	lm := locking.New(store, log)
	return store, New(store, lm)
}

func mustCreateTask(t *testing.T, store *sqlite.Store, id string, status types.TaskStatus) {
	t.Helper()
	task := &types.Task{ID: id, Title: id, Status: status}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
}

func TestSelectPrefersReviewOverPending(t *testing.T) {
	ctx := context.Background()
	store, sel := newTestEnv(t)
	mustCreateTask(t, store, "task-pending", types.StatusPending)
	mustCreateTask(t, store, "task-review", types.StatusReview)

	task, err := sel.Select(ctx, Options{RunnerID: "runner-a", LeaseFor: time.Minute})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if task == nil || task.ID != "task-review" {
		t.Fatalf("expected task-review to be selected first, got %+v", task)
	}
}

func TestSelectSkipsLockedTask(t *testing.T) {
	ctx := context.Background()
	store, sel := newTestEnv(t)
	mustCreateTask(t, store, "task-a", types.StatusPending)
	mustCreateTask(t, store, "task-b", types.StatusPending)

	first, err := sel.Select(ctx, Options{RunnerID: "runner-a", LeaseFor: time.Minute})
	if err != nil || first == nil {
		t.Fatalf("first select: task=%+v err=%v", first, err)
	}

	second, err := sel.Select(ctx, Options{RunnerID: "runner-b", LeaseFor: time.Minute})
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if second == nil || second.ID == first.ID {
		t.Fatalf("expected runner-b to get the other task, got %+v (first was %+v)", second, first)
	}
}

func TestSelectSameRunnerReclaimsOwnTask(t *testing.T) {
	ctx := context.Background()
	store, sel := newTestEnv(t)
	mustCreateTask(t, store, "task-a", types.StatusPending)

	first, err := sel.Select(ctx, Options{RunnerID: "runner-a", LeaseFor: time.Minute})
	if err != nil || first == nil {
		t.Fatalf("first select: task=%+v err=%v", first, err)
	}

	again, err := sel.Select(ctx, Options{RunnerID: "runner-a", LeaseFor: time.Minute})
	if err != nil {
		t.Fatalf("re-select by owner: %v", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("expected owning runner to reclaim task-a, got %+v", again)
	}
}

func TestSelectReturnsNilWhenNothingAvailable(t *testing.T) {
	ctx := context.Background()
	_, sel := newTestEnv(t)

	task, err := sel.Select(ctx, Options{RunnerID: "runner-a", LeaseFor: time.Minute})
	if err != nil {
		t.Fatalf("select on empty store: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task, got %+v", task)
	}
}

func TestSelectBatchReleasesOnPartialLockFailure(t *testing.T) {
	ctx := context.Background()
	store, sel := newTestEnv(t)
	mustCreateTask(t, store, "task-a", types.StatusPending)
	mustCreateTask(t, store, "task-b", types.StatusPending)

	lm := locking.New(store, logging.Discard())
	if _, err := lm.AcquireTask(ctx, "task-b", "runner-rival", time.Minute); err != nil {
		t.Fatalf("seed rival lock: %v", err)
	}

	batch, err := sel.SelectBatch(ctx, Options{RunnerID: "runner-a", LeaseFor: time.Minute}, 5)
	if err != nil {
		t.Fatalf("select batch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected batch to abort (task-b is held by another runner), got %+v", batch)
	}

	// task-a's lease must have been released by the abort, so another
	// runner can claim it.
	task, err := sel.Select(ctx, Options{RunnerID: "runner-other", LeaseFor: time.Minute})
	if err != nil {
		t.Fatalf("select after aborted batch: %v", err)
	}
	if task == nil {
		t.Fatalf("expected task-a to be reclaimable after batch abort")
	}
}

func TestWaitReturnsNilWhenAllWorkDone(t *testing.T) {
	ctx := context.Background()
	store, sel := newTestEnv(t)
	mustCreateTask(t, store, "task-a", types.StatusCompleted)

	task, err := sel.Wait(ctx, Options{RunnerID: "runner-a", LeaseFor: time.Minute}, 10*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil (all done), got %+v", task)
	}
}
