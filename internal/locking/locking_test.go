package locking

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/errs"
	"github.com/steroids-run/steroids/internal/logging"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "steroids.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logging.Discard())
}

// newTestManagerWithTasks is newTestManager plus a tasks row for each id, so
// task_locks' foreign key to tasks(id) is satisfied.
func newTestManagerWithTasks(t *testing.T, taskIDs ...string) *Manager {
	t.Helper()
	m := newTestManager(t)
	for _, id := range taskIDs {
		if err := m.store.CreateTask(context.Background(), &types.Task{ID: id, Title: id}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	return m
}

// newTestManagerWithSections is newTestManager plus a sections row for each
// id, so section_locks' foreign key to sections(id) is satisfied.
func newTestManagerWithSections(t *testing.T, sectionIDs ...string) *Manager {
	t.Helper()
	m := newTestManager(t)
	for _, id := range sectionIDs {
		if err := m.store.CreateSection(context.Background(), &types.Section{ID: id, Name: id}); err != nil {
			t.Fatalf("create section %s: %v", id, err)
		}
	}
	return m
}

func TestAcquireTaskSingleOwner(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-1")

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.AcquireTask(ctx, "task-1", runnerName(i), time.Minute)
			if err == nil {
				results[i] = res.Acquired
			}
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, r := range results {
		if r {
			acquired++
		}
	}
	if acquired != 1 {
		t.Fatalf("expected exactly one winner, got %d", acquired)
	}
}

func runnerName(i int) string {
	return "runner-" + string(rune('a'+i))
}

func TestAcquireTaskAlreadyOwned(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-1")

	first, err := m.AcquireTask(ctx, "task-1", "runner-a", time.Minute)
	if err != nil || !first.Acquired {
		t.Fatalf("first acquire: res=%+v err=%v", first, err)
	}

	second, err := m.AcquireTask(ctx, "task-1", "runner-a", time.Minute)
	if err != nil || !second.Acquired {
		t.Fatalf("re-acquire by owner: res=%+v err=%v", second, err)
	}
	if second.Reason != sqlite.AcquireAlreadyOwned {
		t.Fatalf("expected already_owned, got %v", second.Reason)
	}
}

func TestAcquireTaskLockedReturnsTaskLockedError(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-1")

	if _, err := m.AcquireTask(ctx, "task-1", "runner-a", time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	_, err := m.AcquireTask(ctx, "task-1", "runner-b", time.Minute)
	var locked *errs.TaskLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected TaskLockedError, got %v", err)
	}
	if locked.Holder != "runner-a" {
		t.Fatalf("expected holder runner-a, got %s", locked.Holder)
	}
}

func TestReleaseNotOwnedIsLogAndContinue(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-1")

	if _, err := m.AcquireTask(ctx, "task-1", "runner-a", time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	// runner-b does not hold the lease; release must not error.
	if err := m.ReleaseTask(ctx, "task-1", "runner-b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}

	// The lease is untouched.
	again, err := m.AcquireTask(ctx, "task-1", "runner-b", time.Minute)
	if err == nil || again.Acquired {
		t.Fatalf("expected task-1 to remain locked by runner-a")
	}
}

func TestReleaseOnMissingLeaseIsNoop(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.ReleaseTask(ctx, "no-such-task", "runner-a"); err != nil {
		t.Fatalf("release on missing lease: %v", err)
	}
}

func TestAcquireClaimedExpired(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-1")

	if _, err := m.AcquireTask(ctx, "task-1", "runner-a", -time.Second); err != nil {
		t.Fatalf("seed expired lock: %v", err)
	}

	res, err := m.AcquireTask(ctx, "task-1", "runner-b", time.Minute)
	if err != nil {
		t.Fatalf("claim expired lock: %v", err)
	}
	if !res.Acquired || res.Reason != sqlite.AcquireClaimedExpired {
		t.Fatalf("expected claimed_expired acquisition, got %+v", res)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-1")

	if _, err := m.AcquireTask(ctx, "task-1", "runner-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.ReleaseTask(ctx, "task-1", "runner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// After release, a different runner can win the lease fresh.
	res, err := m.AcquireTask(ctx, "task-1", "runner-b", time.Minute)
	if err != nil || !res.Acquired || res.Reason != sqlite.AcquireNew {
		t.Fatalf("expected fresh acquire after release, got res=%+v err=%v", res, err)
	}
}

func TestForceReleaseIsUnconditional(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-1")

	if _, err := m.AcquireTask(ctx, "task-1", "runner-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.ForceReleaseTask(ctx, "task-1"); err != nil {
		t.Fatalf("force release: %v", err)
	}

	res, err := m.AcquireTask(ctx, "task-1", "runner-b", time.Minute)
	if err != nil || !res.Acquired {
		t.Fatalf("expected task-1 free after force release, got res=%+v err=%v", res, err)
	}
}

func TestCleanupExpiredTasks(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithTasks(t, "task-a", "task-b")

	if _, err := m.AcquireTask(ctx, "task-a", "runner-a", -time.Second); err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	if _, err := m.AcquireTask(ctx, "task-b", "runner-a", time.Minute); err != nil {
		t.Fatalf("seed live: %v", err)
	}

	n, err := m.CleanupExpiredTasks(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired lock removed, got %d", n)
	}
}

func TestSectionLockMirrorsTaskLock(t *testing.T) {
	ctx := context.Background()
	m := newTestManagerWithSections(t, "sec-1")

	first, err := m.AcquireSection(ctx, "sec-1", "runner-a", time.Minute)
	if err != nil || !first.Acquired {
		t.Fatalf("acquire section: res=%+v err=%v", first, err)
	}

	_, err = m.AcquireSection(ctx, "sec-1", "runner-b", time.Minute)
	var locked *errs.TaskLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected locked error, got %v", err)
	}

	if err := m.ReleaseSection(ctx, "sec-1", "runner-a"); err != nil {
		t.Fatalf("release section: %v", err)
	}
	again, err := m.AcquireSection(ctx, "sec-1", "runner-b", time.Minute)
	if err != nil || !again.Acquired {
		t.Fatalf("expected runner-b to acquire after release: res=%+v err=%v", again, err)
	}
}
