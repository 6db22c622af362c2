// Package locking provides the Lock Manager: correct atomic lease
// primitives layered over the store's persisted lock tables, plus the
// heartbeat scheduler that keeps a held lease marked alive.
package locking

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/steroids-run/steroids/internal/errs"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

// Result is the outcome of an Acquire call.
type Result struct {
	Acquired bool
	Reason   sqlite.AcquireOutcome
}

// Manager wraps a project-local store's lock tables with the public Lock
// Manager contract.
type Manager struct {
	store *sqlite.Store
	log   *slog.Logger
}

// New constructs a Manager over an already-open store.
func New(store *sqlite.Store, log *slog.Logger) *Manager {
	return &Manager{store: store, log: log}
}

// AcquireTask implements the five-step acquire algorithm over task_locks.
func (m *Manager) AcquireTask(ctx context.Context, taskID, runnerID string, timeout time.Duration) (Result, error) {
	outcome, err := m.store.AcquireTaskLock(ctx, taskID, runnerID, timeout)
	var locked *sqlite.LockedError
	if errors.As(err, &locked) {
		return Result{Acquired: false}, &errs.TaskLockedError{TaskID: taskID, Holder: locked.Holder, ExpiresAt: locked.ExpiresAt}
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Acquired: true, Reason: outcome}, nil
}

// ReleaseTask deletes the lease only if owned by runnerID. A missing lease
// is logged and treated as success.
func (m *Manager) ReleaseTask(ctx context.Context, taskID, runnerID string) error {
	err := m.store.ReleaseTaskLock(ctx, taskID, runnerID)
	if errors.Is(err, sqlite.ErrLockNotFound) {
		m.log.Warn("release: lock not held", "task_id", taskID, "runner_id", runnerID)
		return nil
	}
	return err
}

// ForceReleaseTask deletes the lease unconditionally (recovery/admin use).
func (m *Manager) ForceReleaseTask(ctx context.Context, taskID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.store.ForceReleaseTaskLock(ctx, tx, taskID)
	})
}

// HeartbeatTask marks a held lease alive without extending its expiry.
func (m *Manager) HeartbeatTask(ctx context.Context, taskID, runnerID string) error {
	err := m.store.HeartbeatTaskLock(ctx, taskID, runnerID)
	if errors.Is(err, sqlite.ErrLockNotFound) {
		return nil
	}
	return err
}

// ExtendTask pushes a held lease's expiry further into the future.
func (m *Manager) ExtendTask(ctx context.Context, taskID, runnerID string, additional time.Duration) error {
	err := m.store.ExtendTaskLock(ctx, taskID, runnerID, additional)
	if errors.Is(err, sqlite.ErrLockNotFound) {
		return &errs.LockNotFoundError{TaskID: taskID, RunnerID: runnerID}
	}
	return err
}

// CleanupExpiredTasks deletes every expired task lock and returns the count removed.
func (m *Manager) CleanupExpiredTasks(ctx context.Context) (int64, error) {
	return m.store.CleanupExpiredTaskLocks(ctx)
}

// GetTask returns the current lease row for a task, or nil if none.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*types.TaskLock, error) {
	return m.store.GetTaskLock(ctx, taskID)
}

// ListTasks returns every currently held task lease.
func (m *Manager) ListTasks(ctx context.Context) ([]*types.TaskLock, error) {
	return m.store.ListTaskLocks(ctx)
}

// ListExpiredTasks returns every task lease that has lapsed but not yet
// been cleaned up or claimed.
func (m *Manager) ListExpiredTasks(ctx context.Context) ([]*types.TaskLock, error) {
	return m.store.ListExpiredTaskLocks(ctx)
}

// --- Section locks ---

// AcquireSection mirrors AcquireTask over section_locks.
func (m *Manager) AcquireSection(ctx context.Context, sectionID, runnerID string, timeout time.Duration) (Result, error) {
	outcome, err := m.store.AcquireSectionLock(ctx, sectionID, runnerID, timeout)
	var locked *sqlite.LockedError
	if errors.As(err, &locked) {
		return Result{Acquired: false}, &errs.TaskLockedError{TaskID: sectionID, Holder: locked.Holder, ExpiresAt: locked.ExpiresAt}
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Acquired: true, Reason: outcome}, nil
}

// ReleaseSection deletes the section lease only if owned by runnerID.
func (m *Manager) ReleaseSection(ctx context.Context, sectionID, runnerID string) error {
	err := m.store.ReleaseSectionLock(ctx, sectionID, runnerID)
	if errors.Is(err, sqlite.ErrLockNotFound) {
		m.log.Warn("release: section lock not held", "section_id", sectionID, "runner_id", runnerID)
		return nil
	}
	return err
}

// ForceReleaseSection deletes the section lease unconditionally.
func (m *Manager) ForceReleaseSection(ctx context.Context, sectionID string) error {
	return m.store.ForceReleaseSectionLock(ctx, sectionID)
}

// CleanupExpiredSections deletes every expired section lock.
func (m *Manager) CleanupExpiredSections(ctx context.Context) (int64, error) {
	return m.store.CleanupExpiredSectionLocks(ctx)
}
