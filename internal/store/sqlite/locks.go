package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steroids-run/steroids/internal/types"
)

// ErrLockNotFound is returned by Release when the caller does not hold the
// lease.
var ErrLockNotFound = errors.New("lock not found")

// AcquireOutcome is the reason code a successful task-lock acquisition
// reports.
type AcquireOutcome string

const (
	AcquireNew            AcquireOutcome = "new"
	AcquireAlreadyOwned   AcquireOutcome = "already_owned"
	AcquireClaimedExpired AcquireOutcome = "claimed_expired"
)

// LockedError is returned when a task/section lease is held by someone
// else.
type LockedError struct {
	Holder    string
	ExpiresAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked by %s until %s", e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

// AcquireTaskLock implements the five-step acquire algorithm: try
// insert, read back on conflict, extend if already owned, conditionally
// steal if expired, otherwise report locked.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID, runnerID string, timeout time.Duration) (AcquireOutcome, error) {
	var outcome AcquireOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		expires := ts.Add(timeout)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_locks (task_id, runner_id, acquired_at, expires_at, heartbeat_at)
			VALUES (?, ?, ?, ?, ?)
		`, taskID, runnerID, ts, expires, ts)
		if err == nil {
			outcome = AcquireNew
			return nil
		}

		// INSERT failed on the task_id primary key: read the current holder.
		var holder string
		var acquiredAt, expiresAt, heartbeatAt time.Time
		rerr := tx.QueryRowContext(ctx, `
			SELECT runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks WHERE task_id = ?
		`, taskID).Scan(&holder, &acquiredAt, &expiresAt, &heartbeatAt)
		if rerr == sql.ErrNoRows {
			// Concurrent delete: retry the insert once.
			_, rerr2 := tx.ExecContext(ctx, `
				INSERT INTO task_locks (task_id, runner_id, acquired_at, expires_at, heartbeat_at)
				VALUES (?, ?, ?, ?, ?)
			`, taskID, runnerID, ts, expires, ts)
			if rerr2 == nil {
				outcome = AcquireNew
				return nil
			}
			return &LockedError{Holder: "unknown", ExpiresAt: ts}
		}
		if rerr != nil {
			return fmt.Errorf("read task lock %s: %w", taskID, rerr)
		}

		if holder == runnerID {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_locks SET expires_at = ?, heartbeat_at = ? WHERE task_id = ? AND runner_id = ?
			`, expires, ts, taskID, runnerID); err != nil {
				return fmt.Errorf("extend own task lock %s: %w", taskID, err)
			}
			outcome = AcquireAlreadyOwned
			return nil
		}

		if expiresAt.Before(ts) {
			res, err := tx.ExecContext(ctx, `
				UPDATE task_locks SET runner_id = ?, acquired_at = ?, expires_at = ?, heartbeat_at = ?
				WHERE task_id = ? AND expires_at < ?
			`, runnerID, ts, expires, ts, taskID, ts)
			if err != nil {
				return fmt.Errorf("claim expired task lock %s: %w", taskID, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				outcome = AcquireClaimedExpired
				return nil
			}
			// Someone else claimed it first between our read and our update.
			_ = tx.QueryRowContext(ctx, `SELECT runner_id, expires_at FROM task_locks WHERE task_id = ?`, taskID).
				Scan(&holder, &expiresAt)
			return &LockedError{Holder: holder, ExpiresAt: expiresAt}
		}

		return &LockedError{Holder: holder, ExpiresAt: expiresAt}
	})
	return outcome, err
}

// ReleaseTaskLock deletes the lease only if owned by runnerID. Returns
// ErrLockNotFound if no such row existed; the caller logs and continues.
func (s *Store) ReleaseTaskLock(ctx context.Context, taskID, runnerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM task_locks WHERE task_id = ? AND runner_id = ?`, taskID, runnerID)
		if err != nil {
			return fmt.Errorf("release task lock %s: %w", taskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLockNotFound
		}
		return nil
	})
}

// ForceReleaseTaskLock deletes the lease unconditionally (recovery/admin).
func (s *Store) ForceReleaseTaskLock(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_locks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("force-release task lock %s: %w", taskID, err)
	}
	return nil
}

// HeartbeatTaskLock updates heartbeat_at only when runnerID matches.
func (s *Store) HeartbeatTaskLock(ctx context.Context, taskID, runnerID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_locks SET heartbeat_at = ? WHERE task_id = ? AND runner_id = ?`, now(), taskID, runnerID)
	if err != nil {
		return fmt.Errorf("heartbeat task lock %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockNotFound
	}
	return nil
}

// ExtendTaskLock pushes expires_at further into the future, only when
// runnerID matches. Read-modify-write inside one transaction so the
// arithmetic happens on the parsed timestamp, not on SQLite's text
// representation of it.
func (s *Store) ExtendTaskLock(ctx context.Context, taskID, runnerID string, additional time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT expires_at FROM task_locks WHERE task_id = ? AND runner_id = ?
		`, taskID, runnerID).Scan(&expiresAt)
		if err == sql.ErrNoRows {
			return ErrLockNotFound
		}
		if err != nil {
			return fmt.Errorf("read task lock %s for extend: %w", taskID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_locks SET expires_at = ? WHERE task_id = ? AND runner_id = ?
		`, expiresAt.Add(additional), taskID, runnerID); err != nil {
			return fmt.Errorf("extend task lock %s: %w", taskID, err)
		}
		return nil
	})
}

// CleanupExpiredTaskLocks deletes every task lock with expires_at < now,
// returning the number removed.
func (s *Store) CleanupExpiredTaskLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_locks WHERE expires_at < ?`, now())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired task locks: %w", err)
	}
	return res.RowsAffected()
}

// GetTaskLock returns the lease row for a task, or nil if none.
func (s *Store) GetTaskLock(ctx context.Context, taskID string) (*types.TaskLock, error) {
	var l types.TaskLock
	l.TaskID = taskID
	err := s.db.QueryRowContext(ctx, `
		SELECT runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks WHERE task_id = ?
	`, taskID).Scan(&l.RunnerID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task lock %s: %w", taskID, err)
	}
	return &l, nil
}

// ListExpiredTaskLocks returns every task lock whose expires_at has passed.
func (s *Store) ListExpiredTaskLocks(ctx context.Context) ([]*types.TaskLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks WHERE expires_at < ?
	`, now())
	if err != nil {
		return nil, fmt.Errorf("list expired task locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.TaskLock
	for rows.Next() {
		var l types.TaskLock
		if err := rows.Scan(&l.TaskID, &l.RunnerID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan task lock: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ListTaskLocks returns every current task lock row.
func (s *Store) ListTaskLocks(ctx context.Context) ([]*types.TaskLock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks`)
	if err != nil {
		return nil, fmt.Errorf("list task locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.TaskLock
	for rows.Next() {
		var l types.TaskLock
		if err := rows.Scan(&l.TaskID, &l.RunnerID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan task lock: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// --- Section locks: identical shape, no heartbeat field. ---

// AcquireSectionLock mirrors AcquireTaskLock without the heartbeat column.
func (s *Store) AcquireSectionLock(ctx context.Context, sectionID, runnerID string, timeout time.Duration) (AcquireOutcome, error) {
	var outcome AcquireOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		expires := ts.Add(timeout)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO section_locks (section_id, runner_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		`, sectionID, runnerID, ts, expires)
		if err == nil {
			outcome = AcquireNew
			return nil
		}

		var holder string
		var acquiredAt, expiresAt time.Time
		rerr := tx.QueryRowContext(ctx, `
			SELECT runner_id, acquired_at, expires_at FROM section_locks WHERE section_id = ?
		`, sectionID).Scan(&holder, &acquiredAt, &expiresAt)
		if rerr != nil {
			return fmt.Errorf("read section lock %s: %w", sectionID, rerr)
		}

		if holder == runnerID {
			if _, err := tx.ExecContext(ctx, `
				UPDATE section_locks SET expires_at = ? WHERE section_id = ? AND runner_id = ?
			`, expires, sectionID, runnerID); err != nil {
				return fmt.Errorf("extend own section lock %s: %w", sectionID, err)
			}
			outcome = AcquireAlreadyOwned
			return nil
		}

		if expiresAt.Before(ts) {
			res, err := tx.ExecContext(ctx, `
				UPDATE section_locks SET runner_id = ?, acquired_at = ?, expires_at = ?
				WHERE section_id = ? AND expires_at < ?
			`, runnerID, ts, expires, sectionID, ts)
			if err != nil {
				return fmt.Errorf("claim expired section lock %s: %w", sectionID, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				outcome = AcquireClaimedExpired
				return nil
			}
			return &LockedError{Holder: holder, ExpiresAt: expiresAt}
		}

		return &LockedError{Holder: holder, ExpiresAt: expiresAt}
	})
	return outcome, err
}

// ReleaseSectionLock deletes the lease only if owned by runnerID.
func (s *Store) ReleaseSectionLock(ctx context.Context, sectionID, runnerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM section_locks WHERE section_id = ? AND runner_id = ?`, sectionID, runnerID)
	if err != nil {
		return fmt.Errorf("release section lock %s: %w", sectionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockNotFound
	}
	return nil
}

// ForceReleaseSectionLock deletes the lease unconditionally.
func (s *Store) ForceReleaseSectionLock(ctx context.Context, sectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM section_locks WHERE section_id = ?`, sectionID)
	if err != nil {
		return fmt.Errorf("force-release section lock %s: %w", sectionID, err)
	}
	return nil
}

// CleanupExpiredSectionLocks deletes every expired section lock.
func (s *Store) CleanupExpiredSectionLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM section_locks WHERE expires_at < ?`, now())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired section locks: %w", err)
	}
	return res.RowsAffected()
}
