package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MergeProgressEntry is one row recording whether a workstream's commit at
// a given position applied cleanly during a parallel-session merge.
type MergeProgressEntry struct {
	ID             int64
	SessionID      string
	WorkstreamID   string
	Position       int
	CommitSHA      string
	Status         string // applied|conflict|skipped
	ConflictTaskID string
	CreatedAt      time.Time
	AppliedAt      *time.Time
}

// AcquireMergeLock claims the single merge lock for a parallel session,
// mirroring the task/section lock acquire algorithm but keyed by
// session_id instead of task_id.
func (s *Store) AcquireMergeLock(ctx context.Context, sessionID, runnerID string, timeout time.Duration) (AcquireOutcome, error) {
	var outcome AcquireOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		expires := ts.Add(timeout)

		var holder string
		var expiresAt time.Time
		qerr := tx.QueryRowContext(ctx, `
			SELECT runner_id, expires_at FROM merge_locks WHERE session_id = ?
		`, sessionID).Scan(&holder, &expiresAt)

		if qerr == sql.ErrNoRows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO merge_locks (session_id, runner_id, acquired_at, expires_at, heartbeat_at)
				VALUES (?, ?, ?, ?, ?)
			`, sessionID, runnerID, ts, expires, ts)
			if err != nil {
				return fmt.Errorf("acquire merge lock %s: %w", sessionID, err)
			}
			outcome = AcquireNew
			return nil
		}
		if qerr != nil {
			return fmt.Errorf("read merge lock %s: %w", sessionID, qerr)
		}

		if holder == runnerID {
			if _, err := tx.ExecContext(ctx, `
				UPDATE merge_locks SET expires_at = ?, heartbeat_at = ? WHERE session_id = ? AND runner_id = ?
			`, expires, ts, sessionID, runnerID); err != nil {
				return fmt.Errorf("extend own merge lock %s: %w", sessionID, err)
			}
			outcome = AcquireAlreadyOwned
			return nil
		}

		if expiresAt.Before(ts) {
			res, err := tx.ExecContext(ctx, `
				UPDATE merge_locks SET runner_id = ?, acquired_at = ?, expires_at = ?, heartbeat_at = ?
				WHERE session_id = ? AND expires_at < ?
			`, runnerID, ts, expires, ts, sessionID, ts)
			if err != nil {
				return fmt.Errorf("claim expired merge lock %s: %w", sessionID, err)
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

// ReleaseMergeLock deletes the lease only if owned by runnerID.
func (s *Store) ReleaseMergeLock(ctx context.Context, sessionID, runnerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM merge_locks WHERE session_id = ? AND runner_id = ?`, sessionID, runnerID)
	if err != nil {
		return fmt.Errorf("release merge lock %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockNotFound
	}
	return nil
}

// RecordMergeProgress appends one workstream-at-position outcome. Recording
// the same position again adds a further row; earlier rows are not updated.
func (s *Store) RecordMergeProgress(ctx context.Context, e *MergeProgressEntry) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		var appliedAt any
		if e.Status == "applied" {
			appliedAt = ts
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO merge_progress (
				session_id, workstream_id, position, commit_sha, status, conflict_task_id, created_at, applied_at
			) VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?)
		`, e.SessionID, e.WorkstreamID, e.Position, e.CommitSHA, e.Status, e.ConflictTaskID, ts, appliedAt)
		if err != nil {
			return fmt.Errorf("record merge progress for session %s: %w", e.SessionID, err)
		}
		id, err = res.LastInsertId()
		e.CreatedAt = ts
		return err
	})
	return id, err
}

// ListMergeProgress returns every recorded outcome for a session, ordered
// by workstream then position — the order a resumed merge replays in.
func (s *Store) ListMergeProgress(ctx context.Context, sessionID string) ([]*MergeProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, workstream_id, position, COALESCE(commit_sha, ''), status,
		       COALESCE(conflict_task_id, ''), created_at, applied_at
		FROM merge_progress WHERE session_id = ? ORDER BY workstream_id ASC, position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list merge progress for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MergeProgressEntry
	for rows.Next() {
		var e MergeProgressEntry
		var appliedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.WorkstreamID, &e.Position, &e.CommitSHA,
			&e.Status, &e.ConflictTaskID, &e.CreatedAt, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan merge progress: %w", err)
		}
		if appliedAt.Valid {
			e.AppliedAt = &appliedAt.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SanitizerLastRun returns the last recorded sanitizer sweep time for a
// project, or the zero time if the sanitizer has never run.
func (s *Store) SanitizerLastRun(ctx context.Context, projectPath string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_run_at FROM sanitizer_runs WHERE project_path = ?`, projectPath).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read sanitizer last run: %w", err)
	}
	return t, nil
}

// TouchSanitizerRun upserts the sanitizer's last-run timestamp.
func (s *Store) TouchSanitizerRun(ctx context.Context, projectPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sanitizer_runs (project_path, last_run_at) VALUES (?, ?)
		ON CONFLICT (project_path) DO UPDATE SET last_run_at = excluded.last_run_at
	`, projectPath, now())
	if err != nil {
		return fmt.Errorf("touch sanitizer run: %w", err)
	}
	return nil
}
