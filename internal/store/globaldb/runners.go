package globaldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steroids-run/steroids/internal/types"
)

// RegisterRunner inserts or replaces a runner's row on daemon startup.
func (s *Store) RegisterRunner(ctx context.Context, r *types.Runner) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runners (id, status, pid, project_path, current_task_id, section_id,
			                      parallel_session_id, started_at, heartbeat_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status, pid = excluded.pid, project_path = excluded.project_path,
				started_at = excluded.started_at, heartbeat_at = excluded.heartbeat_at
		`, r.ID, r.Status, r.OSProcessID, r.ProjectPath, r.CurrentTaskID, r.SectionID,
			r.ParallelSessionID, ts, ts)
		if err != nil {
			return fmt.Errorf("register runner %s: %w", r.ID, err)
		}
		r.StartedAt, r.HeartbeatAt = ts, ts
		return nil
	})
}

// HeartbeatRunner refreshes a runner's heartbeat_at and current task/section.
func (s *Store) HeartbeatRunner(ctx context.Context, runnerID, currentTaskID, sectionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET heartbeat_at = ?, current_task_id = NULLIF(?, ''), section_id = NULLIF(?, '')
		WHERE id = ?
	`, now(), currentTaskID, sectionID, runnerID)
	if err != nil {
		return fmt.Errorf("heartbeat runner %s: %w", runnerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("runner %s not registered", runnerID)
	}
	return nil
}

// MarkRunnerStopped flips a runner's status on clean shutdown.
func (s *Store) MarkRunnerStopped(ctx context.Context, runnerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runners SET status = ? WHERE id = ?`, types.RunnerStopped, runnerID)
	if err != nil {
		return fmt.Errorf("mark runner %s stopped: %w", runnerID, err)
	}
	return nil
}

// DeleteRunner removes a runner's row entirely (recovery's dead_runner
// cleanup).
func (s *Store) DeleteRunner(ctx context.Context, runnerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, runnerID)
	if err != nil {
		return fmt.Errorf("delete runner %s: %w", runnerID, err)
	}
	return nil
}

// GetRunner fetches a single runner by id.
func (s *Store) GetRunner(ctx context.Context, runnerID string) (*types.Runner, error) {
	row := s.db.QueryRowContext(ctx, runnerSelectColumns+`WHERE id = ?`, runnerID)
	r, err := scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get runner %s: %w", runnerID, err)
	}
	return r, nil
}

// ListRunners returns every registered runner.
func (s *Store) ListRunners(ctx context.Context) ([]*types.Runner, error) {
	rows, err := s.db.QueryContext(ctx, runnerSelectColumns)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRunners(rows)
}

// ListStaleRunners returns runners whose heartbeat_at predates cutoff —
// candidates for the zombie_runner/dead_runner pathologies.
func (s *Store) ListStaleRunners(ctx context.Context, cutoff time.Time) ([]*types.Runner, error) {
	rows, err := s.db.QueryContext(ctx, runnerSelectColumns+`WHERE heartbeat_at < ? AND status = 'running'`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale runners: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRunners(rows)
}

const runnerSelectColumns = `
	SELECT id, status, pid, project_path, COALESCE(current_task_id, ''), COALESCE(section_id, ''),
	       COALESCE(parallel_session_id, ''), started_at, heartbeat_at
	FROM runners `

func scanRunner(row interface{ Scan(dest ...any) error }) (*types.Runner, error) {
	var r types.Runner
	if err := row.Scan(&r.ID, &r.Status, &r.OSProcessID, &r.ProjectPath, &r.CurrentTaskID,
		&r.SectionID, &r.ParallelSessionID, &r.StartedAt, &r.HeartbeatAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRunners(rows *sql.Rows) ([]*types.Runner, error) {
	var out []*types.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AcquireRunnerLock claims the single-writer global coordination lock used
// by the sanitizer/recovery sweep to ensure only one process runs a global
// sweep at a time. Mirrors the project-local lock acquire shape but keyed
// by the fixed row id=1.
func (s *Store) AcquireRunnerLock(ctx context.Context, runnerID string, timeout time.Duration) (bool, error) {
	var acquired bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		var holder string
		var acquiredAt time.Time
		err := tx.QueryRowContext(ctx, `SELECT runner_id, acquired_at FROM runner_lock WHERE id = 1`).Scan(&holder, &acquiredAt)
		if err == sql.ErrNoRows {
			if _, err := tx.ExecContext(ctx, `INSERT INTO runner_lock (id, runner_id, acquired_at) VALUES (1, ?, ?)`, runnerID, ts); err != nil {
				return fmt.Errorf("acquire runner lock: %w", err)
			}
			acquired = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("read runner lock: %w", err)
		}
		if holder == runnerID || acquiredAt.Before(ts.Add(-timeout)) {
			if _, err := tx.ExecContext(ctx, `UPDATE runner_lock SET runner_id = ?, acquired_at = ? WHERE id = 1`, runnerID, ts); err != nil {
				return fmt.Errorf("claim runner lock: %w", err)
			}
			acquired = true
			return nil
		}
		acquired = false
		return nil
	})
	return acquired, err
}

// ReleaseRunnerLock drops the global sweep lock if owned by runnerID.
func (s *Store) ReleaseRunnerLock(ctx context.Context, runnerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runner_lock WHERE id = 1 AND runner_id = ?`, runnerID)
	if err != nil {
		return fmt.Errorf("release runner lock: %w", err)
	}
	return nil
}
