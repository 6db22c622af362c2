package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steroids-run/steroids/internal/types"
)

// StartInvocation records a new running invocation and returns its id.
// started_at_ms and last_activity_at_ms are both set to the spawn time;
// while status=running, completed_at_ms stays null.
func (s *Store) StartInvocation(ctx context.Context, inv *types.Invocation) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_invocations (
				task_id, role, provider, model, prompt, started_at_ms, last_activity_at_ms,
				status, rejection_number, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, 0), ?)
		`, inv.TaskID, inv.Role, inv.Provider, inv.Model, inv.Prompt, inv.StartedAtMS,
			inv.StartedAtMS, types.InvocationRunning, inv.RejectionNumber, now())
		if err != nil {
			return fmt.Errorf("start invocation for task %s: %w", inv.TaskID, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// TouchInvocationActivity updates last_activity_at_ms. The supervisor
// calls it as subprocess output arrives, at most once a second, so the
// column can trail the latest output by up to a second.
func (s *Store) TouchInvocationActivity(ctx context.Context, id int64, activityAtMS int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_invocations SET last_activity_at_ms = ? WHERE id = ?`, activityAtMS, id)
	if err != nil {
		return fmt.Errorf("touch invocation %d activity: %w", id, err)
	}
	return nil
}

// CloseInvocationResult captures the single atomic write that finalizes an
// invocation row.
type CloseInvocationResult struct {
	CompletedAtMS int64
	DurationMS    int64
	Status        types.InvocationStatus
	Success       bool
	TimedOut      bool
	ExitCode      int
	Response      string
	Error         string
}

// CloseInvocation finalizes a running invocation exactly once.
func (s *Store) CloseInvocation(ctx context.Context, id int64, r CloseInvocationResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_invocations
			SET completed_at_ms = ?, duration_ms = ?, status = ?, success = ?, timed_out = ?,
			    exit_code = ?, response = ?, error = NULLIF(?, '')
			WHERE id = ? AND status = 'running'
		`, r.CompletedAtMS, r.DurationMS, r.Status, boolToInt(r.Success), boolToInt(r.TimedOut),
			r.ExitCode, r.Response, r.Error, id)
		if err != nil {
			return fmt.Errorf("close invocation %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("invocation %d already closed or missing", id)
		}
		return nil
	})
}

// LatestInvocation returns the most recent invocation for a task (any
// role/status), or nil if none exist — used by the stuck-task detector's
// "zero invocations on record" check.
func (s *Store) LatestInvocation(ctx context.Context, taskID string) (*types.Invocation, error) {
	row := s.db.QueryRowContext(ctx, invocationSelectColumns+`
		WHERE task_id = ? ORDER BY started_at_ms DESC LIMIT 1
	`, taskID)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest invocation for task %s: %w", taskID, err)
	}
	return inv, nil
}

// RunningInvocationForTask returns the running invocation row for a task,
// if any — used by the hanging-invocation detector.
func (s *Store) RunningInvocationForTask(ctx context.Context, taskID string) (*types.Invocation, error) {
	row := s.db.QueryRowContext(ctx, invocationSelectColumns+`
		WHERE task_id = ? AND status = 'running' ORDER BY started_at_ms DESC LIMIT 1
	`, taskID)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running invocation for task %s: %w", taskID, err)
	}
	return inv, nil
}

// ListRunningInvocationsOlderThan returns every invocation still marked
// running whose started_at_ms predates cutoffMS — used by the periodic
// sanitizer.
func (s *Store) ListRunningInvocationsOlderThan(ctx context.Context, cutoffMS int64) ([]*types.Invocation, error) {
	rows, err := s.db.QueryContext(ctx, invocationSelectColumns+`
		WHERE status = 'running' AND started_at_ms < ?
	`, cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("list stale running invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ListInvocationsForTask returns every invocation recorded against a task,
// oldest first — used to assemble the rejection-pattern intervention's
// history of coder/reviewer rounds.
func (s *Store) ListInvocationsForTask(ctx context.Context, taskID string) ([]*types.Invocation, error) {
	rows, err := s.db.QueryContext(ctx, invocationSelectColumns+`
		WHERE task_id = ? ORDER BY started_at_ms ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list invocations for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const invocationSelectColumns = `
	SELECT id, task_id, role, COALESCE(provider, ''), COALESCE(model, ''), COALESCE(prompt, ''),
	       COALESCE(response, ''), COALESCE(error, ''), started_at_ms, completed_at_ms,
	       COALESCE(last_activity_at_ms, 0), status, exit_code, duration_ms, success, timed_out,
	       COALESCE(rejection_number, 0), created_at
	FROM task_invocations`

func scanInvocation(row rowScanner) (*types.Invocation, error) {
	var inv types.Invocation
	var completedAtMS sql.NullInt64
	var success, timedOut int
	err := row.Scan(&inv.ID, &inv.TaskID, &inv.Role, &inv.Provider, &inv.Model, &inv.Prompt,
		&inv.Response, &inv.Error, &inv.StartedAtMS, &completedAtMS, &inv.LastActivityAtMS,
		&inv.Status, &inv.ExitCode, &inv.DurationMS, &success, &timedOut,
		&inv.RejectionNumber, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if completedAtMS.Valid {
		inv.CompletedAtMS = &completedAtMS.Int64
	}
	inv.Success = success != 0
	inv.TimedOut = timedOut != 0
	return &inv, nil
}
