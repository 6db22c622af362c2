package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/steroids-run/steroids/internal/types"
)

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	if t.Status == "" {
		t.Status = types.StatusPending
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, status, section_id, source_file, file_path, file_line,
				file_commit_sha, file_content_hash, rejection_count, failure_count,
				created_at, updated_at
			) VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
		`, t.ID, t.Title, t.Status, t.SectionID, t.SourceFile, t.FilePath, t.FileLine,
			t.FileCommitSHA, t.FileContentHash, t.RejectionCount, t.FailureCount, ts, ts)
		if err != nil {
			return fmt.Errorf("create task %s: %w", t.ID, err)
		}
		t.CreatedAt, t.UpdatedAt = ts, ts
		return nil
	})
}

// GetTask fetches a single task by id, or (nil, nil) if it does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

const taskSelectColumns = `
	SELECT id, title, status, COALESCE(section_id, ''), COALESCE(source_file, ''),
	       COALESCE(file_path, ''), COALESCE(file_line, 0), COALESCE(file_commit_sha, ''),
	       COALESCE(file_content_hash, ''), rejection_count, failure_count, last_failure_at,
	       created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var lastFailureAt sql.NullTime
	err := row.Scan(&t.ID, &t.Title, &t.Status, &t.SectionID, &t.SourceFile,
		&t.FilePath, &t.FileLine, &t.FileCommitSHA, &t.FileContentHash,
		&t.RejectionCount, &t.FailureCount, &lastFailureAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastFailureAt.Valid {
		t.LastFailureAt = &lastFailureAt.Time
	}
	return &t, nil
}

// TaskCounts summarizes how many tasks exist per status, used by the
// orchestrator loop to decide between "idle, done" and "sleep and
// retry".
type TaskCounts struct {
	Pending    int
	InProgress int
	Review     int
	Completed  int
	Disputed   int
	Failed     int
	Skipped    int
}

// CountTasksByStatus returns, optionally scoped to sectionIDs, how many
// tasks are in each status.
func (s *Store) CountTasksByStatus(ctx context.Context, sectionIDs []string) (TaskCounts, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	args := make([]any, 0, len(sectionIDs))
	if len(sectionIDs) > 0 {
		query += ` WHERE section_id IN (` + placeholders(len(sectionIDs)) + `)`
		for _, id := range sectionIDs {
			args = append(args, id)
		}
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskCounts{}, fmt.Errorf("count tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var c TaskCounts
	for rows.Next() {
		var status types.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return TaskCounts{}, fmt.Errorf("scan task count: %w", err)
		}
		switch status {
		case types.StatusPending:
			c.Pending = n
		case types.StatusInProgress:
			c.InProgress = n
		case types.StatusReview:
			c.Review = n
		case types.StatusCompleted:
			c.Completed = n
		case types.StatusDisputed:
			c.Disputed = n
		case types.StatusFailed:
			c.Failed = n
		case types.StatusSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// TransitionTask moves a task from its current status to `to`, appending an
// audit row in the same transaction.
// The caller must already hold the task's lease except for recovery-driven
// transitions, which pass actorType=recovery.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to types.TaskStatus, actor string, actorType types.ActorType, notes, commitSHA string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var from types.TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&from); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %s not found", taskID)
			}
			return fmt.Errorf("read task status: %w", err)
		}
		if from == to {
			return nil // no-op transitions are not audited
		}

		ts := now()
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, to, ts, taskID); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit (task_id, from_status, to_status, actor, actor_type, notes, commit_sha, created_at)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
		`, taskID, from, to, actor, actorType, notes, commitSHA, ts); err != nil {
			return fmt.Errorf("append audit row: %w", err)
		}
		return nil
	})
}

// IncrementRejection bumps rejection_count (capped at types.MaxRejectionCount)
// and transitions review->in_progress in one transaction.
func (s *Store) IncrementRejection(ctx context.Context, taskID, actor string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var from types.TaskStatus
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT status, rejection_count FROM tasks WHERE id = ?`, taskID).Scan(&from, &count); err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if count < types.MaxRejectionCount {
			count++
		}
		ts := now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, rejection_count = ?, updated_at = ? WHERE id = ?
		`, types.StatusInProgress, count, ts, taskID); err != nil {
			return fmt.Errorf("update rejection count: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit (task_id, from_status, to_status, actor, actor_type, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, taskID, from, types.StatusInProgress, actor, types.ActorReviewer, "rejected by reviewer", ts); err != nil {
			return fmt.Errorf("append audit row: %w", err)
		}
		return nil
	})
}

// IncrementFailure bumps failure_count and last_failure_at, used by the
// recovery engine when it returns an orphaned task to pending.
func (s *Store) IncrementFailure(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	ts := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET failure_count = failure_count + 1, last_failure_at = ?, updated_at = ? WHERE id = ?
	`, ts, ts, taskID)
	if err != nil {
		return 0, fmt.Errorf("increment failure_count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("task %s not found", taskID)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT failure_count FROM tasks WHERE id = ?`, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read failure_count: %w", err)
	}
	return count, nil
}

// ListCandidateTasks returns tasks in one of the given statuses, optionally
// scoped to sectionIDs, ordered by their section's position ascending
// (tasks without a section last; the order of sectionIDs itself plays no
// part) and within each section by created_at ascending — the raw feed
// the selector tiers its priority policy from.
func (s *Store) ListCandidateTasks(ctx context.Context, statuses []types.TaskStatus, sectionIDs []string) ([]*types.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := strings.Replace(taskSelectColumns,
		"\n\tFROM tasks",
		",\n\t       COALESCE((SELECT position FROM sections WHERE sections.id = tasks.section_id), 2147483647) AS sec_pos\n\tFROM tasks",
		1)
	query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
	args := make([]any, 0, len(statuses)+len(sectionIDs))
	for _, st := range statuses {
		args = append(args, st)
	}
	if len(sectionIDs) > 0 {
		query += ` AND section_id IN (` + placeholders(len(sectionIDs)) + `)`
		for _, id := range sectionIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY sec_pos ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidate tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Task
	for rows.Next() {
		var t types.Task
		var lastFailureAt sql.NullTime
		var secPos int
		if err := rows.Scan(&t.ID, &t.Title, &t.Status, &t.SectionID, &t.SourceFile,
			&t.FilePath, &t.FileLine, &t.FileCommitSHA, &t.FileContentHash,
			&t.RejectionCount, &t.FailureCount, &lastFailureAt, &t.CreatedAt, &t.UpdatedAt, &secPos); err != nil {
			return nil, fmt.Errorf("scan candidate task: %w", err)
		}
		if lastFailureAt.Valid {
			t.LastFailureAt = &lastFailureAt.Time
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// WithTx exposes the transaction helper to collaborating packages
// (selector, locking, recovery) that need to compose task mutations with
// their own lock-table mutations atomically.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
