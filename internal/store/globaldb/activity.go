package globaldb

import (
	"context"
	"fmt"
	"time"
)

// ActivityEntry is one completed-task record kept for cross-project
// history and `doctor`/status reporting.
type ActivityEntry struct {
	ID            int64
	ProjectPath   string
	RunnerID      string
	TaskID        string
	TaskTitle     string
	SectionName   string
	FinalStatus   string
	CommitMessage string
	CommitSHA     string
	CreatedAt     time.Time
}

// AppendActivity records a completed (or otherwise terminal) task outcome.
func (s *Store) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (
			project_path, runner_id, task_id, task_title, section_name, final_status,
			commit_message, commit_sha, created_at
		) VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)
	`, e.ProjectPath, e.RunnerID, e.TaskID, e.TaskTitle, e.SectionName, e.FinalStatus,
		e.CommitMessage, e.CommitSHA, ts)
	if err != nil {
		return fmt.Errorf("append activity for project %s: %w", e.ProjectPath, err)
	}
	e.CreatedAt = ts
	return nil
}

// ListRecentActivity returns the most recent activity rows for a project,
// newest first, capped at limit.
func (s *Store) ListRecentActivity(ctx context.Context, projectPath string, limit int) ([]*ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_path, COALESCE(runner_id, ''), COALESCE(task_id, ''), COALESCE(task_title, ''),
		       COALESCE(section_name, ''), COALESCE(final_status, ''), COALESCE(commit_message, ''),
		       COALESCE(commit_sha, ''), created_at
		FROM activity_log WHERE project_path = ? ORDER BY created_at DESC LIMIT ?
	`, projectPath, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent activity for %s: %w", projectPath, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.ProjectPath, &e.RunnerID, &e.TaskID, &e.TaskTitle,
			&e.SectionName, &e.FinalStatus, &e.CommitMessage, &e.CommitSHA, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
