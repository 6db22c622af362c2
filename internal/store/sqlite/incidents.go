package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steroids-run/steroids/internal/types"
)

// RecordIncident appends an incident row for a detected pathology.
func (s *Store) RecordIncident(ctx context.Context, inc *types.Incident) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO incidents (task_id, runner_id, failure_mode, detected_at, details, created_at)
			VALUES (NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?)
		`, inc.TaskID, inc.RunnerID, inc.FailureMode, inc.DetectedAt, inc.Details, ts)
		if err != nil {
			return fmt.Errorf("record incident: %w", err)
		}
		id, err = res.LastInsertId()
		inc.CreatedAt = ts
		return err
	})
	return id, err
}

// ResolveIncident marks an incident resolved, recording how it was handled.
func (s *Store) ResolveIncident(ctx context.Context, id int64, resolution string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET resolved_at = ?, resolution = ? WHERE id = ? AND resolved_at IS NULL
	`, now(), resolution, id)
	if err != nil {
		return fmt.Errorf("resolve incident %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %d already resolved or missing", id)
	}
	return nil
}

// CountIncidentsSince returns how many incidents of any mode were recorded
// at or after `since` — the rate-limit check the detector runs before
// acting.
func (s *Store) CountIncidentsSince(ctx context.Context, since sql.NullTime) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE detected_at >= ?`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent incidents: %w", err)
	}
	return n, nil
}

// ListOpenIncidents returns every unresolved incident, oldest first.
func (s *Store) ListOpenIncidents(ctx context.Context) ([]*types.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(task_id, ''), COALESCE(runner_id, ''), failure_mode, detected_at,
		       resolved_at, COALESCE(resolution, ''), COALESCE(details, ''), created_at
		FROM incidents WHERE resolved_at IS NULL ORDER BY detected_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIncidents(rows)
}

// ListIncidentsForTask returns every incident recorded against a task.
func (s *Store) ListIncidentsForTask(ctx context.Context, taskID string) ([]*types.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(task_id, ''), COALESCE(runner_id, ''), failure_mode, detected_at,
		       resolved_at, COALESCE(resolution, ''), COALESCE(details, ''), created_at
		FROM incidents WHERE task_id = ? ORDER BY detected_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list incidents for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanIncidents(rows)
}

func scanIncidents(rows *sql.Rows) ([]*types.Incident, error) {
	var out []*types.Incident
	for rows.Next() {
		var inc types.Incident
		var resolvedAt sql.NullTime
		if err := rows.Scan(&inc.ID, &inc.TaskID, &inc.RunnerID, &inc.FailureMode, &inc.DetectedAt,
			&resolvedAt, &inc.Resolution, &inc.Details, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		if resolvedAt.Valid {
			inc.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}
