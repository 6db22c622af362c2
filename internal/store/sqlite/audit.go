package sqlite

import (
	"context"
	"fmt"

	"github.com/steroids-run/steroids/internal/types"
)

// ListAudit returns a task's audit trail in chronological order.
func (s *Store) ListAudit(ctx context.Context, taskID string) ([]*types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, COALESCE(from_status, ''), to_status, COALESCE(actor, ''),
		       actor_type, COALESCE(model, ''), COALESCE(notes, ''), COALESCE(commit_sha, ''), created_at
		FROM audit WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.Actor,
			&e.ActorType, &e.Model, &e.Notes, &e.CommitSHA, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
