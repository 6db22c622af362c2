package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steroids-run/steroids/internal/types"
)

// CreateDispute records a coder/reviewer disagreement that could not be
// resolved by the rejection-pattern intervention.
func (s *Store) CreateDispute(ctx context.Context, d *types.Dispute) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO disputes (
				task_id, type, status, reason, coder_position, reviewer_position, created_by, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, d.TaskID, d.Type, types.DisputeOpen, d.Reason, d.CoderPosition, d.ReviewerPosition, d.CreatedBy, ts)
		if err != nil {
			return fmt.Errorf("create dispute for task %s: %w", d.TaskID, err)
		}
		id, err = res.LastInsertId()
		d.CreatedAt = ts
		d.Status = types.DisputeOpen
		return err
	})
	return id, err
}

// ResolveDispute closes a dispute with an operator's decision.
func (s *Store) ResolveDispute(ctx context.Context, id int64, resolvedBy, resolution, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = ?, resolution = ?, resolution_notes = NULLIF(?, ''),
		       resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = 'open'
	`, types.DisputeResolved, resolution, notes, resolvedBy, now(), id)
	if err != nil {
		return fmt.Errorf("resolve dispute %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dispute %d already resolved or missing", id)
	}
	return nil
}

// ListOpenDisputes returns every unresolved dispute, oldest first.
func (s *Store) ListOpenDisputes(ctx context.Context) ([]*types.Dispute, error) {
	rows, err := s.db.QueryContext(ctx, disputeSelectColumns+`WHERE status = 'open' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

// GetDispute fetches a single dispute by id.
func (s *Store) GetDispute(ctx context.Context, id int64) (*types.Dispute, error) {
	row := s.db.QueryRowContext(ctx, disputeSelectColumns+`WHERE id = ?`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute %d: %w", id, err)
	}
	return d, nil
}

const disputeSelectColumns = `
	SELECT id, task_id, type, status, COALESCE(reason, ''), COALESCE(coder_position, ''),
	       COALESCE(reviewer_position, ''), COALESCE(resolution, ''), COALESCE(resolution_notes, ''),
	       COALESCE(created_by, ''), COALESCE(resolved_by, ''), created_at, resolved_at
	FROM disputes `

func scanDispute(row rowScanner) (*types.Dispute, error) {
	var d types.Dispute
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TaskID, &d.Type, &d.Status, &d.Reason, &d.CoderPosition,
		&d.ReviewerPosition, &d.Resolution, &d.ResolutionNotes, &d.CreatedBy, &d.ResolvedBy,
		&d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*types.Dispute, error) {
	var out []*types.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
