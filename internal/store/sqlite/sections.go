package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steroids-run/steroids/internal/types"
)

// CreateSection inserts a new section.
func (s *Store) CreateSection(ctx context.Context, sec *types.Section) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sections (id, name, position, priority, skipped, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sec.ID, sec.Name, sec.Position, sec.Priority, boolToInt(sec.Skipped), ts)
		if err != nil {
			return fmt.Errorf("create section %s: %w", sec.ID, err)
		}
		sec.CreatedAt = ts
		return nil
	})
}

// GetSection fetches a single section.
func (s *Store) GetSection(ctx context.Context, id string) (*types.Section, error) {
	var sec types.Section
	var skipped int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, position, priority, skipped, created_at FROM sections WHERE id = ?
	`, id).Scan(&sec.ID, &sec.Name, &sec.Position, &sec.Priority, &skipped, &sec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get section %s: %w", id, err)
	}
	sec.Skipped = skipped != 0
	return &sec, nil
}

// ListSections returns every section ordered by position ascending.
func (s *Store) ListSections(ctx context.Context) ([]*types.Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, position, priority, skipped, created_at FROM sections ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Section
	for rows.Next() {
		var sec types.Section
		var skipped int
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Position, &sec.Priority, &skipped, &sec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sec.Skipped = skipped != 0
		out = append(out, &sec)
	}
	return out, rows.Err()
}

// AddSectionDependency records that sectionID depends on dependsOnID. It
// refuses to create a cycle: the dependency graph is walked in application
// code, since the store has no cycle constraint.
func (s *Store) AddSectionDependency(ctx context.Context, sectionID, dependsOnID string) error {
	if sectionID == dependsOnID {
		return fmt.Errorf("section %s cannot depend on itself", sectionID)
	}
	wouldCycle, err := s.sectionDependencyReaches(ctx, dependsOnID, sectionID)
	if err != nil {
		return err
	}
	if wouldCycle {
		return fmt.Errorf("adding dependency %s -> %s would create a cycle", sectionID, dependsOnID)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO section_dependencies (section_id, depends_on_section_id) VALUES (?, ?)
			ON CONFLICT (section_id, depends_on_section_id) DO NOTHING
		`, sectionID, dependsOnID)
		if err != nil {
			return fmt.Errorf("add section dependency: %w", err)
		}
		return nil
	})
}

// sectionDependencyReaches performs a topological walk of
// section_dependencies to answer "starting from `from`, can we reach `to`
// by following depends_on edges" — used to reject cycle-creating edges.
func (s *Store) sectionDependencyReaches(ctx context.Context, from, to string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true

		rows, err := s.db.QueryContext(ctx, `SELECT depends_on_section_id FROM section_dependencies WHERE section_id = ?`, cur)
		if err != nil {
			return false, fmt.Errorf("walk section dependencies: %w", err)
		}
		for rows.Next() {
			var next string
			if err := rows.Scan(&next); err != nil {
				_ = rows.Close()
				return false, fmt.Errorf("scan dependency edge: %w", err)
			}
			stack = append(stack, next)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return false, err
		}
		_ = rows.Close()
	}
	return false, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
