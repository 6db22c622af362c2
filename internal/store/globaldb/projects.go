package globaldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Project mirrors the global store's projects row.
type Project struct {
	Path            string
	Name            string
	RegisteredAt    time.Time
	LastSeenAt      time.Time
	Enabled         bool
	StatsCompleted  int
	StatsFailed     int
	StatsPending    int
	StatsUpdatedAt  *time.Time
}

// RegisterProject records a project the first time a runner is started
// against it, or touches last_seen_at if already known.
func (s *Store) RegisterProject(ctx context.Context, path, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (path, name, registered_at, last_seen_at, enabled)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT (path) DO UPDATE SET last_seen_at = excluded.last_seen_at
		`, path, name, ts, ts)
		if err != nil {
			return fmt.Errorf("register project %s: %w", path, err)
		}
		return nil
	})
}

// SetProjectEnabled toggles whether the orchestrator loop should pick up
// work for a project at all.
func (s *Store) SetProjectEnabled(ctx context.Context, path string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET enabled = ? WHERE path = ?`, v, path)
	if err != nil {
		return fmt.Errorf("set project %s enabled=%v: %w", path, enabled, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s not registered", path)
	}
	return nil
}

// UpdateProjectStats overwrites the cached per-project completion counters
// the `doctor` / status surfaces read without scanning every project-local
// store.
func (s *Store) UpdateProjectStats(ctx context.Context, path string, completed, failed, pending int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET stats_completed = ?, stats_failed = ?, stats_pending = ?, stats_updated_at = ?
		WHERE path = ?
	`, completed, failed, pending, now(), path)
	if err != nil {
		return fmt.Errorf("update project stats %s: %w", path, err)
	}
	return nil
}

// GetProject fetches a single project by path.
func (s *Store) GetProject(ctx context.Context, path string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, projectSelectColumns+`WHERE path = ?`, path)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", path, err)
	}
	return p, nil
}

// ListProjects returns every known project.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, projectSelectColumns)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const projectSelectColumns = `
	SELECT path, name, registered_at, last_seen_at, enabled, stats_completed, stats_failed,
	       stats_pending, stats_updated_at
	FROM projects `

func scanProject(row interface{ Scan(dest ...any) error }) (*Project, error) {
	var p Project
	var enabled int
	var statsUpdatedAt sql.NullTime
	if err := row.Scan(&p.Path, &p.Name, &p.RegisteredAt, &p.LastSeenAt, &enabled,
		&p.StatsCompleted, &p.StatsFailed, &p.StatsPending, &statsUpdatedAt); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	if statsUpdatedAt.Valid {
		p.StatsUpdatedAt = &statsUpdatedAt.Time
	}
	return &p, nil
}
