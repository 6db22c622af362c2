package globaldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a parallel merge session.
type SessionStatus string

const (
	SessionRunning           SessionStatus = "running"
	SessionMerging           SessionStatus = "merging"
	SessionCompleted         SessionStatus = "completed"
	SessionFailed            SessionStatus = "failed"
	SessionBlockedValidation SessionStatus = "blocked_validation"
	SessionBlockedRecovery   SessionStatus = "blocked_recovery"
	SessionAborted           SessionStatus = "aborted"
)

// ParallelSession groups a set of workstreams cloned off the same project
// to run sections concurrently before merging back.
type ParallelSession struct {
	ID          string
	ProjectPath string
	Status      SessionStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// WorkstreamStatus is the lifecycle state of one cloned workstream.
type WorkstreamStatus string

const (
	WorkstreamRunning   WorkstreamStatus = "running"
	WorkstreamCompleted WorkstreamStatus = "completed"
	WorkstreamFailed    WorkstreamStatus = "failed"
	WorkstreamAborted   WorkstreamStatus = "aborted"
)

// Workstream is one content-addressed clone working a subset of sections.
type Workstream struct {
	ID                  string
	SessionID           string
	BranchName          string
	SectionIDs          []string
	ClonePath           string
	Status              WorkstreamStatus
	RunnerID            string
	LeaseExpiresAt      *time.Time
	RecoveryAttempts    int
	NextRetryAt         *time.Time
	LastReconcileAction string
	LastReconciledAt    *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
}

// CreateParallelSession starts a new parallel session in the running state.
func (s *Store) CreateParallelSession(ctx context.Context, sess *ParallelSession) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO parallel_sessions (id, project_path, status, created_at) VALUES (?, ?, ?, ?)
		`, sess.ID, sess.ProjectPath, SessionRunning, ts)
		if err != nil {
			return fmt.Errorf("create parallel session %s: %w", sess.ID, err)
		}
		sess.Status, sess.CreatedAt = SessionRunning, ts
		return nil
	})
}

// TransitionSession moves a parallel session to a new status, stamping
// completed_at for terminal states.
func (s *Store) TransitionSession(ctx context.Context, id string, to SessionStatus) error {
	var completedAt any
	switch to {
	case SessionCompleted, SessionFailed, SessionAborted:
		completedAt = now()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE parallel_sessions SET status = ?, completed_at = ? WHERE id = ?`, to, completedAt, id)
	if err != nil {
		return fmt.Errorf("transition session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// GetParallelSession fetches a single session by id.
func (s *Store) GetParallelSession(ctx context.Context, id string) (*ParallelSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_path, status, created_at, completed_at FROM parallel_sessions WHERE id = ?
	`, id)
	var sess ParallelSession
	var completedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ProjectPath, &sess.Status, &sess.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

// ListActiveSessions returns every session not yet in a terminal state.
func (s *Store) ListActiveSessions(ctx context.Context, projectPath string) ([]*ParallelSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_path, status, created_at, completed_at FROM parallel_sessions
		WHERE project_path = ? AND status IN ('running','merging','blocked_validation','blocked_recovery')
	`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("list active sessions for %s: %w", projectPath, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ParallelSession
	for rows.Next() {
		var sess ParallelSession
		var completedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.ProjectPath, &sess.Status, &sess.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// CreateWorkstream registers a new clone within a session.
func (s *Store) CreateWorkstream(ctx context.Context, w *Workstream) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workstreams (id, session_id, branch_name, section_ids, clone_path, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, w.ID, w.SessionID, w.BranchName, strings.Join(w.SectionIDs, ","), w.ClonePath, WorkstreamRunning, ts)
		if err != nil {
			return fmt.Errorf("create workstream %s: %w", w.ID, err)
		}
		w.Status, w.CreatedAt = WorkstreamRunning, ts
		return nil
	})
}

// AssignWorkstreamRunner binds a workstream to the runner executing it,
// with a lease expiry mirroring the task-lock lease model.
func (s *Store) AssignWorkstreamRunner(ctx context.Context, workstreamID, runnerID string, leaseTimeout time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workstreams SET runner_id = ?, lease_expires_at = ? WHERE id = ?
	`, runnerID, now().Add(leaseTimeout), workstreamID)
	if err != nil {
		return fmt.Errorf("assign workstream %s runner: %w", workstreamID, err)
	}
	return nil
}

// ReconcileWorkstream records a recovery action taken against a stuck or
// expired workstream (orphaned clone, dead runner) and bumps its retry
// bookkeeping, the parallel-session analogue of task recovery for
// workstreams.
func (s *Store) ReconcileWorkstream(ctx context.Context, workstreamID, action string, nextRetryAt *time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			UPDATE workstreams
			SET recovery_attempts = recovery_attempts + 1, last_reconcile_action = ?,
			    last_reconciled_at = ?, next_retry_at = ?
			WHERE id = ?
		`, action, ts, nextRetryAt, workstreamID)
		if err != nil {
			return fmt.Errorf("reconcile workstream %s: %w", workstreamID, err)
		}
		return nil
	})
}

// TransitionWorkstream moves a workstream to a new status, stamping
// completed_at for terminal states.
func (s *Store) TransitionWorkstream(ctx context.Context, id string, to WorkstreamStatus) error {
	var completedAt any
	switch to {
	case WorkstreamCompleted, WorkstreamFailed, WorkstreamAborted:
		completedAt = now()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workstreams SET status = ?, completed_at = ? WHERE id = ?`, to, completedAt, id)
	if err != nil {
		return fmt.Errorf("transition workstream %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workstream %s not found", id)
	}
	return nil
}

// ListWorkstreams returns every workstream belonging to a session.
func (s *Store) ListWorkstreams(ctx context.Context, sessionID string) ([]*Workstream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, branch_name, section_ids, clone_path, status, COALESCE(runner_id, ''),
		       lease_expires_at, recovery_attempts, next_retry_at, COALESCE(last_reconcile_action, ''),
		       last_reconciled_at, completed_at, created_at
		FROM workstreams WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list workstreams for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workstream: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListExpiredWorkstreams returns running workstreams whose lease has
// elapsed — candidates for reconciliation.
func (s *Store) ListExpiredWorkstreams(ctx context.Context) ([]*Workstream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, branch_name, section_ids, clone_path, status, COALESCE(runner_id, ''),
		       lease_expires_at, recovery_attempts, next_retry_at, COALESCE(last_reconcile_action, ''),
		       last_reconciled_at, completed_at, created_at
		FROM workstreams WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, now())
	if err != nil {
		return nil, fmt.Errorf("list expired workstreams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workstream: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkstream(row interface{ Scan(dest ...any) error }) (*Workstream, error) {
	var w Workstream
	var sectionIDs string
	var leaseExpiresAt, nextRetryAt, lastReconciledAt, completedAt sql.NullTime
	err := row.Scan(&w.ID, &w.SessionID, &w.BranchName, &sectionIDs, &w.ClonePath, &w.Status,
		&w.RunnerID, &leaseExpiresAt, &w.RecoveryAttempts, &nextRetryAt, &w.LastReconcileAction,
		&lastReconciledAt, &completedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sectionIDs != "" {
		w.SectionIDs = strings.Split(sectionIDs, ",")
	}
	if leaseExpiresAt.Valid {
		w.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if nextRetryAt.Valid {
		w.NextRetryAt = &nextRetryAt.Time
	}
	if lastReconciledAt.Valid {
		w.LastReconciledAt = &lastReconciledAt.Time
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	return &w, nil
}
