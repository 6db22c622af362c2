// Package migrate implements the checksum-verified, transactional schema
// migration runner shared by the project-local and global stores.
//
// Migrations are an ordered slice of named SQL blocks, each applied in a
// single transaction, with an embedded checksum per migration (verified
// before every apply) and a recorded migrations-log that supports
// rollback.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Migration is a single ordered schema change.
type Migration struct {
	ID       int
	Name     string
	Up       string
	Down     string
	Checksum string
}

// ChecksumMismatchError is raised when a migration's embedded checksum
// does not match its recomputed checksum, a distinguished startup-abort
// condition.
type ChecksumMismatchError struct {
	MigrationID int
	Name        string
	Want        string
	Got         string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("migration %d (%s): checksum mismatch: embedded=%s recomputed=%s",
		e.MigrationID, e.Name, e.Want, e.Got)
}

// AheadOfBundleError is raised when the database's recorded
// schema_version exceeds the highest migration id this binary bundles:
// a newer build touched the file, and silently proceeding against an
// unknown schema would corrupt it.
type AheadOfBundleError struct {
	DatabaseVersion int
	BundledVersion  int
}

func (e *AheadOfBundleError) Error() string {
	return fmt.Sprintf("database schema_version %d is ahead of the %d migrations bundled in this binary",
		e.DatabaseVersion, e.BundledVersion)
}

// idempotentErrorSubstrings are SQL error texts that mean "schema
// already at the target state" (manual repair, re-created database)
// rather than a real failure.
var idempotentErrorSubstrings = []string{
	"duplicate column",
	"table already exists",
	"index already exists",
}

func isIdempotentError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range idempotentErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Runner applies an ordered list of migrations to a database.
type Runner struct {
	DB         *sql.DB
	Migrations []Migration
	// BackupDir, if non-empty, receives a timestamped snapshot of the
	// database file before any pending migration is applied.
	BackupDir string
	// DBPath is required for BackupDir to take effect.
	DBPath string
}

// NewRunner constructs a Runner over an already-sorted migration list.
func NewRunner(db *sql.DB, migrations []Migration) *Runner {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Runner{DB: db, Migrations: sorted}
}

// CurrentVersion returns the highest migration id recorded as applied.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM _migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read current schema version: %w", err)
	}
	return version, nil
}

// Up applies every migration with id greater than the current version, up
// to and including target (0 means "latest bundled").
func (r *Runner) Up(ctx context.Context, target int) error {
	current, err := CurrentVersion(ctx, r.DB)
	if err != nil {
		return err
	}

	highestBundled := 0
	for _, m := range r.Migrations {
		if m.ID > highestBundled {
			highestBundled = m.ID
		}
	}
	if current > highestBundled {
		return &AheadOfBundleError{DatabaseVersion: current, BundledVersion: highestBundled}
	}

	if target == 0 {
		target = highestBundled
	}

	pending := make([]Migration, 0)
	for _, m := range r.Migrations {
		if m.ID > current && m.ID <= target {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	if r.BackupDir != "" && r.DBPath != "" {
		if err := r.snapshot(); err != nil {
			// A failed snapshot is neither reported nor fatal: the
			// migrations below still run.
			_ = err
		}
	}

	for _, m := range pending {
		if err := r.applyUp(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyUp(ctx context.Context, m Migration) error {
	got := checksum(m.Up)
	if m.Checksum != "" && m.Checksum != got {
		return &ChecksumMismatchError{MigrationID: m.ID, Name: m.Name, Want: m.Checksum, Got: got}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d transaction: %w", m.ID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil && !isIdempotentError(err) {
		return fmt.Errorf("apply migration %d (%s): %w", m.ID, m.Name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _migrations (id, name, checksum, applied_at) VALUES (?, ?, ?, ?)
	`, m.ID, m.Name, m.Checksum, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %d: %w", m.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _schema (key, value) VALUES ('schema_version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, fmt.Sprintf("%d", m.ID)); err != nil {
		return fmt.Errorf("update schema_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.ID, err)
	}
	committed = true
	return nil
}

// Down rolls the schema back to target (inclusive), applying Down SQL in
// descending id order, removing the corresponding migrations-log rows.
func (r *Runner) Down(ctx context.Context, target int) error {
	current, err := CurrentVersion(ctx, r.DB)
	if err != nil {
		return err
	}

	pending := make([]Migration, 0)
	for _, m := range r.Migrations {
		if m.ID <= current && m.ID > target {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID > pending[j].ID })

	for _, m := range pending {
		if err := r.applyDown(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyDown(ctx context.Context, m Migration) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback of migration %d transaction: %w", m.ID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if m.Down != "" {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return fmt.Errorf("roll back migration %d (%s): %w", m.ID, m.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM _migrations WHERE id = ?`, m.ID); err != nil {
		return fmt.Errorf("remove migration-log row %d: %w", m.ID, err)
	}

	prevVersion := 0
	for _, cand := range r.Migrations {
		if cand.ID < m.ID && cand.ID > prevVersion {
			prevVersion = cand.ID
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _schema (key, value) VALUES ('schema_version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, fmt.Sprintf("%d", prevVersion)); err != nil {
		return fmt.Errorf("rewrite schema_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback of migration %d: %w", m.ID, err)
	}
	committed = true
	return nil
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sql)))
	return hex.EncodeToString(sum[:])
}

// snapshot copies the database file (and its WAL/SHM side files, if
// present) into a timestamped directory under BackupDir.
func (r *Runner) snapshot() error {
	dest := filepath.Join(r.BackupDir, time.Now().UTC().Format("2006-01-02T15-04-05"))
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := r.DBPath + suffix
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}
