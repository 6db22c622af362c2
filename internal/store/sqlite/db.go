// Package sqlite owns the project-local store: schema, migrations, and the
// typed transactional query surface the rest of the core is built on.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steroids-run/steroids/internal/errs"
)

// Store wraps the project-local database handle.
type Store struct {
	db   *sql.DB
	path string
}

// OpenOption adjusts how Open prepares the store.
type OpenOption func(*openConfig)

type openConfig struct {
	backupDir   string
	autoMigrate bool
}

// WithBackupDir snapshots the database file into a timestamped directory
// under dir before any pending migration is applied. Backup failures are
// not reported and never fatal.
func WithBackupDir(dir string) OpenOption {
	return func(c *openConfig) { c.backupDir = dir }
}

// WithoutAutoMigrate refuses to open a store that is behind the bundled
// schema instead of migrating it in place, for operators who want
// migration to be an explicit step.
func WithoutAutoMigrate() OpenOption {
	return func(c *openConfig) { c.autoMigrate = false }
}

// Open creates the file (and parent directory) if missing, enables WAL
// journaling, sets a 5s busy-timeout, ensures the schema-metadata and
// migrations-log tables exist, and brings the schema forward to the latest
// migration.
func Open(ctx context.Context, path string, opts ...OpenOption) (*Store, error) {
	cfg := openConfig{autoMigrate: true}
	for _, o := range opts {
		o(&cfg)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create project store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer per process handle; WAL allows concurrent readers across processes

	s := &Store{db: db, path: path}

	if err := ensureMetaTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if !cfg.autoMigrate {
		if n, err := PendingMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		} else if n > 0 {
			_ = db.Close()
			return nil, fmt.Errorf("store %s is %d migrations behind and autoMigrate is disabled; run `steroids migrate`", path, n)
		}
		return s, nil
	}

	var backupDir *string
	if cfg.backupDir != "" {
		backupDir = &cfg.backupDir
	}
	if err := RunMigrations(ctx, db, path, backupDir); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// DB exposes the raw handle for packages (locking, selector, recovery) that
// need to compose transactions across concerns.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the underlying file path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// busyRetries bounds how many attempts (the first included) a transaction
// that loses out to another writer past the driver's 5s busy-timeout gets
// before the error is surfaced as DBBusyError.
const busyRetries = 3

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error. Contention past the busy-timeout is retried with a
// short backoff before giving up.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		lastErr = s.runTx(ctx, fn)
		if !isBusyError(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return &errs.DBBusyError{Op: "transaction", Attempts: busyRetries, Err: lastErr}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
