// Package globaldb owns the cross-project global store: registered
// runners, the single-writer runner lock, known projects, parallel merge
// sessions and their workstreams, and the activity log.
package globaldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the global database handle.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the file (and parent directory) if missing, enables WAL
// journaling, and brings the schema forward to the latest migration.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create global store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open global store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}

	if err := ensureMetaTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := RunMigrations(ctx, db, nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for collaborating packages.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the underlying file path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

// DefaultHome resolves $STEROIDS_HOME, falling back to the invoking user's
// home directory; DefaultPath builds the global store path under it.
func DefaultHome() (string, error) {
	if h := os.Getenv("STEROIDS_HOME"); h != "" {
		return h, nil
	}
	return os.UserHomeDir()
}

// DefaultPath returns $STEROIDS_HOME/.steroids/steroids.db (or the
// fallback home equivalent).
func DefaultPath() (string, error) {
	home, err := DefaultHome()
	if err != nil {
		return "", fmt.Errorf("resolve global store home: %w", err)
	}
	return filepath.Join(home, ".steroids", "steroids.db"), nil
}
