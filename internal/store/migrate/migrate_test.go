package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE _schema (key TEXT PRIMARY KEY, value TEXT NOT NULL);
		CREATE TABLE _migrations (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL);
	`); err != nil {
		t.Fatalf("create meta tables: %v", err)
	}
	return db
}

func sampleMigrations() []Migration {
	ms := []Migration{
		{ID: 1, Name: "create_widgets", Up: `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`, Down: `DROP TABLE widgets`},
		{ID: 2, Name: "add_widget_color", Up: `ALTER TABLE widgets ADD COLUMN color TEXT`, Down: `ALTER TABLE widgets DROP COLUMN color`},
	}
	for i := range ms {
		ms[i].Checksum = checksum(ms[i].Up)
	}
	return ms
}

func TestUpAppliesAllPendingInOrder(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := NewRunner(db, sampleMigrations())

	if err := r.Up(ctx, 0); err != nil {
		t.Fatalf("up: %v", err)
	}

	version, err := CurrentVersion(ctx, db)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema_version 2, got %d", version)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 migration rows, got %d", count)
	}
}

func TestUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := NewRunner(db, sampleMigrations())

	if err := r.Up(ctx, 0); err != nil {
		t.Fatalf("first up: %v", err)
	}
	if err := r.Up(ctx, 0); err != nil {
		t.Fatalf("second up should be a no-op, got: %v", err)
	}
}

func TestChecksumMismatchAbortsStartup(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	ms := sampleMigrations()
	ms[0].Checksum = "deadbeef"
	r := NewRunner(db, ms)

	err := r.Up(ctx, 0)
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
}

func TestAheadOfBundleErrorsRatherThanSilentlyAccepting(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.ExecContext(ctx, `INSERT INTO _migrations (id, name, checksum, applied_at) VALUES (99, 'future', 'x', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("seed future migration: %v", err)
	}

	r := NewRunner(db, sampleMigrations())
	err := r.Up(ctx, 0)
	var ahead *AheadOfBundleError
	if !errors.As(err, &ahead) {
		t.Fatalf("expected AheadOfBundleError, got %v", err)
	}
}

func TestUpDownUpYieldsSameSchemaVersion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := NewRunner(db, sampleMigrations())

	if err := r.Up(ctx, 0); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := r.Down(ctx, 0); err != nil {
		t.Fatalf("down: %v", err)
	}
	v, err := CurrentVersion(ctx, db)
	if err != nil || v != 0 {
		t.Fatalf("expected version 0 after full rollback, got %d err=%v", v, err)
	}

	if err := r.Up(ctx, 0); err != nil {
		t.Fatalf("re-up: %v", err)
	}
	v, err = CurrentVersion(ctx, db)
	if err != nil || v != 2 {
		t.Fatalf("expected version 2 after re-up, got %d err=%v", v, err)
	}
}

func TestDownToIntermediateTarget(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := NewRunner(db, sampleMigrations())

	if err := r.Up(ctx, 0); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := r.Down(ctx, 1); err != nil {
		t.Fatalf("down to 1: %v", err)
	}

	v, err := CurrentVersion(ctx, db)
	if err != nil || v != 1 {
		t.Fatalf("expected version 1, got %d err=%v", v, err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _migrations`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 migration row remaining, got %d", count)
	}
}
