package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// baseSchema creates the schema-metadata and migrations-log tables that
// must exist before the migration runner can operate. All domain tables
// (tasks, sections, locks, ...) are created by migration 1 so that a fresh
// database and an upgraded database converge on the same migrations-log.
const baseSchema = `
CREATE TABLE IF NOT EXISTS _schema (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _migrations (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	checksum   TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

func ensureMetaTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("create schema-metadata tables: %w", err)
	}
	return nil
}
