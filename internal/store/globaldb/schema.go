package globaldb

import (
	"context"
	"database/sql"
	"fmt"
)

// _schema and _migrations are the shared migrate.Runner's internal
// bookkeeping tables (same names the project-local store uses). The
// _global_schema key/value table is distinct: it is the global store's
// own metadata surface (e.g. cross-project housekeeping timestamps), not
// the migration engine's version marker.
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

CREATE TABLE IF NOT EXISTS _global_schema (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func ensureMetaTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("create global schema-metadata tables: %w", err)
	}
	return nil
}
