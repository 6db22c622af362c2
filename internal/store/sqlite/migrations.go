package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/steroids-run/steroids/internal/store/migrate"
	"github.com/steroids-run/steroids/internal/store/sqlite/migrations"
)

// migrationsList is the ordered list of all registered migrations for
// the project-local store. The Up/Down bodies are plain SQL strings,
// checksummed and reversible.
var migrationsList = []migrate.Migration{
	{ID: 1, Name: "initial_schema", Up: migrations.UpInitialSchema, Down: migrations.DownInitialSchema},
	{ID: 2, Name: "merge_progress_indexes", Up: migrations.UpMergeProgressIndexes, Down: migrations.DownMergeProgressIndexes},
	{ID: 3, Name: "dispute_indexes", Up: migrations.UpDisputeIndexes, Down: migrations.DownDisputeIndexes},
}

func init() {
	for i := range migrationsList {
		migrationsList[i].Checksum = checksum(migrationsList[i].Up)
	}
	sort.Slice(migrationsList, func(i, j int) bool { return migrationsList[i].ID < migrationsList[j].ID })
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sql)))
	return hex.EncodeToString(sum[:])
}

// RunMigrations brings db forward to the latest registered migration,
// optionally snapshotting the file at dbPath to backupDir first. It is
// safe to call on every Open: a database already at the latest version is
// a no-op.
func RunMigrations(ctx context.Context, db *sql.DB, dbPath string, backupDir *string) error {
	runner := migrate.NewRunner(db, migrationsList)
	if backupDir != nil {
		runner.BackupDir = *backupDir
		runner.DBPath = dbPath
	}
	return runner.Up(ctx, 0) // 0 = latest
}

// PendingMigrations reports how many registered migrations have not yet
// been applied to db.
func PendingMigrations(ctx context.Context, db *sql.DB) (int, error) {
	current, err := migrate.CurrentVersion(ctx, db)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, m := range migrationsList {
		if m.ID > current {
			pending++
		}
	}
	return pending, nil
}

// SchemaVersion returns the currently applied schema version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	return migrate.CurrentVersion(ctx, db)
}

// ListMigrations returns metadata about every registered migration, in
// ascending id order.
func ListMigrations() []migrate.Migration {
	out := make([]migrate.Migration, len(migrationsList))
	copy(out, migrationsList)
	return out
}
