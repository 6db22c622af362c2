package globaldb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/steroids-run/steroids/internal/store/migrate"
)

var migrationsList = []migrate.Migration{
	{ID: 1, Name: "initial_schema", Up: upInitialSchema, Down: downInitialSchema},
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

// RunMigrations brings db forward to the latest registered global-store
// migration.
func RunMigrations(ctx context.Context, db *sql.DB, backupDir *string) error {
	runner := migrate.NewRunner(db, migrationsList)
	if backupDir != nil {
		runner.BackupDir = *backupDir
	}
	return runner.Up(ctx, 0)
}

// SchemaVersion returns the currently applied global schema version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	return migrate.CurrentVersion(ctx, db)
}

const upInitialSchema = `
CREATE TABLE IF NOT EXISTS runners (
	id                  TEXT PRIMARY KEY,
	status              TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','stopped')),
	pid                 INTEGER NOT NULL,
	project_path        TEXT NOT NULL,
	current_task_id     TEXT,
	section_id          TEXT,
	parallel_session_id TEXT,
	started_at          DATETIME NOT NULL,
	heartbeat_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runners_project_path ON runners(project_path);
CREATE INDEX IF NOT EXISTS idx_runners_heartbeat_at ON runners(heartbeat_at);

CREATE TABLE IF NOT EXISTS runner_lock (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	runner_id   TEXT NOT NULL,
	acquired_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	path            TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	registered_at   DATETIME NOT NULL,
	last_seen_at    DATETIME NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	stats_completed INTEGER NOT NULL DEFAULT 0,
	stats_failed    INTEGER NOT NULL DEFAULT 0,
	stats_pending   INTEGER NOT NULL DEFAULT 0,
	stats_updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS parallel_sessions (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL REFERENCES projects(path) ON DELETE CASCADE,
	status       TEXT NOT NULL
	               CHECK (status IN ('running','merging','completed','failed','blocked_validation','blocked_recovery','aborted')),
	created_at   DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_parallel_sessions_project_path ON parallel_sessions(project_path);

CREATE TABLE IF NOT EXISTS workstreams (
	id                     TEXT PRIMARY KEY,
	session_id             TEXT NOT NULL REFERENCES parallel_sessions(id) ON DELETE CASCADE,
	branch_name            TEXT NOT NULL,
	section_ids            TEXT NOT NULL,
	clone_path             TEXT NOT NULL,
	status                 TEXT NOT NULL CHECK (status IN ('running','completed','failed','aborted')),
	runner_id              TEXT,
	lease_expires_at       DATETIME,
	recovery_attempts      INTEGER NOT NULL DEFAULT 0,
	next_retry_at          DATETIME,
	last_reconcile_action  TEXT,
	last_reconciled_at     DATETIME,
	completed_at           DATETIME,
	created_at             DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workstreams_session_id ON workstreams(session_id);
CREATE INDEX IF NOT EXISTS idx_workstreams_lease_expires_at ON workstreams(lease_expires_at);

CREATE TABLE IF NOT EXISTS activity_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	project_path    TEXT NOT NULL,
	runner_id       TEXT,
	task_id         TEXT,
	task_title      TEXT,
	section_name    TEXT,
	final_status    TEXT,
	commit_message  TEXT,
	commit_sha      TEXT,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_activity_log_project_path ON activity_log(project_path, created_at DESC);
`

const downInitialSchema = `
DROP TABLE IF EXISTS activity_log;
DROP TABLE IF EXISTS workstreams;
DROP TABLE IF EXISTS parallel_sessions;
DROP TABLE IF EXISTS projects;
DROP TABLE IF EXISTS runner_lock;
DROP TABLE IF EXISTS runners;
`
