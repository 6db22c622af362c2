// Package migrations holds the raw SQL bodies for each project-local schema
// migration. Each migration is a pair of exported string constants (Up/Down)
// so that internal/store/sqlite can embed a checksum of the Up body and the
// migrate.Runner can apply/roll back without reaching into this package's
// internals.
package migrations

// UpInitialSchema creates every table of the project-local store.
const UpInitialSchema = `
CREATE TABLE IF NOT EXISTS sections (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	priority   INTEGER NOT NULL DEFAULT 50,
	skipped    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sections_position ON sections(position);

CREATE TABLE IF NOT EXISTS section_dependencies (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	section_id             TEXT NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
	depends_on_section_id  TEXT NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
	UNIQUE (section_id, depends_on_section_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending'
	                    CHECK (status IN ('pending','in_progress','review','completed','disputed','failed','skipped')),
	section_id        TEXT REFERENCES sections(id) ON DELETE SET NULL,
	source_file       TEXT,
	file_path         TEXT,
	file_line         INTEGER,
	file_commit_sha   TEXT,
	file_content_hash TEXT,
	rejection_count   INTEGER NOT NULL DEFAULT 0,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	last_failure_at   DATETIME,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_section_id ON tasks(section_id);
CREATE INDEX IF NOT EXISTS idx_tasks_failure_count ON tasks(failure_count);

CREATE TABLE IF NOT EXISTS audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	from_status TEXT,
	to_status   TEXT NOT NULL,
	actor       TEXT,
	actor_type  TEXT NOT NULL DEFAULT 'human',
	model       TEXT,
	notes       TEXT,
	commit_sha  TEXT,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_task_id ON audit(task_id);

CREATE TABLE IF NOT EXISTS task_invocations (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	role                TEXT NOT NULL,
	provider            TEXT,
	model               TEXT,
	prompt              TEXT,
	response            TEXT,
	error               TEXT,
	started_at_ms       INTEGER NOT NULL,
	completed_at_ms     INTEGER,
	last_activity_at_ms INTEGER,
	status              TEXT NOT NULL DEFAULT 'running'
	                      CHECK (status IN ('running','completed','failed','timeout')),
	exit_code           INTEGER NOT NULL DEFAULT 0,
	duration_ms         INTEGER NOT NULL DEFAULT 0,
	success             INTEGER NOT NULL DEFAULT 0,
	timed_out           INTEGER NOT NULL DEFAULT 0,
	rejection_number    INTEGER,
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_invocations_task_status_started
	ON task_invocations(task_id, status, started_at_ms DESC);

CREATE TABLE IF NOT EXISTS task_locks (
	task_id      TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	runner_id    TEXT NOT NULL,
	acquired_at  DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL,
	heartbeat_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_locks_expires_at ON task_locks(expires_at);

CREATE TABLE IF NOT EXISTS section_locks (
	section_id  TEXT PRIMARY KEY REFERENCES sections(id) ON DELETE CASCADE,
	runner_id   TEXT NOT NULL,
	acquired_at DATETIME NOT NULL,
	expires_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_section_locks_expires_at ON section_locks(expires_at);

CREATE TABLE IF NOT EXISTS merge_locks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	runner_id    TEXT NOT NULL,
	acquired_at  DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL,
	heartbeat_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_merge_locks_session ON merge_locks(session_id);

CREATE TABLE IF NOT EXISTS merge_progress (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	workstream_id TEXT NOT NULL,
	position      INTEGER NOT NULL,
	commit_sha    TEXT,
	status        TEXT NOT NULL CHECK (status IN ('applied','conflict','skipped')),
	conflict_task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	applied_at    DATETIME
);

CREATE TABLE IF NOT EXISTS incidents (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id      TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	runner_id    TEXT,
	failure_mode TEXT NOT NULL,
	detected_at  DATETIME NOT NULL,
	resolved_at  DATETIME,
	resolution   TEXT,
	details      TEXT,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_incidents_detected_at ON incidents(detected_at);
CREATE INDEX IF NOT EXISTS idx_incidents_failure_mode ON incidents(failure_mode);

CREATE TABLE IF NOT EXISTS disputes (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id           TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	type              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','resolved')),
	reason            TEXT,
	coder_position    TEXT,
	reviewer_position TEXT,
	resolution        TEXT,
	resolution_notes  TEXT,
	created_by        TEXT,
	resolved_by       TEXT,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_disputes_task_id ON disputes(task_id);

CREATE TABLE IF NOT EXISTS sanitizer_runs (
	project_path TEXT PRIMARY KEY,
	last_run_at  DATETIME NOT NULL
);
`

// DownInitialSchema reverses UpInitialSchema.
const DownInitialSchema = `
DROP TABLE IF EXISTS sanitizer_runs;
DROP TABLE IF EXISTS disputes;
DROP TABLE IF EXISTS incidents;
DROP TABLE IF EXISTS merge_progress;
DROP TABLE IF EXISTS merge_locks;
DROP TABLE IF EXISTS section_locks;
DROP TABLE IF EXISTS task_locks;
DROP TABLE IF EXISTS task_invocations;
DROP TABLE IF EXISTS audit;
DROP TABLE IF EXISTS tasks;
DROP TABLE IF EXISTS section_dependencies;
DROP TABLE IF EXISTS sections;
`
