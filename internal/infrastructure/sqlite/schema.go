package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/memva/memva/internal/log"
)

// migrations are applied in order; PRAGMA user_version tracks which
// have run. Never edit an entry after release, append a new one.
var migrations = []string{
	// v1: initial schema
	`
CREATE TABLE sessions (
	id                       TEXT PRIMARY KEY,
	title                    TEXT NOT NULL DEFAULT '',
	project_path             TEXT NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'active',
	claude_status            TEXT NOT NULL DEFAULT 'not_started',
	latest_claude_session_id TEXT NOT NULL DEFAULT '',
	settings                 TEXT,
	metadata                 TEXT,
	created_at               TEXT NOT NULL,
	updated_at               TEXT NOT NULL
);

CREATE INDEX idx_sessions_status ON sessions(status, created_at DESC);

CREATE TABLE events (
	uuid             TEXT PRIMARY KEY,
	memva_session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	session_id       TEXT NOT NULL DEFAULT '',
	event_type       TEXT NOT NULL,
	timestamp        TEXT NOT NULL,
	parent_uuid      TEXT,
	is_sidechain     INTEGER NOT NULL DEFAULT 0,
	cwd              TEXT NOT NULL DEFAULT '',
	project_name     TEXT NOT NULL DEFAULT '',
	data             TEXT NOT NULL,
	visible          INTEGER NOT NULL DEFAULT 1,
	synced_at        TEXT NOT NULL
);

CREATE INDEX idx_memva_session_id ON events(memva_session_id, timestamp);
CREATE INDEX idx_events_session_id ON events(memva_session_id, session_id);

CREATE TABLE jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	data         TEXT,
	status       TEXT NOT NULL DEFAULT 'pending',
	priority     INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	error        TEXT NOT NULL DEFAULT '',
	result       TEXT,
	scheduled_at TEXT,
	started_at   TEXT,
	completed_at TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE INDEX idx_jobs_status_priority ON jobs(status, priority DESC, created_at);
CREATE INDEX idx_jobs_type_status ON jobs(type, status);

CREATE TABLE permission_requests (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	tool_name   TEXT NOT NULL,
	tool_use_id TEXT NOT NULL DEFAULT '',
	input       TEXT,
	status      TEXT NOT NULL DEFAULT 'pending',
	decision    TEXT,
	decided_at  TEXT,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);

CREATE INDEX idx_permission_requests_session ON permission_requests(session_id, status);
CREATE INDEX idx_permission_requests_expires_at ON permission_requests(expires_at);

CREATE TABLE settings (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	max_turns         INTEGER NOT NULL,
	permission_mode   TEXT NOT NULL,
	default_directory TEXT NOT NULL DEFAULT '',
	updated_at        TEXT NOT NULL
);
`,
}

// migrate applies pending migrations inside transactions, bumping
// user_version after each.
func migrate(conn *sql.DB) error {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("starting migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", i+1, err)
		}
		log.Info(log.CatStore, "applied migration", "version", i+1)
	}
	return nil
}
