// Package store opens the SQLite database that backs the job queue, the session
// table, runtime settings and the poller's seen-comment set.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	queue          TEXT NOT NULL,
	name           TEXT NOT NULL,
	payload        TEXT NOT NULL,
	status         TEXT NOT NULL,
	attempts_made  INTEGER NOT NULL DEFAULT 0,
	max_attempts   INTEGER NOT NULL,
	backoff_type   TEXT NOT NULL,
	backoff_ms     INTEGER NOT NULL,
	run_at         INTEGER NOT NULL,
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (queue, status, run_at);

CREATE TABLE IF NOT EXISTS sessions (
	session_key    TEXT PRIMARY KEY,
	workspace_path TEXT NOT NULL,
	last_used_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS seen_comments (
	comment_id TEXT PRIMARY KEY,
	seen_at    INTEGER NOT NULL
);
`

// Open opens (creating if needed) the database at path and applies the schema.
// SQLite allows a single writer, so the pool is capped at one connection.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}
