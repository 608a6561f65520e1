// Package store provides SQLite-backed persistence for policies, runs, and
// audit events. Documents are stored as JSON columns; indexed scalar columns
// exist only for lookups and ordering.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS policies (
	project_id    TEXT PRIMARY KEY,
	document_json TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	workstream_id TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	status        TEXT NOT NULL,
	run_json      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, started_at);

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	run_id     TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	event_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
`

// NewDB opens the SQLite database at path, applies the recommended pragmas,
// and runs the schema migration. The parent directory is created if needed.
func NewDB(path string) (*sql.DB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", trimmed)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers but SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}
