// Package store persists draft notes, their versions, owners and attachments in SQLite.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	kind     TEXT NOT NULL,
	id       INTEGER NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS versions (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	step_name  TEXT NOT NULL DEFAULT '',
	project_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id INTEGER NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
	owner_kind TEXT NOT NULL,
	owner_id   INTEGER NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (owner_kind, owner_id) REFERENCES users(kind, id),
	UNIQUE(version_id, owner_kind, owner_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	note_id      INTEGER NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
	owner_kind   TEXT NOT NULL,
	owner_id     INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	locator      TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	FOREIGN KEY (owner_kind, owner_id) REFERENCES users(kind, id)
);

CREATE INDEX IF NOT EXISTS idx_versions_project_step ON versions(project_id, step_name);
CREATE INDEX IF NOT EXISTS idx_notes_version ON notes(version_id);
CREATE INDEX IF NOT EXISTS idx_attachments_note ON attachments(note_id);
`

// DB wraps a sql.DB with draft-note operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Ping checks the database is reachable.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
