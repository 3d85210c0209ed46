// Package store is the hub's durable persistence layer: a single SQLite
// file (WAL mode) holding sessions, rooms, the sent-message-id log, the
// store-first pending-email queue, and the identity tables. All access
// happens from the single poll-loop goroutine; the store adds crash
// safety, not concurrency control.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite handle. Create one with NewStore and close it
// on shutdown.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the database at dbPath and
// ensures the schema exists. The parent directory is created when
// missing. Pass ":memory:" for tests.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'negotiating',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		room_id    TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'open',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sent_messages (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		PRIMARY KEY (session_id, message_id)
	);

	CREATE TABLE IF NOT EXISTS pending_emails (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT,
		room_id       TEXT,
		received_at   INTEGER NOT NULL,
		from_addr     TEXT NOT NULL,
		subject       TEXT NOT NULL,
		body          TEXT NOT NULL,
		protocol_json TEXT,
		processed     INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_emails(session_id, processed);
	CREATE INDEX IF NOT EXISTS idx_pending_room ON pending_emails(room_id, processed);

	CREATE TABLE IF NOT EXISTS members (
		member_id TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		email     TEXT NOT NULL UNIQUE,
		role      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invite_codes (
		code     TEXT PRIMARY KEY,
		expires  TEXT,
		max_uses INTEGER NOT NULL DEFAULT 0,
		used     INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS session_metadata (
		session_id TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		PRIMARY KEY (session_id, key)
	);

	CREATE TABLE IF NOT EXISTS reply_throttle (
		email      TEXT PRIMARY KEY,
		replied_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
