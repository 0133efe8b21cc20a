// Package store persists ScheduleBot's configuration and tracked events
// in SQLite. It is the single facade the rest of the bot reads and
// writes through: the bot token, the admin list and blacklist, Steam
// credentials, linked Discord/Steam identities, and scheduled events
// with their attendees.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotConfigured is returned when a required setting (such as the
// bot token) has never been stored.
var ErrNotConfigured = errors.New("setting not configured")

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed entity store. All methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath with the
// go-sqlite3 driver and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database handle and runs migrations. The
// caller keeps ownership of db's driver choice; Close still closes it.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
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
	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admins (
		discord_id TEXT PRIMARY KEY,
		added_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blacklist (
		discord_id TEXT PRIMARY KEY,
		added_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		discord_id TEXT PRIMARY KEY,
		steam_id   TEXT,
		linked_at  TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		name               TEXT NOT NULL,
		starts_at          TEXT NOT NULL,
		active             INTEGER NOT NULL DEFAULT 1,
		summary_message_id TEXT NOT NULL DEFAULT '',
		created_by         TEXT NOT NULL,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance (
		event_id   INTEGER NOT NULL,
		discord_id TEXT NOT NULL,
		status     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (event_id, discord_id),
		FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_active ON events(active);
	CREATE INDEX IF NOT EXISTS idx_users_steam_id ON users(steam_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
