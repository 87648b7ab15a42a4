// Package persistence provides SQLite-backed durable state for a single
// session actor. Every in-memory registry the actor holds must be
// reconstructable from this store, because the actor's host may evict the
// in-memory instance between messages.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides persistent session state backed by SQLite. One Store is
// opened per session; all rows belong to that session's id space.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the six primary tables and the two correlation tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			routing_name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			repo_owner TEXT NOT NULL DEFAULT '',
			repo_name TEXT NOT NULL DEFAULT '',
			default_branch TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			base_sha TEXT NOT NULL DEFAULT '',
			current_sha TEXT NOT NULL DEFAULT '',
			agent_session_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'created',
			issue_id TEXT NOT NULL DEFAULT '',
			team_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sandboxes (
			id TEXT PRIMARY KEY,
			provider_sandbox_id TEXT NOT NULL DEFAULT '',
			provider_object_id TEXT NOT NULL DEFAULT '',
			snapshot_id TEXT NOT NULL DEFAULT '',
			snapshot_image_id TEXT NOT NULL DEFAULT '',
			auth_token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			git_sync_status TEXT NOT NULL DEFAULT '',
			last_heartbeat_at TEXT NOT NULL DEFAULT '',
			last_activity_at TEXT NOT NULL DEFAULT '',
			spawn_failures INTEGER NOT NULL DEFAULT 0,
			last_spawn_failure_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			tracker_user_id TEXT NOT NULL DEFAULT '',
			tracker_email TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'member',
			access_token_sealed TEXT NOT NULL DEFAULT '',
			refresh_token_sealed TEXT NOT NULL DEFAULT '',
			token_expires_at TEXT NOT NULL DEFAULT '',
			conn_token_hash TEXT NOT NULL DEFAULT '',
			conn_token_created_at TEXT NOT NULL DEFAULT '',
			joined_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			author_id TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			model_override TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '',
			callback_context TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, created_at);
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
		CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS socket_mappings (
			socket_id TEXT PRIMARY KEY,
			participant_id TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_issue_links (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			task_index INTEGER NOT NULL DEFAULT 0,
			issue_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// migrateV2 adds preview tunnel columns to the sandboxes table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		ALTER TABLE sandboxes ADD COLUMN preview_url TEXT NOT NULL DEFAULT '';
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		ALTER TABLE sandboxes ADD COLUMN port_urls TEXT NOT NULL DEFAULT '';
	`)
	return err
}

// TimeLayout is RFC 3339 with a fixed nine-digit fraction. RFC3339Nano
// trims trailing zeros, which breaks lexicographic ordering within one
// second ("...0.1Z" sorts after "...0.15Z"); the fixed width keeps string
// order equal to time order so created_at comparisons stay correct.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the canonical timestamp format every ordered
// column uses.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// now returns the current UTC time in the canonical timestamp format.
func now() string {
	return FormatTime(time.Now())
}
