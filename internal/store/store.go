// Package store provides sqlite persistence for credentials, sessions,
// conversation threads, system prompt items and MCP server records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/loopline/agentd/internal/logging"
)

// Schema version for migrations
const currentSchemaVersion = 1

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUniquenessViolation is returned when an insert collides with an
	// existing unique key.
	ErrUniquenessViolation = errors.New("uniqueness violation")
)

// StorageError wraps an underlying database failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Options holds store configuration.
type Options struct {
	Path        string
	BusyTimeout int // milliseconds, default 5000
}

// Store wraps the sqlite database shared by all persistence areas.
type Store struct {
	db     *sql.DB
	config Options

	credLocks keyedLocks
}

// Open opens (and if needed creates) the database at cfg.Path and runs
// migrations.
func Open(cfg Options) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeout)); err != nil {
		L_warn("sqlite: failed to set busy_timeout", "error", err)
	}

	s := &Store{db: db, config: cfg}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: store opened", "path", cfg.Path)
	return s, nil
}

// migrate runs database migrations
func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	-- Provider credentials. One row per (provider, auth_type, name).
	CREATE TABLE IF NOT EXISTS saved_authentications (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		auth_type TEXT NOT NULL,
		name TEXT NOT NULL,
		credentials TEXT NOT NULL DEFAULT '{}',
		expires_at INTEGER,
		inserted_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (provider, auth_type, name)
	);

	-- Agent sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		auth_id TEXT NOT NULL REFERENCES saved_authentications(id),
		model_id TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		tools TEXT NOT NULL DEFAULT '{}',
		memory TEXT NOT NULL DEFAULT '{}',
		system_prompt_ids_by_provider TEXT NOT NULL DEFAULT '{}',
		inserted_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Conversation entries. Threads may be orphaned (session_id NULL) and
	-- attached to a session later; deleting a session never cascades here.
	CREATE TABLE IF NOT EXISTS chat_entries (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		thread_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		actor TEXT NOT NULL,
		combined_chat TEXT NOT NULL DEFAULT '{}',
		inserted_at INTEGER NOT NULL,
		UNIQUE (thread_id, turn_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_entries_session ON chat_entries(session_id, inserted_at);
	CREATE INDEX IF NOT EXISTS idx_chat_entries_thread ON chat_entries(thread_id, turn_index);

	-- Versioned system prompt items. Rows are immutable; new revisions are
	-- new rows within the same family.
	CREATE TABLE IF NOT EXISTS supplied_context_items (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'system_prompt',
		provider TEXT NOT NULL,
		render_format TEXT NOT NULL,
		version INTEGER NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		editor TEXT NOT NULL DEFAULT '',
		change_note TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		inserted_at INTEGER NOT NULL,
		UNIQUE (family_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_context_items_provider ON supplied_context_items(provider, is_default);

	-- Configured MCP servers
	CREATE TABLE IF NOT EXISTS mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		transport TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '[]',
		headers TEXT NOT NULL DEFAULT '{}',
		env TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		tags TEXT NOT NULL DEFAULT '[]',
		auth_token TEXT NOT NULL DEFAULT '',
		is_enabled INTEGER NOT NULL DEFAULT 1,
		trust INTEGER NOT NULL DEFAULT 0,
		inserted_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Session <-> MCP server attachments
	CREATE TABLE IF NOT EXISTS session_mcp_servers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		mcp_server_id TEXT NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
		alias TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		attached_at INTEGER NOT NULL,
		UNIQUE (session_id, mcp_server_id)
	);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	L_debug("sqlite: closing store")
	return s.db.Close()
}

// DB returns the underlying database connection for external use
func (s *Store) DB() *sql.DB {
	return s.db
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// Helper functions

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
