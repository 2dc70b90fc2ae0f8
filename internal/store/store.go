// Package store is Mimosa's persistent store: a small set of
// durable tables behind parameterized-query access, with an idempotent
// EnsureSchema migration step. Modeled directly on
// internal/storage.SQLiteStore — same WAL-mode-on-open idiom, same
// CREATE TABLE IF NOT EXISTS schema block, same sql.NullString
// scan-then-json.Unmarshal pattern for optional JSON columns.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// execer is the subset of *sql.DB / *sql.Tx that per-entity queries
// need. Store.db holds whichever one is live for the current call —
// the pool for ordinary calls, a transaction's handle for the single
// "write block + append history" path in blocks.go.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store wraps a single SQLite connection pool and exposes the
// per-entity operations used by every other component. It owns all
// durable rows; the block manager additionally keeps its own
// in-memory mirror of the active set but Store remains the writer of
// record for every mutation.
type Store struct {
	pool *sql.DB
	db   execer
}

// Open opens (creating if necessary) the SQLite database at path,
// enables WAL mode for concurrent readers, and runs EnsureSchema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{pool: db, db: db}
	if err := s.EnsureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	slog.Info("store initialized", "path", path)
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// EnsureSchema idempotently creates every table and index the engine
// needs. Safe to call on every startup.
func (s *Store) EnsureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS offenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_ip TEXT NOT NULL,
		description TEXT NOT NULL,
		description_clean TEXT NOT NULL,
		plugin TEXT,
		severity TEXT,
		host TEXT,
		path TEXT,
		context TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_offenses_ip_created ON offenses(source_ip, created_at);
	CREATE INDEX IF NOT EXISTS idx_offenses_severity ON offenses(severity);

	CREATE TABLE IF NOT EXISTS blocks (
		ip TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		reason_text TEXT,
		reason_plugin TEXT,
		severity TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		active INTEGER NOT NULL DEFAULT 1,
		sync_with_firewall INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_active_expires ON blocks(active, expires_at);

	CREATE TABLE IF NOT EXISTS block_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT NOT NULL,
		reason TEXT NOT NULL,
		action TEXT NOT NULL,
		at DATETIME NOT NULL,
		source TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_block_history_ip ON block_history(ip);

	CREATE TABLE IF NOT EXISTS ip_profiles (
		ip TEXT PRIMARY KEY,
		geo_json TEXT,
		reverse_dns TEXT,
		classification TEXT NOT NULL DEFAULT 'unknown',
		is_proxy INTEGER NOT NULL DEFAULT 0,
		is_mobile INTEGER NOT NULL DEFAULT 0,
		is_hosting INTEGER NOT NULL DEFAULT 0,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		enriched_at DATETIME,
		offenses_total INTEGER NOT NULL DEFAULT 0,
		blocks_total INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS whitelist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cidr TEXT NOT NULL UNIQUE,
		note TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin TEXT NOT NULL,
		event_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		min_last_hour INTEGER NOT NULL DEFAULT 0,
		min_total INTEGER NOT NULL DEFAULT 0,
		min_blocks_total INTEGER NOT NULL DEFAULT 0,
		block_minutes INTEGER
	);

	CREATE TABLE IF NOT EXISTS firewalls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key TEXT,
		api_secret TEXT,
		verify_ssl INTEGER NOT NULL DEFAULT 1,
		timeout_seconds INTEGER NOT NULL DEFAULT 5,
		enabled INTEGER NOT NULL DEFAULT 1,
		apply_changes INTEGER NOT NULL DEFAULT 1,
		nat_target TEXT
	);

	CREATE TABLE IF NOT EXISTS plugin_configs (
		name TEXT PRIMARY KEY,
		config TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		firewall_id INTEGER PRIMARY KEY,
		last_diff_at DATETIME,
		last_error TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying connection pool. Nothing in this module
// calls it.
func (s *Store) DB() *sql.DB {
	return s.pool
}
