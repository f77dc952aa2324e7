// Package persistence implements the single logical store over SQLite. One
// schema, every table tenant-scoped by user_id, WAL journaling so readers
// never block behind the short write transactions.
package persistence

import (
	"context"
	"fmt"

	"digest_server/pkg/apperr"
	"digest_server/pkg/logger"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// schemaVersion is bumped with every appended migration. Migrations are
// forward-only.
const schemaVersion = 1

var migrations = []string{
	// v1: initial schema.
	`
CREATE TABLE IF NOT EXISTS schema_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	pattern_type TEXT NOT NULL,
	pattern TEXT NOT NULL,
	template TEXT NOT NULL,
	template_type TEXT NOT NULL,
	confidence REAL NOT NULL,
	use_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (user_id, pattern_type, pattern, template_type)
);
CREATE INDEX IF NOT EXISTS idx_rules_user_updated ON rules (user_id, updated_at);

CREATE TABLE IF NOT EXISTS corrections (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	subject TEXT NOT NULL,
	original TEXT NOT NULL,
	corrected TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_corrections_user_updated ON corrections (user_id, updated_at);

CREATE TABLE IF NOT EXISTS learned_patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	pattern_type TEXT NOT NULL,
	pattern TEXT NOT NULL,
	template TEXT NOT NULL,
	template_type TEXT NOT NULL,
	support_count INTEGER NOT NULL DEFAULT 1,
	first_seen TIMESTAMP NOT NULL,
	last_seen TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (user_id, pattern_type, pattern, template_type)
);
CREATE INDEX IF NOT EXISTS idx_learned_patterns_user_updated ON learned_patterns (user_id, updated_at);

CREATE TABLE IF NOT EXISTS classifications (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	decider TEXT NOT NULL,
	type_conf REAL NOT NULL,
	model_version TEXT NOT NULL DEFAULT '',
	prompt_version TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_classifications_user_updated ON classifications (user_id, updated_at);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	now_utc TIMESTAMP NOT NULL,
	timezone TEXT NOT NULL,
	input_message_ids TEXT NOT NULL,
	output_sha256 TEXT NOT NULL DEFAULT '',
	stage_timings TEXT NOT NULL DEFAULT '{}',
	decider_counts TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions (user_id, updated_at);

CREATE TABLE IF NOT EXISTS cost_events (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL,
	caller TEXT NOT NULL,
	model_version TEXT NOT NULL,
	prompt_version TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_events_user_updated ON cost_events (user_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_cost_events_created ON cost_events (created_at);
`,
}

// Store owns the database handle.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open opens (creating if needed) the store and applies pending migrations.
func Open(path string) (*Store, error) {
	// busy_timeout and foreign_keys are per-connection, so they ride the DSN
	// and apply to every pooled connection; journal_mode=WAL is persistent on
	// the database file. Under WAL, readers run concurrently and only writers
	// serialize, via SQLite's own locking plus the busy timeout.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Storage("open", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, log: logger.Default().WithField("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, apperr.Storage("migrate", err)
	}
	return s, nil
}

// migrate applies forward-only migrations past the recorded version.
func (s *Store) migrate() error {
	var current int
	err := s.db.Get(&current, `SELECT version FROM schema_meta WHERE id = 1`)
	if err != nil {
		current = 0 // fresh database, schema_meta not created yet
	}
	if current > schemaVersion {
		return fmt.Errorf("store: database version %d newer than binary %d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		tx, err := s.db.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_meta (id, version) VALUES (1, ?)
			 ON CONFLICT (id) DO UPDATE SET version = excluded.version`, v+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("applied migration %d", v+1)
	}
	return nil
}

// Ping probes the store for /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle to the adapters in this package.
func (s *Store) DB() *sqlx.DB { return s.db }
