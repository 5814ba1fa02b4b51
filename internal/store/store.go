// Package store is the durable state layer behind the orchestrator,
// lifecycle manager, task queue and budget controller. It is opened once
// at process start, injected into components and closed on shutdown. All
// multi-index moves happen inside a single transaction and all counters
// are incremented in SQL, so concurrent callers never lose updates.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hiveworks/hived/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// The pragmas must be part of the DSN so they apply to every pooled
	// connection, not just the one db.Exec happens to use.
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			task            TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			strategy        TEXT NOT NULL DEFAULT 'parallel',
			target_agents   INTEGER NOT NULL,
			completed_count INTEGER NOT NULL DEFAULT 0,
			failed_count    INTEGER NOT NULL DEFAULT 0,
			budget_id       TEXT,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			started_at      DATETIME,
			completed_at    DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			swarm_id       TEXT NOT NULL REFERENCES swarms(id),
			parent_id      TEXT,
			status         TEXT NOT NULL DEFAULT 'idle',
			model          TEXT,
			session_id     TEXT,
			attempt        INTEGER NOT NULL DEFAULT 0,
			max_attempts   INTEGER NOT NULL DEFAULT 3,
			failover_index INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT,
			budget_id      TEXT,
			heartbeat_at   DATETIME,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON agents(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			seq              INTEGER NOT NULL DEFAULT 0,
			priority         INTEGER NOT NULL DEFAULT 5,
			payload          TEXT NOT NULL,
			swarm_id         TEXT,
			agent_id         TEXT,
			lease_owner      TEXT,
			lease_expires_at DATETIME,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			max_retries      INTEGER NOT NULL DEFAULT 3,
			scheduled_for    DATETIME,
			outcome          TEXT,
			last_error       TEXT,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		// queue_entries is the membership index: which queue a task sits in
		// (pending, scheduled, dead) and its ordering key. Every structural
		// move updates tasks and queue_entries in the same transaction.
		`CREATE TABLE IF NOT EXISTS queue_entries (
			task_id  TEXT PRIMARY KEY REFERENCES tasks(id),
			queue    TEXT NOT NULL,
			priority INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(queue, priority)`,
		`CREATE TABLE IF NOT EXISTS task_seq (
			n INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id         TEXT PRIMARY KEY,
			scope      TEXT NOT NULL,
			owner_id   TEXT,
			parent_id  TEXT,
			allocated  REAL NOT NULL,
			consumed   REAL NOT NULL DEFAULT 0,
			unit       TEXT NOT NULL DEFAULT 'usd',
			resets_at  DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_budgets_owner ON budgets(scope, owner_id)`,
		`CREATE TABLE IF NOT EXISTS budget_threshold_firings (
			budget_id TEXT NOT NULL,
			pct       INTEGER NOT NULL,
			fired_at  DATETIME NOT NULL,
			PRIMARY KEY (budget_id, pct)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			name       TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			source     TEXT NOT NULL,
			payload    TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Seed the task sequence counter used for FIFO tie-breaks.
	if _, err := s.db.Exec(`INSERT INTO task_seq (n) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM task_seq)`); err != nil {
		return fmt.Errorf("seed task seq: %w", err)
	}

	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
