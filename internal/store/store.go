// Package store is the durable registry of nodes, indices, repositories and tasks.
//
// Every state change goes through a named method that issues a single conditional
// statement (or one transaction), so concurrent handlers never race on read-modify-write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// DB wraps the SQLite registry database
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the registry at path. ":memory:" opens a private in-memory database.
func Open(path string) (*DB, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
		dsn = "file:" + path
	}
	// pragmas go in the DSN so they survive connection recycling
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// one writer at a time; SQLite would otherwise answer lock upgrades with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *DB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock overrides the time source (tests)
func (s *DB) SetClock(now func() time.Time) {
	s.now = now
}

// Migrate creates tables if they don't exist
func (s *DB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprint(SchemaVersion)); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}

	return tx.Commit()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid         TEXT NOT NULL UNIQUE,
		address      TEXT NOT NULL DEFAULT '',
		total_bytes  INTEGER NOT NULL DEFAULT 0,
		used_bytes   INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT 'online',
		last_seen_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS enabled_namespaces (
		root_namespace_id  INTEGER PRIMARY KEY,
		number_of_replicas INTEGER NOT NULL DEFAULT 1,
		created_at         INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS replicas (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		root_namespace_id INTEGER NOT NULL,
		state             TEXT NOT NULL DEFAULT 'pending'
	)`,
	`CREATE TABLE IF NOT EXISTS indices (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		root_namespace_id INTEGER NOT NULL,
		node_id           INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		replica_id        INTEGER NOT NULL REFERENCES replicas(id) ON DELETE CASCADE,
		state             TEXT NOT NULL DEFAULT 'pending',
		watermark_level   TEXT NOT NULL DEFAULT 'none',
		reserved_bytes    INTEGER NOT NULL DEFAULT 0,
		used_bytes        INTEGER,
		used_updated_at   INTEGER,
		last_indexed_at   INTEGER,
		created_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_indices_node ON indices(node_id, watermark_level)`,
	`CREATE INDEX IF NOT EXISTS idx_indices_namespace ON indices(root_namespace_id, state)`,
	`CREATE TABLE IF NOT EXISTS repositories (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		index_id     INTEGER NOT NULL REFERENCES indices(id) ON DELETE CASCADE,
		project_id   INTEGER NOT NULL,
		state        TEXT NOT NULL DEFAULT 'pending',
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		retries_left INTEGER NOT NULL,
		indexed_at   INTEGER,
		UNIQUE(index_id, project_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_repositories_project ON repositories(project_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		index_id      INTEGER NOT NULL,
		node_id       INTEGER NOT NULL,
		project_id    INTEGER NOT NULL,
		task_type     TEXT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'pending',
		perform_at    INTEGER NOT NULL,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	)`,
	// at most one live task per (repository, task_type)
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_live
		ON tasks(repository_id, task_type) WHERE state IN ('pending', 'processing')`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(node_id, state, perform_at)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id                INTEGER PRIMARY KEY,
		namespace_id      INTEGER NOT NULL,
		root_namespace_id INTEGER NOT NULL,
		traversal_ids     TEXT NOT NULL DEFAULT '',
		archived          INTEGER NOT NULL DEFAULT 0,
		size_bytes        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_projects_root ON projects(root_namespace_id, id)`,
}

// ============================================================================
// helpers
// ============================================================================

type scanner interface {
	Scan(dest ...interface{}) error
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// inClause renders "(?, ?, ?)" and the matching args
func inClause(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}

// chunk splits ids into slices of at most size, keeping IN lists under SQLite's variable limit
func chunk(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

const maxInClause = 500
