// Package persistence is the durable task store. SQLite is the single
// serialization point: every mutation is one transaction with the row
// read inside it, so no additional in-process locking is needed.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger used to gate startup safety: a database created by a
	// different schema generation refuses to open rather than migrate
	// silently.
	schemaVersionV1  = 1
	schemaChecksumV1 = "tg-v1-2026-08-19-task-lifecycle"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskgate", "taskgate.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6)
// error. The error string is inspected so that non-CGO-importing code
// paths avoid a direct dependency on the sqlite3 package.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	confidence_score REAL,
	requires_review INTEGER NOT NULL DEFAULT 0,
	review_notes TEXT NOT NULL DEFAULT '',
	reviewed_by_id TEXT NOT NULL DEFAULT '',
	was_overridden INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	first_attempt_at TIMESTAMP,
	error_message TEXT NOT NULL DEFAULT '',
	created_by_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	assignee_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(created_by_id);
CREATE INDEX IF NOT EXISTS idx_tasks_owner_status ON tasks(created_by_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_owner_review ON tasks(created_by_id, requires_review);

CREATE TABLE IF NOT EXISTS task_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	status_from TEXT,
	status_to TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);
CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events(created_at);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, checksum FROM schema_meta ORDER BY version DESC LIMIT 1;`,
	).Scan(&version, &checksum)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_meta (version, checksum) VALUES (?, ?);`,
			schemaVersionLatest, schemaChecksumLatest,
		); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersionLatest || checksum != schemaChecksumLatest:
		return fmt.Errorf("schema mismatch: db has v%d (%s), binary expects v%d (%s)",
			version, checksum, schemaVersionLatest, schemaChecksumLatest)
	}
	return nil
}
