// Package store is the Controller's persistence layer: an embedded,
// single-writer SQLite database holding JobRequests, Jobs, Tasks, and
// per-backend flags. The Agent never imports this package — it only ever
// sees the Controller through the Task API.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema is applied in full on a fresh database. Later migrations are
// appended to migrations below and applied in order against PRAGMA
// user_version, mirroring the numbered migration sequence the Python
// original keeps in controller/models.py.
const schema = `
CREATE TABLE job_request (
	id TEXT PRIMARY KEY,
	backend TEXT NOT NULL,
	workspace_name TEXT NOT NULL,
	workspace_repo_url TEXT NOT NULL,
	workspace_branch TEXT NOT NULL,
	action TEXT NOT NULL,
	commit_sha TEXT NOT NULL DEFAULT '',
	database_name TEXT NOT NULL DEFAULT '',
	force INTEGER NOT NULL DEFAULT 0,
	cancel TEXT NOT NULL DEFAULT '[]',
	raw_payload TEXT NOT NULL DEFAULT '',
	expanded INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE job (
	id TEXT PRIMARY KEY,
	job_request_id TEXT NOT NULL REFERENCES job_request(id),
	backend TEXT NOT NULL,
	workspace TEXT NOT NULL,
	action TEXT NOT NULL,
	commit_sha TEXT NOT NULL DEFAULT '',
	run_command TEXT NOT NULL DEFAULT '[]',
	image TEXT NOT NULL DEFAULT '',
	requires_outputs_from TEXT NOT NULL DEFAULT '[]',
	wait_for_job_ids TEXT NOT NULL DEFAULT '[]',
	output_spec TEXT NOT NULL DEFAULT '{}',
	outputs TEXT NOT NULL DEFAULT '{}',
	unmatched_patterns TEXT NOT NULL DEFAULT '[]',
	log_bundle_path TEXT NOT NULL DEFAULT '',
	requires_db INTEGER NOT NULL DEFAULT 0,
	weight INTEGER NOT NULL DEFAULT 1,
	state TEXT NOT NULL,
	status_code TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	updated_at TEXT NOT NULL,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_job_job_request_id ON job(job_request_id);
CREATE INDEX idx_job_backend_workspace ON job(backend, workspace);
CREATE INDEX idx_job_nonterminal ON job(state) WHERE state NOT IN ('failed', 'succeeded');

CREATE TABLE task (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES job(id),
	backend TEXT NOT NULL,
	kind TEXT NOT NULL,
	definition TEXT NOT NULL DEFAULT '{}',
	stage TEXT NOT NULL DEFAULT 'UNKNOWN',
	results TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 1,
	agent_complete INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX idx_task_job_id ON task(job_id);
CREATE INDEX idx_task_backend_active ON task(backend) WHERE active = 1;

CREATE TABLE backend_flag (
	backend TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (backend, key)
);
`

// migrations holds schema changes applied after the initial schema, in
// order. Each entry bumps PRAGMA user_version by one. Empty for now; a real
// deployment accumulates entries here rather than editing schema in place,
// per the "rebuild the table" discipline models.py documents for SQLite.
var migrations []string

// Store is the Controller's handle on the database. A Store wraps exactly
// one *sql.DB, capped to a single open connection so the single-writer
// invariant is enforced by the driver rather than left as a convention.
type Store struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx: every query helper in
// queries.go goes through conn(ctx) rather than s.db directly, so that a
// helper called from inside WithTransaction runs against the in-flight
// transaction instead of contending with it for the pool's one connection.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// conn returns the execer ctx should use: the transaction WithTransaction
// started, if ctx carries one, otherwise the Store's own *sql.DB.
func (s *Store) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Open opens (creating if necessary) the SQLite database at path and brings
// its schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// The embedded store is single-writer by design: one connection
	// makes that explicit instead of relying on SQLite's own locking to
	// paper over concurrent writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	if version == 0 {
		var tableCount int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&tableCount); err != nil {
			return err
		}
		if tableCount == 0 {
			if _, err := s.db.ExecContext(ctx, schema); err != nil {
				return fmt.Errorf("applying base schema: %w", err)
			}
		}
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// Ready implements health.ReadinessChecker against the database connection.
func (s *Store) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
