// Package store persists credentials, pools, and runners in SQLite.
// It is the only durable state the control plane owns; counts and
// lookups here drive every scaling decision, so writes that affect
// capacity happen inside transactions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrPoolAtCapacity is returned by ReserveRunner when the pool already
// has max_runners active runners.
var ErrPoolAtCapacity = errors.New("pool at capacity")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.  Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// An in-memory database exists per connection; pin the pool to one
	// so every query sees the same database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Single control-plane process, but provisioning goroutines share
	// the handle.  WAL keeps readers unblocked during writes.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	kind                  TEXT NOT NULL,
	scope                 TEXT NOT NULL,
	target                TEXT NOT NULL,
	sealed_token          BLOB,
	sealed_private_key    BLOB,
	app_client_id         TEXT NOT NULL DEFAULT '',
	installation_id       INTEGER NOT NULL DEFAULT 0,
	sealed_webhook_secret BLOB,
	created_at            TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	credential_id       TEXT NOT NULL REFERENCES credentials(id),
	platform            TEXT NOT NULL,
	architecture        TEXT NOT NULL,
	isolation           TEXT NOT NULL,
	labels              TEXT NOT NULL DEFAULT '[]',
	min_runners         INTEGER NOT NULL DEFAULT 0,
	warm_runners        INTEGER NOT NULL DEFAULT 0,
	max_runners         INTEGER NOT NULL DEFAULT 0,
	idle_timeout_secs   INTEGER NOT NULL DEFAULT 0,
	enabled             INTEGER NOT NULL DEFAULT 1,
	privileged          INTEGER NOT NULL DEFAULT 0,
	mount_docker_socket INTEGER NOT NULL DEFAULT 0,
	devices             TEXT NOT NULL DEFAULT '[]',
	image               TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS runners (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	credential_id  TEXT NOT NULL REFERENCES credentials(id),
	remote_id      INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	platform       TEXT NOT NULL,
	architecture   TEXT NOT NULL,
	isolation      TEXT NOT NULL,
	labels         TEXT NOT NULL DEFAULT '[]',
	work_dir       TEXT NOT NULL DEFAULT '',
	pid            INTEGER NOT NULL DEFAULT 0,
	container_id   TEXT NOT NULL DEFAULT '',
	instance_name  TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	pool_id        TEXT NOT NULL DEFAULT '',
	ephemeral      INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TIMESTAMP,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runners_pool   ON runners(pool_id, status);
CREATE INDEX IF NOT EXISTS idx_runners_cred   ON runners(credential_id);
CREATE INDEX IF NOT EXISTS idx_runners_remote ON runners(remote_id);
`

// execer lets queries run against either the DB or a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
