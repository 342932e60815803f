// Package sqlite implements the quota and recap stores on an embedded SQLite
// database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the database handle shared by the SQLite stores.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
			path, busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is its own database, and one writer at
	// a time avoids SQLITE_BUSY on the counters.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{db: db}
	if err := d.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return d, nil
}

func (d *DB) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS quota_records (
		user_id    TEXT    NOT NULL,
		resource   TEXT    NOT NULL,
		period     TEXT    NOT NULL,
		used       REAL    NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, resource, period)
	);
	CREATE INDEX IF NOT EXISTS idx_quota_records_expires_at ON quota_records(expires_at);

	CREATE TABLE IF NOT EXISTS session_recaps (
		session_id    TEXT PRIMARY KEY,
		user_id       TEXT    NOT NULL,
		teacher       TEXT    NOT NULL,
		total_minutes REAL    NOT NULL DEFAULT 0,
		steps_json    TEXT    NOT NULL DEFAULT '[]',
		topics_json   TEXT    NOT NULL DEFAULT '[]',
		utterances    INTEGER NOT NULL DEFAULT 0,
		interrupts    INTEGER NOT NULL DEFAULT 0,
		reason        TEXT    NOT NULL,
		started_at    INTEGER NOT NULL,
		ended_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_recaps_user_ended ON session_recaps(user_id, ended_at);
	`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
