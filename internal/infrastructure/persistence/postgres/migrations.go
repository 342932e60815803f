package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies embedded migrations in version order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: Migrations(),
		tableName:  "schema_migrations",
	}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, m.tableName))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName),
				mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}
	return nil
}

// Rollback reverts the most recent migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	last := 0
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
			break
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status returns every embedded migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := applied[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Migrations returns all embedded migrations in version order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_quota_records", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_user_plans", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_session_recaps", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

const migration001Up = `
CREATE TABLE IF NOT EXISTS quota_records (
    user_id     TEXT             NOT NULL,
    resource    TEXT             NOT NULL,
    period      TEXT             NOT NULL,
    used        DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (used >= 0),
    updated_at  TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
    expires_at  TIMESTAMPTZ      NOT NULL,
    PRIMARY KEY (user_id, resource, period)
);

CREATE INDEX IF NOT EXISTS idx_quota_records_expires_at ON quota_records (expires_at);
`

const migration001Down = `
DROP TABLE IF EXISTS quota_records;
`

const migration002Up = `
CREATE TABLE IF NOT EXISTS user_plans (
    user_id     TEXT        PRIMARY KEY,
    plan        TEXT        NOT NULL CHECK (plan IN ('FREE', 'MONTHLY', 'YEARLY')),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const migration002Down = `
DROP TABLE IF EXISTS user_plans;
`

const migration003Up = `
CREATE TABLE IF NOT EXISTS session_recaps (
    session_id      TEXT             PRIMARY KEY,
    user_id         TEXT             NOT NULL,
    teacher         TEXT             NOT NULL,
    total_minutes   DOUBLE PRECISION NOT NULL DEFAULT 0,
    steps_completed JSONB            NOT NULL DEFAULT '[]'::jsonb,
    topics_covered  JSONB            NOT NULL DEFAULT '[]'::jsonb,
    utterances      INTEGER          NOT NULL DEFAULT 0,
    interrupts      INTEGER          NOT NULL DEFAULT 0,
    reason          TEXT             NOT NULL,
    started_at      TIMESTAMPTZ      NOT NULL,
    ended_at        TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_recaps_user_ended ON session_recaps (user_id, ended_at DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS session_recaps;
`
