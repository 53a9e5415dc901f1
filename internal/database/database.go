// Package database manages PostgreSQL connections and provides the data access layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Application-specific lock ID to avoid collisions with other apps on the
	// same PostgreSQL instance.
	const migrationLockID int64 = 0x524F_5501 // "ROU" prefix + 01
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	schema := `
	CREATE TABLE IF NOT EXISTS routing_log (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		feature        TEXT NOT NULL,
		arm_id         TEXT NOT NULL,
		provider       TEXT NOT NULL,
		model          TEXT NOT NULL,
		scope          TEXT NOT NULL,
		routing_mode   TEXT NOT NULL,
		w_quality      DOUBLE PRECISION NOT NULL DEFAULT 0,
		w_latency      DOUBLE PRECISION NOT NULL DEFAULT 0,
		w_cost         DOUBLE PRECISION NOT NULL DEFAULT 0,
		penalty_factor DOUBLE PRECISION NOT NULL DEFAULT 1,
		success        BOOLEAN NOT NULL DEFAULT FALSE,
		used_fallback  BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms    BIGINT NOT NULL DEFAULT 0,
		input_tokens   BIGINT NOT NULL DEFAULT 0,
		output_tokens  BIGINT NOT NULL DEFAULT 0,
		cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
		timestamp      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		before_json TEXT,
		after_json  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS budget_configs (
		tenant_id      TEXT PRIMARY KEY,
		monthly_budget DOUBLE PRECISION NOT NULL,
		soft_limit_pct DOUBLE PRECISION NOT NULL DEFAULT 80,
		routing_mode   TEXT NOT NULL DEFAULT 'balanced',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_routing_log_tenant_ts ON routing_log(tenant_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_routing_log_arm_ts ON routing_log(arm_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_routing_log_provider ON routing_log(provider);
	CREATE INDEX IF NOT EXISTS idx_audit_log_tenant_created ON audit_log(tenant_id, created_at);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
