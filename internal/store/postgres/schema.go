// Package postgres backs the store interfaces with PostgreSQL via pgx.
//
// Every mutation is a single-row conditional statement (versioned UPDATE or
// INSERT ... ON CONFLICT); no method opens a multi-statement transaction.
// This mirrors the production analytical store, which offers no usable
// cross-row atomicity, and keeps the adapters drop-in replaceable.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaSQL is the complete schema for fresh installs. Tests apply it via
// Migrate into a per-test schema.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS quota_counters (
	org_id TEXT NOT NULL,
	usage_date DATE NOT NULL,
	runs_today BIGINT NOT NULL DEFAULT 0 CHECK (runs_today >= 0),
	runs_month BIGINT NOT NULL DEFAULT 0 CHECK (runs_month >= 0),
	concurrent_running BIGINT NOT NULL DEFAULT 0 CHECK (concurrent_running >= 0),
	version BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, usage_date)
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	key TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	pipeline_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	run_date DATE NOT NULL,
	queue_id TEXT NOT NULL,
	reservation_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at);

CREATE TABLE IF NOT EXISTS reservations (
	reservation_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	usage_date DATE NOT NULL,
	state TEXT NOT NULL CHECK (state IN ('RESERVED', 'COMMITTED', 'RELEASED')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	liveness_deadline TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reservations_stale ON reservations (state, liveness_deadline);

CREATE TABLE IF NOT EXISTS queue_items (
	queue_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	pipeline_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	scheduled_time TIMESTAMPTZ NOT NULL,
	state TEXT NOT NULL CHECK (state IN ('PENDING', 'RUNNING', 'SUCCEEDED', 'FAILED', 'CANCELLED')),
	reservation_id TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_queue_pending ON queue_items (state, priority DESC, scheduled_time ASC);
CREATE INDEX IF NOT EXISTS idx_queue_reservation ON queue_items (reservation_id);
`

// Migrate applies the schema to the pool's current search_path.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
