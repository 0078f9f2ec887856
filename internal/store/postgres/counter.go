package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/store"
)

// CounterStore is the PostgreSQL store.CounterStore.
type CounterStore struct {
	pool *pgxpool.Pool
}

// NewCounterStore creates a counter store on the shared pool.
func NewCounterStore(pool *pgxpool.Pool) *CounterStore {
	return &CounterStore{pool: pool}
}

const readCounterSQL = `
SELECT org_id, usage_date::text, runs_today, runs_month, concurrent_running, version, updated_at
FROM quota_counters
WHERE org_id = $1 AND usage_date = $2::date
`

// ReadCounter implements store.CounterStore.
func (s *CounterStore) ReadCounter(ctx context.Context, org string, date domain.Day) (domain.QuotaCounter, int64, error) {
	var c domain.QuotaCounter
	var version int64
	var usageDate string

	err := s.pool.QueryRow(ctx, readCounterSQL, org, string(date)).Scan(
		&c.OrgID, &usageDate, &c.RunsToday, &c.RunsMonth, &c.ConcurrentRunning, &version, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuotaCounter{}, 0, store.ErrNotFound
	}
	if err != nil {
		return domain.QuotaCounter{}, 0, fmt.Errorf("read counter %s/%s: %w", org, date, err)
	}
	c.UsageDate = domain.Day(usageDate)
	return c, version, nil
}

// casSQL bumps the version so every winner invalidates all readers of the
// prior version in one statement.
const casSQL = `
UPDATE quota_counters
SET runs_today = $3, runs_month = $4, concurrent_running = $5,
    version = version + 1, updated_at = now()
WHERE org_id = $1 AND usage_date = $2::date AND version = $6
`

// CompareAndSwap implements store.CounterStore.
func (s *CounterStore) CompareAndSwap(ctx context.Context, org string, date domain.Day, expectedVersion int64, values store.CounterValues) (bool, error) {
	tag, err := s.pool.Exec(ctx, casSQL,
		org, string(date), values.RunsToday, values.RunsMonth, values.ConcurrentRunning, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("cas counter %s/%s: %w", org, date, err)
	}
	return tag.RowsAffected() == 1, nil
}

// upsertSQL creates the day's row lazily, carrying the monthly total forward
// from the latest earlier row of the same calendar month. Concurrent callers
// are serialized by ON CONFLICT DO NOTHING on the primary key.
const upsertSQL = `
INSERT INTO quota_counters (org_id, usage_date, runs_today, runs_month, concurrent_running, version)
SELECT $1, $2::date, 0,
	COALESCE((
		SELECT runs_month FROM quota_counters
		WHERE org_id = $1
		  AND usage_date < $2::date
		  AND date_trunc('month', usage_date) = date_trunc('month', $2::date)
		ORDER BY usage_date DESC
		LIMIT 1
	), 0),
	0, 1
ON CONFLICT (org_id, usage_date) DO NOTHING
`

// Upsert implements store.CounterStore.
func (s *CounterStore) Upsert(ctx context.Context, org string, date domain.Day) (domain.QuotaCounter, int64, error) {
	if _, err := s.pool.Exec(ctx, upsertSQL, org, string(date)); err != nil {
		return domain.QuotaCounter{}, 0, fmt.Errorf("upsert counter %s/%s: %w", org, date, err)
	}
	return s.ReadCounter(ctx, org, date)
}
