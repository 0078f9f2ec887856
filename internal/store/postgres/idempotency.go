package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pipegate.io/pipegate/internal/domain"
)

// IdempotencyStore is the PostgreSQL store.IdempotencyStore.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore creates an idempotency store on the shared pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// insertIfAbsentSQL is one conditional write: a fresh key inserts, an
// expired record is replaced, a live record leaves the statement rowless.
const insertIfAbsentSQL = `
INSERT INTO idempotency_records
	(key, org_id, pipeline_id, credential_id, run_date, queue_id, reservation_id, expires_at)
VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8)
ON CONFLICT (key) DO UPDATE
SET queue_id = EXCLUDED.queue_id,
    reservation_id = EXCLUDED.reservation_id,
    expires_at = EXCLUDED.expires_at,
    created_at = now()
WHERE idempotency_records.expires_at <= now()
RETURNING queue_id, reservation_id
`

const readExistingSQL = `
SELECT queue_id, reservation_id FROM idempotency_records WHERE key = $1
`

// InsertIfAbsent implements store.IdempotencyStore.
func (s *IdempotencyStore) InsertIfAbsent(ctx context.Context, rec domain.IdempotencyRecord, expiresAt time.Time) (bool, domain.IdempotencyRecord, error) {
	key := rec.Key.String()

	var queueID, reservationID string
	err := s.pool.QueryRow(ctx, insertIfAbsentSQL,
		key, rec.Key.OrgID, rec.Key.PipelineID, rec.Key.CredentialID, string(rec.Key.RunDate),
		rec.QueueID, rec.ReservationID, expiresAt,
	).Scan(&queueID, &reservationID)

	if err == nil {
		return true, rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, domain.IdempotencyRecord{}, fmt.Errorf("insert idempotency record %s: %w", key, err)
	}

	// A live record blocked the write; read it back for the caller. The
	// decision was already made by the conditional statement above, this is
	// only a lookup of the winner.
	existing := domain.IdempotencyRecord{Key: rec.Key}
	if err := s.pool.QueryRow(ctx, readExistingSQL, key).Scan(&existing.QueueID, &existing.ReservationID); err != nil {
		return false, domain.IdempotencyRecord{}, fmt.Errorf("read existing idempotency record %s: %w", key, err)
	}
	return false, existing, nil
}

// Remove implements store.IdempotencyStore.
func (s *IdempotencyStore) Remove(ctx context.Context, key domain.IdempotencyKey) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key.String()); err != nil {
		return fmt.Errorf("remove idempotency record %s: %w", key.String(), err)
	}
	return nil
}
