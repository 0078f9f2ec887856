package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/store"
)

// ReservationStore is the PostgreSQL store.ReservationStore.
type ReservationStore struct {
	pool *pgxpool.Pool
}

// NewReservationStore creates a reservation store on the shared pool.
func NewReservationStore(pool *pgxpool.Pool) *ReservationStore {
	return &ReservationStore{pool: pool}
}

const insertReservationSQL = `
INSERT INTO reservations
	(reservation_id, org_id, idempotency_key, usage_date, state, created_at, liveness_deadline, updated_at)
VALUES ($1, $2, $3, $4::date, $5, $6, $7, $6)
`

// Insert implements store.ReservationStore.
func (s *ReservationStore) Insert(ctx context.Context, r domain.Reservation) error {
	_, err := s.pool.Exec(ctx, insertReservationSQL,
		r.ID, r.OrgID, r.IdempotencyKey, string(r.UsageDate), string(r.State), r.CreatedAt, r.LivenessDeadline,
	)
	if err != nil {
		return fmt.Errorf("insert reservation %s: %w", r.ID, err)
	}
	return nil
}

const getReservationSQL = `
SELECT reservation_id, org_id, idempotency_key, usage_date::text, state, created_at, liveness_deadline, updated_at
FROM reservations
WHERE reservation_id = $1
`

// Get implements store.ReservationStore.
func (s *ReservationStore) Get(ctx context.Context, reservationID string) (domain.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, getReservationSQL, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get reservation %s: %w", reservationID, err)
	}
	return r, nil
}

// transitionSQL guards the move on the current state, making repeated
// commits or releases conditional misses instead of double-applies.
const transitionSQL = `
UPDATE reservations
SET state = $3, updated_at = now()
WHERE reservation_id = $1 AND state = $2
`

// Transition implements store.ReservationStore.
func (s *ReservationStore) Transition(ctx context.Context, reservationID string, from, to domain.ReservationState) (bool, error) {
	tag, err := s.pool.Exec(ctx, transitionSQL, reservationID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition reservation %s %s→%s: %w", reservationID, from, to, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE reservation_id = $1)`, reservationID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check reservation %s: %w", reservationID, err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

const listStaleSQL = `
SELECT reservation_id, org_id, idempotency_key, usage_date::text, state, created_at, liveness_deadline, updated_at
FROM reservations
WHERE state = 'RESERVED' AND liveness_deadline < $1
ORDER BY liveness_deadline ASC
LIMIT $2
`

// ListStale implements store.ReservationStore.
func (s *ReservationStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, listStaleSQL, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var r domain.Reservation
	var usageDate, state string
	err := row.Scan(
		&r.ID, &r.OrgID, &r.IdempotencyKey, &usageDate, &state,
		&r.CreatedAt, &r.LivenessDeadline, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.UsageDate = domain.Day(usageDate)
	r.State = domain.ReservationState(state)
	return r, nil
}
