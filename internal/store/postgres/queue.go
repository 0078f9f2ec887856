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

// QueueStore is the PostgreSQL store.QueueStore.
type QueueStore struct {
	pool *pgxpool.Pool
}

// NewQueueStore creates a queue store on the shared pool.
func NewQueueStore(pool *pgxpool.Pool) *QueueStore {
	return &QueueStore{pool: pool}
}

const insertQueueItemSQL = `
INSERT INTO queue_items
	(queue_id, org_id, pipeline_id, credential_id, priority, scheduled_time, state, reservation_id, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
`

// Insert implements store.QueueStore.
func (s *QueueStore) Insert(ctx context.Context, item domain.QueueItem) error {
	_, err := s.pool.Exec(ctx, insertQueueItemSQL,
		item.QueueID, item.OrgID, item.PipelineID, item.CredentialID,
		item.Priority, item.ScheduledTime, string(item.State), item.ReservationID, item.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert queue item %s: %w", item.QueueID, err)
	}
	return nil
}

const getQueueItemSQL = `
SELECT queue_id, org_id, pipeline_id, credential_id, priority, scheduled_time, state, reservation_id, failure_reason, created_at, updated_at
FROM queue_items
WHERE queue_id = $1
`

// Get implements store.QueueStore.
func (s *QueueStore) Get(ctx context.Context, queueID string) (domain.QueueItem, error) {
	item, err := scanQueueItem(s.pool.QueryRow(ctx, getQueueItemSQL, queueID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, store.ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("get queue item %s: %w", queueID, err)
	}
	return item, nil
}

const getByReservationSQL = `
SELECT queue_id, org_id, pipeline_id, credential_id, priority, scheduled_time, state, reservation_id, failure_reason, created_at, updated_at
FROM queue_items
WHERE reservation_id = $1
`

// GetByReservation implements store.QueueStore.
func (s *QueueStore) GetByReservation(ctx context.Context, reservationID string) (domain.QueueItem, error) {
	item, err := scanQueueItem(s.pool.QueryRow(ctx, getByReservationSQL, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, store.ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("get queue item by reservation %s: %w", reservationID, err)
	}
	return item, nil
}

// listPendingSQL orders by priority descending then scheduled time ascending
// so urgent items jump ahead without starving long-waiting low-priority work.
const listPendingSQL = `
SELECT queue_id, org_id, pipeline_id, credential_id, priority, scheduled_time, state, reservation_id, failure_reason, created_at, updated_at
FROM queue_items
WHERE state = 'PENDING'
  AND ($1 = '' OR org_id = $1)
  AND ($2::timestamptz IS NULL OR scheduled_time <= $2::timestamptz)
ORDER BY priority DESC, scheduled_time ASC
LIMIT $3
`

// ListPending implements store.QueueStore.
func (s *QueueStore) ListPending(ctx context.Context, filter store.QueueFilter, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var dueBefore interface{}
	if !filter.DueBefore.IsZero() {
		dueBefore = filter.DueBefore
	}

	rows, err := s.pool.Query(ctx, listPendingSQL, filter.OrgID, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending queue items: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// updateStateSQL is the single conditional write enforcing forward-only
// transitions: it moves the row only while its state matches a precondition.
const updateStateSQL = `
UPDATE queue_items
SET state = $2,
    failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
    updated_at = now()
WHERE queue_id = $1 AND state = ANY($4)
`

// UpdateState implements store.QueueStore.
func (s *QueueStore) UpdateState(ctx context.Context, queueID string, from []domain.RunState, to domain.RunState, reason string) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}

	tag, err := s.pool.Exec(ctx, updateStateSQL, queueID, string(to), reason, states)
	if err != nil {
		return false, fmt.Errorf("update queue item %s to %s: %w", queueID, to, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish "precondition failed" from "no such item".
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_items WHERE queue_id = $1)`, queueID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check queue item %s: %w", queueID, err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (domain.QueueItem, error) {
	var item domain.QueueItem
	var state string
	err := row.Scan(
		&item.QueueID, &item.OrgID, &item.PipelineID, &item.CredentialID,
		&item.Priority, &item.ScheduledTime, &state, &item.ReservationID,
		&item.FailureReason, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.State = domain.RunState(state)
	return item, nil
}
