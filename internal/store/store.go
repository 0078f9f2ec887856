// Package store defines the narrow persistence interfaces the admission core
// consumes. The real system backs these with a shared analytical table that
// offers no multi-row transactions; every method here is therefore a single
// conditional read or write, and correctness never relies on cross-row
// atomicity.
package store

import (
	"context"
	"errors"
	"time"

	"pipegate.io/pipegate/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// CounterValues carries the full replacement values for a counter row.
// CompareAndSwap writes all three together so the row never holds a mix of
// old and new fields.
type CounterValues struct {
	RunsToday         int64
	RunsMonth         int64
	ConcurrentRunning int64
}

// CounterStore is the durable per-(org, day) counter service.
type CounterStore interface {
	// ReadCounter returns the counter row and its version for optimistic
	// concurrency. ErrNotFound when the row has not been created yet.
	ReadCounter(ctx context.Context, org string, date domain.Day) (domain.QuotaCounter, int64, error)

	// CompareAndSwap replaces the row's values iff its version still equals
	// expectedVersion. Returns false (and no error) when another writer won
	// the race; the caller re-reads and retries.
	CompareAndSwap(ctx context.Context, org string, date domain.Day, expectedVersion int64, values CounterValues) (bool, error)

	// Upsert lazily creates the (org, date) row on first use, seeding the
	// monthly total from the latest earlier row of the same calendar month.
	// Concurrent upserts for the same key are safe; all callers observe one
	// row. Returns the row and its version.
	Upsert(ctx context.Context, org string, date domain.Day) (domain.QuotaCounter, int64, error)
}

// IdempotencyStore maps composite business keys to execution identities.
type IdempotencyStore interface {
	// InsertIfAbsent atomically inserts rec unless a live record for the key
	// exists. This must be one conditional write in the underlying store,
	// not a read followed by a write. Returns (true, rec) when inserted,
	// (false, existing) when a concurrent or earlier caller got there first.
	InsertIfAbsent(ctx context.Context, rec domain.IdempotencyRecord, expiresAt time.Time) (bool, domain.IdempotencyRecord, error)

	// Remove deletes the record for key so the key is immediately reusable.
	// Used when an admission that created the record is denied or rolled
	// back before any run exists. Removing an absent key is a no-op.
	Remove(ctx context.Context, key domain.IdempotencyKey) error
}

// QueueFilter narrows Dequeue scans.
type QueueFilter struct {
	// OrgID restricts to one org when non-empty.
	OrgID string
	// DueBefore restricts to items scheduled at or before the instant when
	// non-zero.
	DueBefore time.Time
}

// QueueStore is the durable queue-item table.
type QueueStore interface {
	Insert(ctx context.Context, item domain.QueueItem) error

	Get(ctx context.Context, queueID string) (domain.QueueItem, error)

	// GetByReservation returns the queue item back-referencing the
	// reservation. Used by the reconciler to fail runs whose reservation
	// went stale.
	GetByReservation(ctx context.Context, reservationID string) (domain.QueueItem, error)

	// ListPending returns up to limit PENDING items matching filter, ordered
	// by priority descending then scheduled_time ascending.
	ListPending(ctx context.Context, filter QueueFilter, limit int) ([]domain.QueueItem, error)

	// UpdateState conditionally moves queueID to state "to" iff its current
	// state is one of "from" (a single conditional write). Returns false
	// when the precondition did not hold, which callers use both for
	// forward-only enforcement and for at-most-once terminal notification.
	UpdateState(ctx context.Context, queueID string, from []domain.RunState, to domain.RunState, reason string) (bool, error)
}

// ReservationStore is the durable reservation table.
type ReservationStore interface {
	Insert(ctx context.Context, r domain.Reservation) error

	Get(ctx context.Context, reservationID string) (domain.Reservation, error)

	// Transition conditionally moves reservationID from → to. Returns false
	// when the reservation was not in "from"; repairing an already-released
	// reservation is thereby a no-op, never a double-decrement.
	Transition(ctx context.Context, reservationID string, from, to domain.ReservationState) (bool, error)

	// ListStale returns up to limit RESERVED reservations whose liveness
	// deadline passed before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error)
}

// QuotaCache is the read-side cache collaborator. The core only ever calls
// Invalidate after mutating counters; Get/Set serve the quota read model.
type QuotaCache interface {
	Get(org string) (domain.QuotaSnapshot, bool)
	Set(org string, snap domain.QuotaSnapshot)
	Invalidate(org string)
}
