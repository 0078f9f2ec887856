// Package memory provides in-process store adapters. They back unit tests
// and single-node development mode, and mirror the conditional-write
// semantics of the durable adapters exactly: every mutation is a versioned
// compare-and-swap or a conditional state move.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/store"
)

type counterRow struct {
	counter domain.QuotaCounter
	version int64
}

// CounterStore is an in-memory store.CounterStore.
type CounterStore struct {
	mu   sync.Mutex
	rows map[string]*counterRow // key: org + "|" + date
}

// NewCounterStore creates an empty in-memory counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{rows: make(map[string]*counterRow)}
}

func counterKey(org string, date domain.Day) string {
	return org + "|" + string(date)
}

// ReadCounter implements store.CounterStore.
func (s *CounterStore) ReadCounter(_ context.Context, org string, date domain.Day) (domain.QuotaCounter, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[counterKey(org, date)]
	if !ok {
		return domain.QuotaCounter{}, 0, store.ErrNotFound
	}
	return row.counter, row.version, nil
}

// CompareAndSwap implements store.CounterStore.
func (s *CounterStore) CompareAndSwap(_ context.Context, org string, date domain.Day, expectedVersion int64, values store.CounterValues) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[counterKey(org, date)]
	if !ok || row.version != expectedVersion {
		return false, nil
	}
	row.counter.RunsToday = values.RunsToday
	row.counter.RunsMonth = values.RunsMonth
	row.counter.ConcurrentRunning = values.ConcurrentRunning
	row.counter.UpdatedAt = time.Now().UTC()
	row.version++
	return true, nil
}

// Upsert implements store.CounterStore. The monthly total is seeded from the
// latest earlier row of the same calendar month.
func (s *CounterStore) Upsert(_ context.Context, org string, date domain.Day) (domain.QuotaCounter, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(org, date)
	if row, ok := s.rows[key]; ok {
		return row.counter, row.version, nil
	}

	var monthSeed int64
	var latest domain.Day
	for _, row := range s.rows {
		if row.counter.OrgID != org {
			continue
		}
		d := row.counter.UsageDate
		if d.Month() != date.Month() || d >= date {
			continue
		}
		if latest == "" || d > latest {
			latest = d
			monthSeed = row.counter.RunsMonth
		}
	}

	row := &counterRow{
		counter: domain.QuotaCounter{
			OrgID:     org,
			UsageDate: date,
			RunsMonth: monthSeed,
			UpdatedAt: time.Now().UTC(),
		},
		version: 1,
	}
	s.rows[key] = row
	return row.counter, row.version, nil
}

type idemRow struct {
	rec       domain.IdempotencyRecord
	expiresAt time.Time
}

// IdempotencyStore is an in-memory store.IdempotencyStore.
type IdempotencyStore struct {
	mu   sync.Mutex
	rows map[string]idemRow
}

// NewIdempotencyStore creates an empty in-memory idempotency store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{rows: make(map[string]idemRow)}
}

// InsertIfAbsent implements store.IdempotencyStore. Expired records count
// as absent and are replaced.
func (s *IdempotencyStore) InsertIfAbsent(_ context.Context, rec domain.IdempotencyRecord, expiresAt time.Time) (bool, domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key.String()
	if existing, ok := s.rows[key]; ok && existing.expiresAt.After(time.Now()) {
		return false, existing.rec, nil
	}
	s.rows[key] = idemRow{rec: rec, expiresAt: expiresAt}
	return true, rec, nil
}

// Remove implements store.IdempotencyStore.
func (s *IdempotencyStore) Remove(_ context.Context, key domain.IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key.String())
	return nil
}

// QueueStore is an in-memory store.QueueStore.
type QueueStore struct {
	mu   sync.Mutex
	rows map[string]domain.QueueItem
}

// NewQueueStore creates an empty in-memory queue store.
func NewQueueStore() *QueueStore {
	return &QueueStore{rows: make(map[string]domain.QueueItem)}
}

// Insert implements store.QueueStore.
func (s *QueueStore) Insert(_ context.Context, item domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[item.QueueID] = item
	return nil
}

// Get implements store.QueueStore.
func (s *QueueStore) Get(_ context.Context, queueID string) (domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.rows[queueID]
	if !ok {
		return domain.QueueItem{}, store.ErrNotFound
	}
	return item, nil
}

// GetByReservation implements store.QueueStore.
func (s *QueueStore) GetByReservation(_ context.Context, reservationID string) (domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.rows {
		if item.ReservationID == reservationID {
			return item, nil
		}
	}
	return domain.QueueItem{}, store.ErrNotFound
}

// ListPending implements store.QueueStore.
func (s *QueueStore) ListPending(_ context.Context, filter store.QueueFilter, limit int) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.QueueItem
	for _, item := range s.rows {
		if item.State != domain.RunPending {
			continue
		}
		if filter.OrgID != "" && item.OrgID != filter.OrgID {
			continue
		}
		if !filter.DueBefore.IsZero() && item.ScheduledTime.After(filter.DueBefore) {
			continue
		}
		out = append(out, item)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateState implements store.QueueStore.
func (s *QueueStore) UpdateState(_ context.Context, queueID string, from []domain.RunState, to domain.RunState, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.rows[queueID]
	if !ok {
		return false, store.ErrNotFound
	}

	matched := false
	for _, f := range from {
		if item.State == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	item.State = to
	if reason != "" {
		item.FailureReason = reason
	}
	item.UpdatedAt = time.Now().UTC()
	s.rows[queueID] = item
	return true, nil
}

// ReservationStore is an in-memory store.ReservationStore.
type ReservationStore struct {
	mu   sync.Mutex
	rows map[string]domain.Reservation
}

// NewReservationStore creates an empty in-memory reservation store.
func NewReservationStore() *ReservationStore {
	return &ReservationStore{rows: make(map[string]domain.Reservation)}
}

// Insert implements store.ReservationStore.
func (s *ReservationStore) Insert(_ context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = r
	return nil
}

// Get implements store.ReservationStore.
func (s *ReservationStore) Get(_ context.Context, reservationID string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[reservationID]
	if !ok {
		return domain.Reservation{}, store.ErrNotFound
	}
	return r, nil
}

// Transition implements store.ReservationStore.
func (s *ReservationStore) Transition(_ context.Context, reservationID string, from, to domain.ReservationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[reservationID]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.State != from {
		return false, nil
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	s.rows[reservationID] = r
	return true, nil
}

// ListStale implements store.ReservationStore.
func (s *ReservationStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, r := range s.rows {
		if r.State == domain.ReservationReserved && r.LivenessDeadline.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LivenessDeadline.Before(out[j].LivenessDeadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
