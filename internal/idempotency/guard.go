// Package idempotency deduplicates pipeline-run triggers. Two triggers for
// the same (org, pipeline, credential, run_date) within one business window
// must map to a single execution identity.
package idempotency

import (
	"context"

	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/domain"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/pkg/metrics"
	"pipegate.io/pipegate/internal/store"
)

// Admission is the result of Admit: either the key is new and the caller's
// identities stand, or a prior caller already owns the key.
type Admission struct {
	New           bool
	QueueID       string
	ReservationID string
}

// Guard performs atomic first-writer-wins admission on idempotency keys.
type Guard struct {
	store store.IdempotencyStore
}

// NewGuard creates a Guard on the given store.
func NewGuard(s store.IdempotencyStore) *Guard {
	return &Guard{store: s}
}

// Admit claims the record's key with a single conditional insert. Concurrent
// callers for the same key all observe the same winner. When the store
// cannot answer, the request is NOT admitted: an ambiguous failure must
// never be read as NEW, or two triggers could both book quota.
func (g *Guard) Admit(ctx context.Context, rec domain.IdempotencyRecord) (Admission, error) {
	inserted, winner, err := g.store.InsertIfAbsent(ctx, rec, rec.Key.RunDate.End())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("idempotency").Inc()
		return Admission{}, apperrors.ErrStoreUnavailablef(err)
	}

	if !inserted {
		logger.Debug("duplicate run trigger short-circuited",
			zap.String("idempotency_key", rec.Key.String()),
			zap.String("queue_id", winner.QueueID),
		)
	}
	return Admission{
		New:           inserted,
		QueueID:       winner.QueueID,
		ReservationID: winner.ReservationID,
	}, nil
}

// Forget releases the key so it is immediately reusable. Called when the
// admission that claimed the key was denied or rolled back before a run
// existed; otherwise a denied caller would see DUPLICATE until the window
// closes.
func (g *Guard) Forget(ctx context.Context, key domain.IdempotencyKey) error {
	if err := g.store.Remove(ctx, key); err != nil {
		metrics.StoreErrors.WithLabelValues("idempotency").Inc()
		return apperrors.ErrStoreUnavailablef(err)
	}
	return nil
}
