// Package reconciler repairs reservations whose worker crashed without a
// terminal report. It periodically sweeps RESERVED reservations past their
// liveness deadline, force-releases them, and fails the runs they backed.
//
// The sweep is idempotent and safe against racing workers: the release goes
// through the same conditional reservation transition as a worker commit, so
// exactly one side wins. A worker report landing mid-sweep simply makes the
// sweep's release a no-op.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/pkg/metrics"
	"pipegate.io/pipegate/internal/pkg/worker"
	"pipegate.io/pipegate/internal/store"
)

// DefaultInterval is how often the periodic sweep runs.
const DefaultInterval = time.Minute

// DefaultBatchSize bounds the reservations examined per sweep. Leftovers
// are picked up next cycle.
const DefaultBatchSize = 100

// Releaser force-releases a reservation, returning whether this call
// applied the transition.
type Releaser interface {
	Release(ctx context.Context, reservationID string) (bool, error)
}

// QueueFailer moves a run to FAILED with the stale-timeout reason.
type QueueFailer interface {
	FailStale(ctx context.Context, queueID string) (bool, error)
}

// Reconciler is the stale-reservation sweep.
type Reconciler struct {
	reservations store.ReservationStore
	items        store.QueueStore
	releaser     Releaser
	queue        QueueFailer
	pools        *worker.Pools
	interval     time.Duration
	batchSize    int
	now          func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval overrides the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize overrides the per-sweep reservation limit.
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithPools runs repairs concurrently on the sweep worker pool. Without it
// the sweep repairs sequentially.
func WithPools(pools *worker.Pools) Option {
	return func(r *Reconciler) { r.pools = pools }
}

// New creates a Reconciler.
func New(reservations store.ReservationStore, items store.QueueStore, releaser Releaser, queue QueueFailer, opts ...Option) *Reconciler {
	r := &Reconciler{
		reservations: reservations,
		items:        items,
		releaser:     releaser,
		queue:        queue,
		interval:     DefaultInterval,
		batchSize:    DefaultBatchSize,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep performs one repair pass and returns how many reservations it
// released. Individual repair failures are logged and skipped; the next
// sweep retries them.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.reservations.ListStale(ctx, r.now().UTC(), r.batchSize)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reservation").Inc()
		return 0, err
	}

	repaired := r.repairAll(ctx, stale)
	if err := ctx.Err(); err != nil {
		return repaired, err
	}

	if repaired > 0 {
		logger.Info("stale reservation sweep finished",
			zap.Int("examined", len(stale)),
			zap.Int("repaired", repaired),
		)
	}
	return repaired, nil
}

// repairAll repairs the batch, fanning out on the sweep pool when one is
// wired. Each repair is independent; the sweep's own conditionality makes
// concurrent repairs safe.
func (r *Reconciler) repairAll(ctx context.Context, stale []domain.Reservation) int {
	if r.pools == nil {
		repaired := 0
		for _, reservation := range stale {
			if ctx.Err() != nil {
				return repaired
			}
			if r.repair(ctx, reservation.ID) {
				repaired++
			}
		}
		return repaired
	}

	var (
		wg       sync.WaitGroup
		repaired atomic.Int64
	)
	for _, reservation := range stale {
		if ctx.Err() != nil {
			break
		}
		id := reservation.ID
		wg.Add(1)
		err := r.pools.Sweep.Submit(ctx, func(taskCtx context.Context) {
			defer wg.Done()
			if r.repair(taskCtx, id) {
				repaired.Add(1)
			}
		})
		if err != nil {
			// Pool saturated or shutting down; repair on the sweep goroutine.
			wg.Done()
			if r.repair(ctx, id) {
				repaired.Add(1)
			}
		}
	}
	wg.Wait()
	return int(repaired.Load())
}

// repair releases one reservation and fails its run. Release goes first:
// once the reservation is RELEASED, a late worker commit no-ops, and a
// crash between the two steps leaves a repairable run for the next sweep's
// queue pass via the now-settled reservation's item.
func (r *Reconciler) repair(ctx context.Context, reservationID string) bool {
	applied, err := r.releaser.Release(ctx, reservationID)
	if err != nil {
		logger.Error("stale reservation release failed",
			zap.String("reservation_id", reservationID),
			zap.Error(err),
		)
		return false
	}
	if !applied {
		// A worker report won the race between ListStale and here.
		return false
	}

	metrics.SweepRepairs.Inc()

	item, err := r.items.GetByReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		// Reservation without a queue item: admission crashed mid-flight.
		// Releasing the capacity was the whole repair.
		logger.Warn("stale reservation had no queue item",
			zap.String("reservation_id", reservationID),
		)
		return true
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("queue").Inc()
		logger.Error("queue lookup for stale reservation failed",
			zap.String("reservation_id", reservationID),
			zap.Error(err),
		)
		return true
	}

	if !item.State.HoldsReservation() {
		// The run already settled; only the capacity needed returning.
		return true
	}

	if _, err := r.queue.FailStale(ctx, item.QueueID); err != nil {
		logger.Error("failing stale run failed",
			zap.String("queue_id", item.QueueID),
			zap.String("reservation_id", reservationID),
			zap.Error(err),
		)
	}
	return true
}

// Run sweeps immediately, then on every interval tick until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	logger.Info("reconciler started", zap.Duration("interval", r.interval))

	if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
