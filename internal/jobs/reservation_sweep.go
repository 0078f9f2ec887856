package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/reconciler"
)

// ReservationSweepArgs is the periodic maintenance job that force-releases
// reservations past their liveness deadline.
type ReservationSweepArgs struct{}

// Kind returns the job kind identifier for the periodic sweep.
func (ReservationSweepArgs) Kind() string { return "reservation_sweep" }

// InsertOpts ensures at most one sweep is enqueued per period; the sweep
// itself is idempotent, so a duplicate would only waste a scan.
func (ReservationSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// ReservationSweepWorker runs one reconciler sweep per job.
type ReservationSweepWorker struct {
	river.WorkerDefaults[ReservationSweepArgs]
	reconciler *reconciler.Reconciler
}

// NewReservationSweepWorker creates a ReservationSweepWorker.
func NewReservationSweepWorker(rec *reconciler.Reconciler) *ReservationSweepWorker {
	return &ReservationSweepWorker{reconciler: rec}
}

// Work performs one sweep.
func (w *ReservationSweepWorker) Work(ctx context.Context, _ *river.Job[ReservationSweepArgs]) error {
	if w == nil || w.reconciler == nil {
		return fmt.Errorf("reservation sweep worker is not initialized")
	}

	repaired, err := w.reconciler.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("stale reservation sweep: %w", err)
	}
	if repaired > 0 {
		logger.Info("reservation sweep job completed", zap.Int("repaired", repaired))
	}
	return nil
}
