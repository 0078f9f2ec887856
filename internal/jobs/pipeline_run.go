// Package jobs holds the River job definitions: pipeline run execution and
// the periodic stale-reservation sweep.
package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/queue"
)

// PipelineRunArgs carries only the queue id; the queue row is the source of
// truth for everything else.
type PipelineRunArgs struct {
	QueueID string `json:"queue_id"`
}

// Kind returns the job kind identifier for pipeline run execution.
func (PipelineRunArgs) Kind() string { return "pipeline_run" }

// InsertOpts deduplicates execution jobs per queue id: an admission retried
// at the transport layer never schedules the same run twice.
func (PipelineRunArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       "pipeline_runs",
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// PipelineRunner executes one pipeline run against the data source. The
// returned outcome is terminal; transient connector failures are the
// runner's to retry internally.
type PipelineRunner interface {
	Run(ctx context.Context, item domain.QueueItem) (domain.RunOutcome, string, error)
}

// PipelineRunWorker claims a pending run, executes it, and reports the
// terminal outcome.
//
// Execution flow:
//  1. Conditionally claim the run PENDING -> RUNNING; losing the claim means
//     another attempt (or a cancel) got there first, and the job is done.
//  2. Execute via the runner.
//  3. Report the outcome through the queue service, which settles the
//     reservation exactly once.
type PipelineRunWorker struct {
	river.WorkerDefaults[PipelineRunArgs]
	queue  *queue.Service
	runner PipelineRunner
}

// NewPipelineRunWorker creates a PipelineRunWorker.
func NewPipelineRunWorker(queueSvc *queue.Service, runner PipelineRunner) *PipelineRunWorker {
	return &PipelineRunWorker{queue: queueSvc, runner: runner}
}

// Work executes one pipeline run.
func (w *PipelineRunWorker) Work(ctx context.Context, job *river.Job[PipelineRunArgs]) error {
	queueID := job.Args.QueueID

	logger.Info("processing pipeline run job",
		zap.String("queue_id", queueID),
		zap.Int("attempt", job.Attempt),
	)

	claimed, err := w.queue.Start(ctx, queueID)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", queueID, err)
	}
	if !claimed {
		// Already running, cancelled, or finished by a prior attempt.
		item, err := w.queue.Get(ctx, queueID)
		if err != nil {
			return fmt.Errorf("inspect unclaimed run %s: %w", queueID, err)
		}
		logger.Info("run not claimable, skipping duplicate execution",
			zap.String("queue_id", queueID),
			zap.String("state", string(item.State)),
		)
		return nil
	}

	outcome, reason, err := w.runner.Run(ctx, w.mustItem(ctx, queueID))
	if err != nil {
		// The runner could not produce an outcome at all. Record FAILED so
		// the slot comes back now rather than at the liveness deadline.
		if _, repErr := w.queue.ReportOutcome(ctx, queueID, domain.OutcomeFailed, err.Error()); repErr != nil {
			logger.Error("failed to record runner failure, reconciler will repair",
				zap.String("queue_id", queueID),
				zap.Error(repErr),
			)
		}
		return river.JobCancel(fmt.Errorf("execute run %s: %w", queueID, err))
	}

	if _, err := w.queue.ReportOutcome(ctx, queueID, outcome, reason); err != nil {
		return fmt.Errorf("report outcome for run %s: %w", queueID, err)
	}

	logger.Info("pipeline run job completed",
		zap.String("queue_id", queueID),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

func (w *PipelineRunWorker) mustItem(ctx context.Context, queueID string) domain.QueueItem {
	item, err := w.queue.Get(ctx, queueID)
	if err != nil {
		// The claim above just succeeded, so this only fires on a store
		// outage; the runner gets the id and nothing else.
		logger.Warn("queue item read failed after claim", zap.String("queue_id", queueID), zap.Error(err))
		return domain.QueueItem{QueueID: queueID}
	}
	return item
}
