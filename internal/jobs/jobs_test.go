package jobs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"

	"pipegate.io/pipegate/internal/admission"
	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/queue"
	"pipegate.io/pipegate/internal/store/memory"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestPipelineRunArgsKind(t *testing.T) {
	t.Parallel()

	if got := (PipelineRunArgs{}).Kind(); got != "pipeline_run" {
		t.Fatalf("Kind() = %q, want %q", got, "pipeline_run")
	}
}

func TestPipelineRunArgsInsertOpts(t *testing.T) {
	t.Parallel()

	opts := (PipelineRunArgs{}).InsertOpts()
	if opts.Queue != "pipeline_runs" {
		t.Fatalf("Queue = %q, want %q", opts.Queue, "pipeline_runs")
	}
	if opts.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want 3", opts.MaxAttempts)
	}
	if !opts.UniqueOpts.ByArgs || !opts.UniqueOpts.ByQueue {
		t.Fatal("UniqueOpts must dedupe by args and queue")
	}
}

func TestReservationSweepArgsInsertOpts(t *testing.T) {
	t.Parallel()

	opts := (ReservationSweepArgs{}).InsertOpts()
	if opts.Queue != river.QueueDefault {
		t.Fatalf("Queue = %q, want %q", opts.Queue, river.QueueDefault)
	}
	if opts.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", opts.MaxAttempts)
	}
	if opts.UniqueOpts.ByPeriod != time.Minute {
		t.Fatalf("UniqueOpts.ByPeriod = %s, want %s", opts.UniqueOpts.ByPeriod, time.Minute)
	}
}

func TestReservationSweepWorkerUninitialized(t *testing.T) {
	t.Parallel()

	var w *ReservationSweepWorker
	err := w.Work(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("Work() error = %v, want contains %q", err, "not initialized")
	}
}

type stubRunner struct {
	outcome domain.RunOutcome
	reason  string
	err     error
	calls   int
}

func (r *stubRunner) Run(_ context.Context, _ domain.QueueItem) (domain.RunOutcome, string, error) {
	r.calls++
	return r.outcome, r.reason, r.err
}

func runJob(queueID string) *river.Job[PipelineRunArgs] {
	return &river.Job[PipelineRunArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1},
		Args:   PipelineRunArgs{QueueID: queueID},
	}
}

func newRunFixture(t *testing.T, runner PipelineRunner) (*PipelineRunWorker, *queue.Service, *memory.QueueStore) {
	t.Helper()
	counters := memory.NewCounterStore()
	reservations := memory.NewReservationStore()
	items := memory.NewQueueStore()
	controller := admission.NewController(counters, reservations, nil)
	queueSvc := queue.NewService(items, controller, nil)
	return NewPipelineRunWorker(queueSvc, runner), queueSvc, items
}

func enqueueRun(t *testing.T, queueSvc *queue.Service, queueID string) {
	t.Helper()
	require.NoError(t, queueSvc.Enqueue(context.Background(), domain.QueueItem{
		QueueID:      queueID,
		OrgID:        "org-1",
		PipelineID:   "pipe-1",
		CredentialID: "cred-1",
	}))
}

func TestPipelineRunWorkerSuccess(t *testing.T) {
	runner := &stubRunner{outcome: domain.OutcomeSucceeded}
	w, queueSvc, items := newRunFixture(t, runner)
	enqueueRun(t, queueSvc, "q1")

	require.NoError(t, w.Work(context.Background(), runJob("q1")))
	require.Equal(t, 1, runner.calls)

	item, err := items.Get(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, domain.RunSucceeded, item.State)
}

func TestPipelineRunWorkerRunnerFailureRecordsFailed(t *testing.T) {
	runner := &stubRunner{err: fmt.Errorf("connector exploded")}
	w, queueSvc, items := newRunFixture(t, runner)
	enqueueRun(t, queueSvc, "q1")

	err := w.Work(context.Background(), runJob("q1"))
	require.Error(t, err)

	item, getErr := items.Get(context.Background(), "q1")
	require.NoError(t, getErr)
	require.Equal(t, domain.RunFailed, item.State)
	require.Contains(t, item.FailureReason, "connector exploded")
}

func TestPipelineRunWorkerSkipsUnclaimableRun(t *testing.T) {
	runner := &stubRunner{outcome: domain.OutcomeSucceeded}
	w, queueSvc, _ := newRunFixture(t, runner)
	enqueueRun(t, queueSvc, "q1")

	require.NoError(t, w.Work(context.Background(), runJob("q1")))

	// A retried delivery of the same job must not execute the run again.
	require.NoError(t, w.Work(context.Background(), runJob("q1")))
	require.Equal(t, 1, runner.calls)
}
