package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pipegate.io/pipegate/internal/admission"
	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/idempotency"
	"pipegate.io/pipegate/internal/limits"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/queue"
	"pipegate.io/pipegate/internal/store"
	"pipegate.io/pipegate/internal/store/memory"
)

func init() {
	_ = logger.Init("error", "json")
}

type env struct {
	svc      *Service
	counters *memory.CounterStore
	items    *memory.QueueStore
	provider *limits.StaticProvider
}

func newEnv(t *testing.T) *env {
	t.Helper()
	counters := memory.NewCounterStore()
	items := memory.NewQueueStore()
	reservations := memory.NewReservationStore()
	idemStore := memory.NewIdempotencyStore()

	controller := admission.NewController(counters, reservations, nil,
		admission.WithMaxAttempts(100))
	queueSvc := queue.NewService(items, controller, nil)
	provider := limits.NewStaticProvider(domain.SubscriptionLimits{
		DailyRuns:      10,
		MonthlyRuns:    100,
		ConcurrentRuns: 5,
	})

	var seq atomic.Int64
	svc := NewService(idempotency.NewGuard(idemStore), controller, queueSvc, provider, counters, nil).
		WithIDGenerator(func() string {
			return fmt.Sprintf("id-%d", seq.Add(1))
		})
	return &env{svc: svc, counters: counters, items: items, provider: provider}
}

func runReq(pipeline string) RunRequest {
	return RunRequest{
		OrgID:        "org-1",
		PipelineID:   pipeline,
		CredentialID: "cred-1",
		RunDate:      domain.Day("2026-08-30"),
	}
}

func TestRequestRunAdmitted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	decision, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAdmitted, decision.Outcome)
	require.NotEmpty(t, decision.QueueID)

	item, err := e.items.Get(ctx, decision.QueueID)
	require.NoError(t, err)
	require.Equal(t, domain.RunPending, item.State)
	require.NotEmpty(t, item.ReservationID)
}

func TestRequestRunDuplicateReturnsPriorQueueID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAdmitted, first.Outcome)

	second, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeDuplicate, second.Outcome)
	require.Equal(t, first.QueueID, second.QueueID)

	// A duplicate books no quota.
	counter, _, err := e.counters.ReadCounter(ctx, "org-1", domain.Day("2026-08-30"))
	require.NoError(t, err)
	require.Equal(t, int64(1), counter.RunsToday)
}

func TestRequestRunDeniedDoesNotPoisonKey(t *testing.T) {
	e := newEnv(t)
	e.provider.SetPlan("org-1", domain.SubscriptionLimits{
		DailyRuns: 0, MonthlyRuns: 100, ConcurrentRuns: 5,
	})
	ctx := context.Background()

	decision, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeDenied, decision.Outcome)
	require.Equal(t, domain.DenyDailyLimit, decision.Reason)

	// Raise the plan; the same key must admit now, not report DUPLICATE.
	e.provider.SetPlan("org-1", domain.SubscriptionLimits{
		DailyRuns: 10, MonthlyRuns: 100, ConcurrentRuns: 5,
	})
	decision, err = e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAdmitted, decision.Outcome)
}

func TestRequestRunValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.RequestRun(ctx, RunRequest{OrgID: "org-1"})
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeInvalidRequest, appErr.Code)

	bad := runReq("pipe-1")
	bad.RunDate = domain.Day("30-08-2026")
	_, err = e.svc.RequestRun(ctx, bad)
	require.Error(t, err)
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
}

// The canonical end-to-end walk: limits daily=2 concurrent=1. First request
// admits, its duplicate short-circuits, a second pipeline is blocked on the
// concurrency slot until the first run finishes, and a third pipeline then
// hits the daily ceiling.
func TestAdmissionScenarioDailyTwoConcurrentOne(t *testing.T) {
	e := newEnv(t)
	e.provider.SetPlan("org-1", domain.SubscriptionLimits{
		DailyRuns: 2, MonthlyRuns: 100, ConcurrentRuns: 1,
	})
	ctx := context.Background()

	first, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAdmitted, first.Outcome)

	dup, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeDuplicate, dup.Outcome)
	require.Equal(t, first.QueueID, dup.QueueID)

	blocked, err := e.svc.RequestRun(ctx, runReq("pipe-2"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeDenied, blocked.Outcome)
	require.Equal(t, domain.DenyConcurrentLimit, blocked.Reason)

	// First run executes and succeeds, freeing the slot.
	item, err := e.items.Get(ctx, first.QueueID)
	require.NoError(t, err)
	started, err := e.svc.queue.Start(ctx, item.QueueID)
	require.NoError(t, err)
	require.True(t, started)
	_, err = e.svc.ReportOutcome(ctx, first.QueueID, domain.OutcomeSucceeded, "")
	require.NoError(t, err)

	second, err := e.svc.RequestRun(ctx, runReq("pipe-2"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAdmitted, second.Outcome)

	// Two runs consumed today; the third pipeline hits the daily ceiling
	// even though the slot is free again after another success.
	started, err = e.svc.queue.Start(ctx, second.QueueID)
	require.NoError(t, err)
	require.True(t, started)
	_, err = e.svc.ReportOutcome(ctx, second.QueueID, domain.OutcomeSucceeded, "")
	require.NoError(t, err)

	third, err := e.svc.RequestRun(ctx, runReq("pipe-3"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeDenied, third.Outcome)
	require.Equal(t, domain.DenyDailyLimit, third.Reason)
}

func TestConcurrentIdenticalTriggersSingleAdmission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	decisions := make([]domain.Decision, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
			require.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	admitted, duplicates := 0, 0
	var queueID string
	for _, d := range decisions {
		switch d.Outcome {
		case domain.OutcomeAdmitted:
			admitted++
			queueID = d.QueueID
		case domain.OutcomeDuplicate:
			duplicates++
		}
	}
	require.Equal(t, 1, admitted)
	require.Equal(t, 9, duplicates)
	for _, d := range decisions {
		require.Equal(t, queueID, d.QueueID, "all callers observe the winner's queue id")
	}

	counter, _, err := e.counters.ReadCounter(ctx, "org-1", domain.Day("2026-08-30"))
	require.NoError(t, err)
	require.Equal(t, int64(1), counter.RunsToday)
}

func TestCancelRunReturnsAllowance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	decision, err := e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)

	item, err := e.svc.CancelRun(ctx, decision.QueueID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, item.State)

	counter, _, err := e.counters.ReadCounter(ctx, "org-1", domain.Day("2026-08-30"))
	require.NoError(t, err)
	require.Zero(t, counter.RunsToday)
	require.Zero(t, counter.ConcurrentRunning)
}

func TestGetQuotaSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.WithClock(func() time.Time {
		return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	})

	// Before any run the snapshot is all zeros with limits attached.
	snap, err := e.svc.GetQuota(ctx, "org-1")
	require.NoError(t, err)
	require.Zero(t, snap.RunsToday)
	require.Equal(t, int64(10), snap.Limits.DailyRuns)
	require.Equal(t, int64(10), snap.RemainingToday())

	_, err = e.svc.RequestRun(ctx, runReq("pipe-1"))
	require.NoError(t, err)

	snap, err = e.svc.GetQuota(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.RunsToday)
	require.Equal(t, int64(1), snap.ConcurrentRunning)
	require.Equal(t, int64(9), snap.RemainingToday())
}

func TestListPendingOrdering(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	for i, tc := range []struct {
		pipeline string
		priority int
		offset   time.Duration
	}{
		{"low-late", 1, 2 * time.Minute},
		{"high-late", 9, time.Minute},
		{"high-early", 9, 0},
	} {
		req := runReq(tc.pipeline)
		req.Priority = tc.priority
		req.ScheduledTime = base.Add(tc.offset)
		d, err := e.svc.RequestRun(ctx, req)
		require.NoError(t, err, "request %d", i)
		require.Equal(t, domain.OutcomeAdmitted, d.Outcome)
	}

	items, err := e.svc.ListPending(ctx, store.QueueFilter{OrgID: "org-1"}, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "high-early", items[0].PipelineID)
	require.Equal(t, "high-late", items[1].PipelineID)
	require.Equal(t, "low-late", items[2].PipelineID)
}
