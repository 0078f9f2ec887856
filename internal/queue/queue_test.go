package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pipegate.io/pipegate/internal/domain"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/pkg/worker"
	"pipegate.io/pipegate/internal/store"
	"pipegate.io/pipegate/internal/store/memory"
)

func init() {
	_ = logger.Init("error", "json")
}

type fakeNotifier struct {
	mu       sync.Mutex
	commits  []string
	releases []string
	// settled simulates the reservation's own conditional transition.
	settled map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{settled: make(map[string]bool)}
}

func (n *fakeNotifier) Commit(_ context.Context, id string, _ domain.RunOutcome) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.settled[id] {
		return false, nil
	}
	n.settled[id] = true
	n.commits = append(n.commits, id)
	return true, nil
}

func (n *fakeNotifier) Release(_ context.Context, id string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.settled[id] {
		return false, nil
	}
	n.settled[id] = true
	n.releases = append(n.releases, id)
	return true, nil
}

func newTestService(t *testing.T) (*Service, *fakeNotifier, *memory.QueueStore) {
	t.Helper()
	items := memory.NewQueueStore()
	notifier := newFakeNotifier()
	return NewService(items, notifier, nil), notifier, items
}

func testItem(queueID, reservationID string, priority int, scheduled time.Time) domain.QueueItem {
	return domain.QueueItem{
		QueueID:       queueID,
		OrgID:         "org-1",
		PipelineID:    "pipe-1",
		CredentialID:  "cred-1",
		Priority:      priority,
		ScheduledTime: scheduled,
		ReservationID: reservationID,
	}
}

func TestEnqueueDequeueOrdering(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	// Insertion order deliberately scrambled.
	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 5, base.Add(2*time.Minute))))
	require.NoError(t, svc.Enqueue(ctx, testItem("b", "rb", 1, base)))
	require.NoError(t, svc.Enqueue(ctx, testItem("c", "rc", 5, base.Add(time.Minute))))
	require.NoError(t, svc.Enqueue(ctx, testItem("d", "rd", 3, base)))

	items, err := svc.Dequeue(ctx, store.QueueFilter{}, 10)
	require.NoError(t, err)

	got := make([]string, len(items))
	for i, item := range items {
		got[i] = item.QueueID
	}
	require.Equal(t, []string{"c", "a", "d", "b"}, got)
}

func TestDequeueHonorsLimitAndFilter(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 9, base)))
	require.NoError(t, svc.Enqueue(ctx, testItem("b", "rb", 5, base)))
	other := testItem("x", "rx", 9, base)
	other.OrgID = "org-2"
	require.NoError(t, svc.Enqueue(ctx, other))

	items, err := svc.Dequeue(ctx, store.QueueFilter{OrgID: "org-1"}, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "a", items[0].QueueID)
}

func TestStartClaimsOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 1, time.Now())))

	claimed, err := svc.Start(ctx, "a")
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = svc.Start(ctx, "a")
	require.NoError(t, err)
	require.False(t, claimed, "second claim must lose")
}

func TestReportOutcomeCommitsReservationOnce(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 1, time.Now())))
	_, err := svc.Start(ctx, "a")
	require.NoError(t, err)

	item, err := svc.ReportOutcome(ctx, "a", domain.OutcomeSucceeded, "")
	require.NoError(t, err)
	require.Equal(t, domain.RunSucceeded, item.State)
	require.Equal(t, []string{"ra"}, notifier.commits)

	// Duplicate worker report.
	_, err = svc.ReportOutcome(ctx, "a", domain.OutcomeFailed, "flaky retry")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeDuplicateReport, appErr.Code)
	require.Len(t, notifier.commits, 1, "reservation committed exactly once")
}

func TestReportOutcomeBeforeStart(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 1, time.Now())))

	_, err := svc.ReportOutcome(ctx, "a", domain.OutcomeSucceeded, "")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeInvalidTransition, appErr.Code)
	require.Empty(t, notifier.commits)
}

func TestConcurrentReportsSingleNotification(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 1, time.Now())))
	_, err := svc.Start(ctx, "a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ReportOutcome(ctx, "a", domain.OutcomeSucceeded, "")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	require.Equal(t, 1, winners)
	require.Len(t, notifier.commits, 1)
}

func TestCancelPendingReleasesReservation(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 1, time.Now())))

	item, err := svc.CancelPending(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, item.State)
	require.Equal(t, []string{"ra"}, notifier.releases)
	require.Empty(t, notifier.commits)
}

func TestCancelRunningRejected(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 1, time.Now())))
	_, err := svc.Start(ctx, "a")
	require.NoError(t, err)

	_, err = svc.CancelPending(ctx, "a")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeInvalidTransition, appErr.Code)
	require.Empty(t, notifier.releases)
}

func TestFailStaleFromPendingAndRunning(t *testing.T) {
	svc, _, items := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("p", "rp", 1, time.Now())))
	require.NoError(t, svc.Enqueue(ctx, testItem("r", "rr", 1, time.Now())))
	_, err := svc.Start(ctx, "r")
	require.NoError(t, err)

	for _, id := range []string{"p", "r"} {
		applied, err := svc.FailStale(ctx, id)
		require.NoError(t, err)
		require.True(t, applied)

		item, err := items.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.RunFailed, item.State)
		require.Equal(t, domain.FailureReasonStaleTimeout, item.FailureReason)
	}

	// Terminal items are out of reach.
	applied, err := svc.FailStale(ctx, "p")
	require.NoError(t, err)
	require.False(t, applied)
}

func TestEventDispatchOnLifecycle(t *testing.T) {
	items := memory.NewQueueStore()
	notifier := newFakeNotifier()
	dispatcher := domain.NewEventDispatcher()

	var mu sync.Mutex
	var seen []domain.EventType
	record := func(_ context.Context, event *domain.RunEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.EventType)
		return nil
	}
	dispatcher.Register(domain.EventRunAdmitted, record)
	dispatcher.Register(domain.EventRunSucceeded, record)
	dispatcher.Register(domain.EventRunCancelled, record)

	svc := NewService(items, notifier, dispatcher)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, testItem("a", "ra", 1, time.Now())))
	_, err := svc.Start(ctx, "a")
	require.NoError(t, err)
	_, err = svc.ReportOutcome(ctx, "a", domain.OutcomeSucceeded, "")
	require.NoError(t, err)

	require.NoError(t, svc.Enqueue(ctx, testItem("b", "rb", 1, time.Now())))
	_, err = svc.CancelPending(ctx, "b")
	require.NoError(t, err)

	require.Equal(t, []domain.EventType{
		domain.EventRunAdmitted,
		domain.EventRunSucceeded,
		domain.EventRunAdmitted,
		domain.EventRunCancelled,
	}, seen)
}

func TestEventDispatchThroughWorkerPool(t *testing.T) {
	items := memory.NewQueueStore()
	notifier := newFakeNotifier()
	dispatcher := domain.NewEventDispatcher()

	admitted := make(chan string, 1)
	dispatcher.Register(domain.EventRunAdmitted, func(_ context.Context, event *domain.RunEvent) error {
		admitted <- event.QueueID
		return nil
	})

	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{
		GeneralPoolSize: 2,
		SweepPoolSize:   1,
	})
	require.NoError(t, err)
	defer pools.Shutdown()

	svc := NewService(items, notifier, dispatcher).WithDispatchPool(pools)
	require.NoError(t, svc.Enqueue(context.Background(), testItem("a", "ra", 1, time.Now())))

	select {
	case id := <-admitted:
		require.Equal(t, "a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("admission event never reached the subscriber")
	}
}

func TestGetUnknownRun(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "nope")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeRunNotFound, appErr.Code)
}
