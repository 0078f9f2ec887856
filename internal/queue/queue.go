// Package queue manages the ordered set of admitted pipeline runs and their
// forward-only state machine. Every terminal transition notifies the
// reservation side exactly once: only the caller whose conditional state
// update applied performs the notification, so a worker report and a
// reconciler repair racing on the same run settle cleanly.
package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/domain"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/pkg/metrics"
	"pipegate.io/pipegate/internal/pkg/worker"
	"pipegate.io/pipegate/internal/store"
)

// ReservationNotifier is the reservation-side collaborator invoked on
// terminal transitions. Both calls are idempotent on the reservation's own
// conditional transition, returning whether this call applied.
type ReservationNotifier interface {
	// Commit settles the reservation after a terminal run outcome.
	Commit(ctx context.Context, reservationID string, outcome domain.RunOutcome) (bool, error)
	// Release undoes the reservation for runs that never produced an outcome
	// (cancellations and pre-start failures).
	Release(ctx context.Context, reservationID string) (bool, error)
}

// Service is the execution-queue service.
type Service struct {
	items      store.QueueStore
	notifier   ReservationNotifier
	dispatcher *domain.EventDispatcher
	pools      *worker.Pools
	now        func() time.Time
}

// NewService creates a queue Service. dispatcher may be nil when no event
// consumers are wired.
func NewService(items store.QueueStore, notifier ReservationNotifier, dispatcher *domain.EventDispatcher) *Service {
	return &Service{
		items:      items,
		notifier:   notifier,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDispatchPool moves event dispatch off the request path onto the
// general worker pool. Without it dispatch runs inline.
func (s *Service) WithDispatchPool(pools *worker.Pools) *Service {
	s.pools = pools
	return s
}

// Enqueue inserts an admitted run in PENDING state and publishes the
// admission event.
func (s *Service) Enqueue(ctx context.Context, item domain.QueueItem) error {
	now := s.now().UTC()
	item.State = domain.RunPending
	item.FailureReason = ""
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.ScheduledTime.IsZero() {
		item.ScheduledTime = now
	}

	if err := s.items.Insert(ctx, item); err != nil {
		metrics.StoreErrors.WithLabelValues("queue").Inc()
		return apperrors.ErrStoreUnavailablef(err)
	}
	metrics.QueueTransitions.WithLabelValues(string(domain.RunPending)).Inc()

	s.publish(ctx, item, domain.EventRunAdmitted, "")
	return nil
}

// Get returns one queue item.
func (s *Service) Get(ctx context.Context, queueID string) (domain.QueueItem, error) {
	item, err := s.items.Get(ctx, queueID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.QueueItem{}, apperrors.ErrRunNotFoundf(queueID)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("queue").Inc()
		return domain.QueueItem{}, apperrors.ErrStoreUnavailablef(err)
	}
	return item, nil
}

// Dequeue returns up to limit PENDING runs in execution order: priority
// descending, then scheduled time ascending. The listing is a snapshot;
// claiming a run is the subsequent conditional Start.
func (s *Service) Dequeue(ctx context.Context, filter store.QueueFilter, limit int) ([]domain.QueueItem, error) {
	items, err := s.items.ListPending(ctx, filter, limit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("queue").Inc()
		return nil, apperrors.ErrStoreUnavailablef(err)
	}
	return items, nil
}

// Start claims a PENDING run for execution. Returns false when another
// worker claimed it first or the run is no longer PENDING.
func (s *Service) Start(ctx context.Context, queueID string) (bool, error) {
	applied, err := s.updateState(ctx, queueID,
		[]domain.RunState{domain.RunPending}, domain.RunRunning, "")
	if err != nil {
		return false, err
	}
	if applied {
		metrics.QueueTransitions.WithLabelValues(string(domain.RunRunning)).Inc()
	}
	return applied, nil
}

// ReportOutcome records the worker's terminal outcome for a RUNNING run and
// commits the reservation. The conditional update is the dedup point: a
// duplicate report, or a report racing a reconciler repair, loses the
// condition and returns CodeDuplicateReport without touching counters.
func (s *Service) ReportOutcome(ctx context.Context, queueID string, outcome domain.RunOutcome, reason string) (domain.QueueItem, error) {
	to, err := outcome.RunState()
	if err != nil {
		return domain.QueueItem{}, apperrors.BadRequest(apperrors.CodeInvalidRequest, err.Error())
	}

	item, err := s.Get(ctx, queueID)
	if err != nil {
		return domain.QueueItem{}, err
	}

	applied, err := s.updateState(ctx, queueID,
		[]domain.RunState{domain.RunRunning}, to, reason)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if !applied {
		// Re-read for an accurate code: unreachable target vs. already done.
		item, err = s.Get(ctx, queueID)
		if err != nil {
			return domain.QueueItem{}, err
		}
		if item.State.Terminal() {
			return domain.QueueItem{}, apperrors.Conflict(apperrors.CodeDuplicateReport,
				"run already reached a terminal state").
				WithParams(map[string]interface{}{"queue_id": queueID, "state": string(item.State)})
		}
		return domain.QueueItem{}, apperrors.Conflict(apperrors.CodeInvalidTransition,
			"run has not started").
			WithParams(map[string]interface{}{"queue_id": queueID, "state": string(item.State)})
	}

	metrics.QueueTransitions.WithLabelValues(string(to)).Inc()
	s.settleReservation(ctx, item.ReservationID, queueID, outcome)
	s.publish(ctx, item, mustEvent(to), reason)

	item.State = to
	item.FailureReason = reason
	return item, nil
}

// CancelPending cancels a run that has not started and releases its
// reservation, returning the full daily allowance. A run that already
// started cannot be cancelled here.
func (s *Service) CancelPending(ctx context.Context, queueID string) (domain.QueueItem, error) {
	item, err := s.Get(ctx, queueID)
	if err != nil {
		return domain.QueueItem{}, err
	}

	applied, err := s.updateState(ctx, queueID,
		[]domain.RunState{domain.RunPending}, domain.RunCancelled, "")
	if err != nil {
		return domain.QueueItem{}, err
	}
	if !applied {
		item, err = s.Get(ctx, queueID)
		if err != nil {
			return domain.QueueItem{}, err
		}
		return domain.QueueItem{}, apperrors.Conflict(apperrors.CodeInvalidTransition,
			"only pending runs can be cancelled").
			WithParams(map[string]interface{}{"queue_id": queueID, "state": string(item.State)})
	}

	metrics.QueueTransitions.WithLabelValues(string(domain.RunCancelled)).Inc()

	if item.ReservationID != "" {
		if _, err := s.notifier.Release(ctx, item.ReservationID); err != nil {
			// The queue state is already durable; the reconciler will return
			// the capacity once the reservation goes stale.
			logger.Error("release after cancel failed, deferring to reconciler",
				zap.String("queue_id", queueID),
				zap.String("reservation_id", item.ReservationID),
				zap.Error(err),
			)
		}
	}

	s.publish(ctx, item, domain.EventRunCancelled, "")
	item.State = domain.RunCancelled
	return item, nil
}

// FailStale forces queueID into FAILED with the stale-timeout reason, from
// either PENDING or RUNNING. Reconciler-only path; the reservation has
// already been released by the caller. Returns whether this call applied.
func (s *Service) FailStale(ctx context.Context, queueID string) (bool, error) {
	item, err := s.items.Get(ctx, queueID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("queue").Inc()
		return false, apperrors.ErrStoreUnavailablef(err)
	}

	applied, err := s.updateState(ctx, queueID,
		[]domain.RunState{domain.RunPending, domain.RunRunning},
		domain.RunFailed, domain.FailureReasonStaleTimeout)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	metrics.QueueTransitions.WithLabelValues(string(domain.RunFailed)).Inc()
	s.publish(ctx, item, domain.EventRunFailed, domain.FailureReasonStaleTimeout)
	return true, nil
}

// updateState performs the conditional transition. The from set is filtered
// against the state machine first: an illegal from/to pair can never reach
// the store.
func (s *Service) updateState(ctx context.Context, queueID string, from []domain.RunState, to domain.RunState, reason string) (bool, error) {
	allowed := make([]domain.RunState, 0, len(from))
	for _, f := range from {
		if domain.CanTransitionRun(f, to) {
			allowed = append(allowed, f)
		}
	}
	if len(allowed) == 0 {
		return false, apperrors.Conflict(apperrors.CodeInvalidTransition,
			"no legal transition to "+string(to)).
			WithParams(map[string]interface{}{"queue_id": queueID})
	}

	applied, err := s.items.UpdateState(ctx, queueID, allowed, to, reason)
	if errors.Is(err, store.ErrNotFound) {
		return false, apperrors.ErrRunNotFoundf(queueID)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("queue").Inc()
		return false, apperrors.ErrStoreUnavailablef(err)
	}
	return applied, nil
}

// settleReservation commits the reservation for a terminal outcome. This
// call already won the queue-side condition, so it is the one caller
// responsible for the notification; a failure here leaves the slot to the
// reconciler rather than failing the already-recorded outcome.
func (s *Service) settleReservation(ctx context.Context, reservationID, queueID string, outcome domain.RunOutcome) {
	if reservationID == "" {
		return
	}
	applied, err := s.notifier.Commit(ctx, reservationID, outcome)
	if err != nil {
		logger.Error("reservation commit failed, deferring to reconciler",
			zap.String("queue_id", queueID),
			zap.String("reservation_id", reservationID),
			zap.Error(err),
		)
		return
	}
	if !applied {
		logger.Warn("reservation already settled",
			zap.String("queue_id", queueID),
			zap.String("reservation_id", reservationID),
		)
	}
}

func (s *Service) publish(ctx context.Context, item domain.QueueItem, eventType domain.EventType, reason string) {
	if s.dispatcher == nil {
		return
	}
	event := &domain.RunEvent{
		EventType:  eventType,
		QueueID:    item.QueueID,
		OrgID:      item.OrgID,
		PipelineID: item.PipelineID,
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	}
	if eventType != domain.EventRunAdmitted {
		event.Outcome = stateForEvent(eventType)
	}

	// Best effort; handlers log their own failures. With a pool wired the
	// dispatch detaches from the request context so a client disconnect
	// cannot drop the event.
	if s.pools != nil {
		if err := s.pools.SubmitDetached("general", func(taskCtx context.Context) {
			_ = s.dispatcher.Dispatch(taskCtx, event)
		}); err == nil {
			return
		}
		logger.Warn("event dispatch submit failed, dispatching inline",
			zap.String("queue_id", item.QueueID),
			zap.String("event_type", string(eventType)),
		)
	}
	_ = s.dispatcher.Dispatch(ctx, event)
}

func mustEvent(state domain.RunState) domain.EventType {
	eventType, ok := domain.EventForOutcome(state)
	if !ok {
		return domain.EventRunFailed
	}
	return eventType
}

func stateForEvent(eventType domain.EventType) domain.RunState {
	switch eventType {
	case domain.EventRunSucceeded:
		return domain.RunSucceeded
	case domain.EventRunCancelled:
		return domain.RunCancelled
	default:
		return domain.RunFailed
	}
}
