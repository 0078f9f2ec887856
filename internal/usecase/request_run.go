// Package usecase wires the admission pipeline end to end: idempotency
// guard, quota reservation, and queue insertion, with rollback on partial
// failure.
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/admission"
	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/idempotency"
	"pipegate.io/pipegate/internal/limits"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/pkg/metrics"
	"pipegate.io/pipegate/internal/queue"
	"pipegate.io/pipegate/internal/store"
)

// RunRequest is one pipeline-run trigger.
type RunRequest struct {
	// OrgID may come from the request body or the caller's token; the
	// token wins when both are present.
	OrgID        string `json:"org_id"`
	PipelineID   string `json:"pipeline_id" binding:"required"`
	CredentialID string `json:"credential_id" binding:"required"`
	// Priority orders execution within the queue; higher runs first.
	Priority int `json:"priority"`
	// ScheduledTime defers execution; zero means now.
	ScheduledTime time.Time `json:"scheduled_time"`
	// RunDate overrides the business-day window; zero means today.
	RunDate domain.Day `json:"run_date"`
}

func (r RunRequest) validate() error {
	if r.OrgID == "" || r.PipelineID == "" || r.CredentialID == "" {
		return apperrors.BadRequest(apperrors.CodeInvalidRequest,
			"org_id, pipeline_id and credential_id are required")
	}
	if r.RunDate != "" && !r.RunDate.Valid() {
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "run_date must be YYYY-MM-DD").
			WithParams(map[string]interface{}{"run_date": string(r.RunDate)})
	}
	return nil
}

// Service is the decision API facade.
type Service struct {
	guard      *idempotency.Guard
	controller *admission.Controller
	queue      *queue.Service
	limits     limits.Provider
	counters   store.CounterStore
	cache      store.QuotaCache
	now        func() time.Time
	newID      func() string
}

// NewService creates the use-case service. cache may be nil.
func NewService(
	guard *idempotency.Guard,
	controller *admission.Controller,
	queueSvc *queue.Service,
	limitsProvider limits.Provider,
	counters store.CounterStore,
	quotaCache store.QuotaCache,
) *Service {
	return &Service{
		guard:      guard,
		controller: controller,
		queue:      queueSvc,
		limits:     limitsProvider,
		counters:   counters,
		cache:      quotaCache,
		now:        time.Now,
		newID:      newRunID,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides run/reservation id generation (tests).
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// newRunID returns a time-ordered unique id. V7 keeps queue and reservation
// rows roughly insertion-ordered in their indexes.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RequestRun is the single admission entrypoint. Exactly one of three
// outcomes: ADMITTED with a fresh queue id, DUPLICATE with the prior run's
// queue id, or DENIED with the limiting reason. Store failures surface as
// errors, never as a decision.
func (s *Service) RequestRun(ctx context.Context, req RunRequest) (domain.Decision, error) {
	if err := req.validate(); err != nil {
		return domain.Decision{}, err
	}

	runDate := req.RunDate
	if runDate == "" {
		runDate = domain.DayOf(s.now().UTC())
	}
	key := domain.IdempotencyKey{
		OrgID:        req.OrgID,
		PipelineID:   req.PipelineID,
		CredentialID: req.CredentialID,
		RunDate:      runDate,
	}

	queueID := s.newID()
	reservationID := s.newID()

	// The key is claimed before any quota is booked. Losing here is the
	// DUPLICATE path and touches no counters.
	adm, err := s.guard.Admit(ctx, domain.IdempotencyRecord{
		Key:           key,
		QueueID:       queueID,
		ReservationID: reservationID,
	})
	if err != nil {
		return domain.Decision{}, err
	}
	if !adm.New {
		metrics.AdmissionDecisions.WithLabelValues(req.OrgID, "duplicate").Inc()
		return domain.Decision{
			Outcome: domain.OutcomeDuplicate,
			QueueID: adm.QueueID,
		}, nil
	}

	orgLimits, err := s.limits.Limits(ctx, req.OrgID)
	if err != nil {
		s.forget(ctx, key)
		return domain.Decision{}, err
	}

	res, err := s.controller.TryReserve(ctx, admission.ReserveRequest{
		ReservationID:  reservationID,
		OrgID:          req.OrgID,
		IdempotencyKey: key.String(),
		Date:           runDate,
		Limits:         orgLimits,
	})
	if err != nil {
		s.forget(ctx, key)
		return domain.Decision{}, err
	}
	if !res.Admitted {
		// A denied trigger must not poison the key; the caller may retry
		// tomorrow, or immediately on contention.
		s.forget(ctx, key)
		metrics.AdmissionDecisions.WithLabelValues(req.OrgID, string(res.Reason)).Inc()
		return domain.Decision{
			Outcome: domain.OutcomeDenied,
			Reason:  res.Reason,
		}, nil
	}

	err = s.queue.Enqueue(ctx, domain.QueueItem{
		QueueID:       queueID,
		OrgID:         req.OrgID,
		PipelineID:    req.PipelineID,
		CredentialID:  req.CredentialID,
		Priority:      req.Priority,
		ScheduledTime: req.ScheduledTime,
		ReservationID: reservationID,
	})
	if err != nil {
		// Reserved but not enqueued: undo both sides so the trigger can be
		// retried cleanly.
		if _, relErr := s.controller.Release(ctx, reservationID); relErr != nil {
			logger.Error("rollback release failed, reconciler will repair",
				zap.String("reservation_id", reservationID),
				zap.Error(relErr),
			)
		}
		s.forget(ctx, key)
		return domain.Decision{}, err
	}

	metrics.AdmissionDecisions.WithLabelValues(req.OrgID, "admitted").Inc()
	logger.Info("run admitted",
		zap.String("org_id", req.OrgID),
		zap.String("pipeline_id", req.PipelineID),
		zap.String("queue_id", queueID),
		zap.String("reservation_id", reservationID),
	)
	return domain.Decision{
		Outcome: domain.OutcomeAdmitted,
		QueueID: queueID,
	}, nil
}

func (s *Service) forget(ctx context.Context, key domain.IdempotencyKey) {
	if err := s.guard.Forget(ctx, key); err != nil {
		logger.Error("idempotency key release failed, key poisoned until window end",
			zap.String("idempotency_key", key.String()),
			zap.Error(err),
		)
	}
}

// StartRun claims a pending run for execution on behalf of an external
// worker. The conditional PENDING to RUNNING update is the claim; exactly
// one claimer wins, later claims conflict.
func (s *Service) StartRun(ctx context.Context, queueID string) (domain.QueueItem, error) {
	claimed, err := s.queue.Start(ctx, queueID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item, err := s.queue.Get(ctx, queueID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if !claimed {
		return domain.QueueItem{}, apperrors.Conflict(apperrors.CodeInvalidTransition,
			"run is not pending").
			WithParams(map[string]interface{}{"queue_id": queueID, "state": string(item.State)})
	}
	return item, nil
}

// ReportOutcome records a worker's terminal outcome for a run.
func (s *Service) ReportOutcome(ctx context.Context, queueID string, outcome domain.RunOutcome, reason string) (domain.QueueItem, error) {
	return s.queue.ReportOutcome(ctx, queueID, outcome, reason)
}

// CancelRun cancels a pending run and returns its full allowance.
func (s *Service) CancelRun(ctx context.Context, queueID string) (domain.QueueItem, error) {
	return s.queue.CancelPending(ctx, queueID)
}

// GetRun returns one queue item.
func (s *Service) GetRun(ctx context.Context, queueID string) (domain.QueueItem, error) {
	return s.queue.Get(ctx, queueID)
}

// ListPending returns pending runs in execution order.
func (s *Service) ListPending(ctx context.Context, filter store.QueueFilter, limit int) ([]domain.QueueItem, error) {
	return s.queue.Dequeue(ctx, filter, limit)
}

// GetQuota serves the quota read model: today's counters plus the org's
// limits, cached briefly. Values may trail in-flight admissions; the
// decision path never reads this.
func (s *Service) GetQuota(ctx context.Context, orgID string) (domain.QuotaSnapshot, error) {
	if orgID == "" {
		return domain.QuotaSnapshot{}, apperrors.BadRequest(apperrors.CodeOrgNotFound, "org id required")
	}

	if s.cache != nil {
		if snap, ok := s.cache.Get(orgID); ok {
			return snap, nil
		}
	}

	orgLimits, err := s.limits.Limits(ctx, orgID)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}

	today := domain.DayOf(s.now().UTC())
	counter, _, err := s.counters.ReadCounter(ctx, orgID, today)
	if errors.Is(err, store.ErrNotFound) {
		counter = domain.QuotaCounter{OrgID: orgID, UsageDate: today}
	} else if err != nil {
		metrics.StoreErrors.WithLabelValues("counter").Inc()
		return domain.QuotaSnapshot{}, apperrors.ErrStoreUnavailablef(err)
	}

	snap := domain.QuotaSnapshot{
		OrgID:             orgID,
		UsageDate:         today,
		RunsToday:         counter.RunsToday,
		RunsMonth:         counter.RunsMonth,
		ConcurrentRunning: counter.ConcurrentRunning,
		Limits:            orgLimits,
		RetrievedAt:       s.now().UTC(),
	}
	if s.cache != nil {
		s.cache.Set(orgID, snap)
	}
	return snap, nil
}
