// Package admission implements the quota-enforcement decision engine.
//
// The backing counter store offers no multi-row transactions or row locks,
// so every decision is a read-check-write cycle settled by a single-row
// optimistic compare-and-swap. The CAS retry loop is the sole correctness
// mechanism: no two concurrent reservations can both succeed if doing so
// would violate a limit, because only one writer per version wins.
package admission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/domain"
	apperrors "pipegate.io/pipegate/internal/pkg/errors"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/pkg/metrics"
	"pipegate.io/pipegate/internal/store"
)

// DefaultMaxAttempts bounds the CAS retry loop. Contention past this bound
// surfaces as a retryable DENIED(CONTENTION) decision.
const DefaultMaxAttempts = 5

// DefaultRunTTL is the liveness window granted to a reservation. A run that
// has not reported a terminal outcome by then is presumed crashed and
// becomes the reconciler's responsibility.
const DefaultRunTTL = 4 * time.Hour

// ReserveRequest carries everything TryReserve needs to create a
// reservation. The caller supplies the reservation identity so it matches
// the idempotency record claimed beforehand.
type ReserveRequest struct {
	ReservationID  string
	OrgID          string
	IdempotencyKey string
	Date           domain.Day
	Limits         domain.SubscriptionLimits
}

// ReserveResult is the outcome of one TryReserve call.
type ReserveResult struct {
	Admitted      bool
	ReservationID string
	// Reason is set when Admitted is false.
	Reason domain.DenyReason
}

// Controller performs atomic reserve/release/commit of quota capacity.
type Controller struct {
	counters     store.CounterStore
	reservations store.ReservationStore
	cache        store.QuotaCache
	maxAttempts  int
	runTTL       time.Duration
	now          func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts overrides the CAS retry bound.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRunTTL overrides the reservation liveness window.
func WithRunTTL(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.runTTL = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a Controller. cache may be nil when no read-side
// cache is wired.
func NewController(counters store.CounterStore, reservations store.ReservationStore, cache store.QuotaCache, opts ...Option) *Controller {
	c := &Controller{
		counters:     counters,
		reservations: reservations,
		cache:        cache,
		maxAttempts:  DefaultMaxAttempts,
		runTTL:       DefaultRunTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryReserve admits the request iff all three limits hold, incrementing the
// day's counters in one conditional write. A lost CAS means another caller
// mutated the row between our read and write; the cycle restarts from a
// fresh read, up to maxAttempts.
func (c *Controller) TryReserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		counter, version, err := c.counters.ReadCounter(ctx, req.OrgID, req.Date)
		if errors.Is(err, store.ErrNotFound) {
			counter, version, err = c.counters.Upsert(ctx, req.OrgID, req.Date)
		}
		if err != nil {
			metrics.StoreErrors.WithLabelValues("counter").Inc()
			return ReserveResult{}, apperrors.ErrStoreUnavailablef(err)
		}

		// Limit checks happen at read time; a violation is a deterministic
		// business decision and never mutates the counter.
		if reason, ok := checkLimits(counter, req.Limits); !ok {
			metrics.CASRetries.Observe(float64(attempt))
			return ReserveResult{Reason: reason}, nil
		}

		ok, err := c.counters.CompareAndSwap(ctx, req.OrgID, req.Date, version, store.CounterValues{
			RunsToday:         counter.RunsToday + 1,
			RunsMonth:         counter.RunsMonth + 1,
			ConcurrentRunning: counter.ConcurrentRunning + 1,
		})
		if err != nil {
			metrics.StoreErrors.WithLabelValues("counter").Inc()
			return ReserveResult{}, apperrors.ErrStoreUnavailablef(err)
		}
		if !ok {
			// Another writer won this version; re-read and retry.
			continue
		}

		metrics.CASRetries.Observe(float64(attempt))

		now := c.now().UTC()
		reservation := domain.Reservation{
			ID:               req.ReservationID,
			OrgID:            req.OrgID,
			IdempotencyKey:   req.IdempotencyKey,
			UsageDate:        req.Date,
			State:            domain.ReservationReserved,
			CreatedAt:        now,
			LivenessDeadline: now.Add(c.runTTL),
			UpdatedAt:        now,
		}
		if err := c.reservations.Insert(ctx, reservation); err != nil {
			// The increment is already durable with no reservation to own
			// it, so the reconciler cannot repair it. Undo here.
			c.undoIncrement(ctx, req.OrgID, req.Date, true)
			metrics.StoreErrors.WithLabelValues("reservation").Inc()
			return ReserveResult{}, apperrors.ErrStoreUnavailablef(err)
		}

		c.invalidate(req.OrgID)
		return ReserveResult{Admitted: true, ReservationID: req.ReservationID}, nil
	}

	metrics.CASRetries.Observe(float64(c.maxAttempts))
	logger.Warn("admission contention exhausted",
		zap.String("org_id", req.OrgID),
		zap.String("usage_date", string(req.Date)),
		zap.Int("attempts", c.maxAttempts),
	)
	return ReserveResult{Reason: domain.DenyContentionExhausted}, nil
}

// checkLimits returns the first violated limit. Check order is daily,
// monthly, concurrent, so the reason reported to the user is stable.
func checkLimits(counter domain.QuotaCounter, limits domain.SubscriptionLimits) (domain.DenyReason, bool) {
	switch {
	case counter.RunsToday >= limits.DailyRuns:
		return domain.DenyDailyLimit, false
	case counter.RunsMonth >= limits.MonthlyRuns:
		return domain.DenyMonthlyLimit, false
	case counter.ConcurrentRunning >= limits.ConcurrentRuns:
		return domain.DenyConcurrentLimit, false
	}
	return "", true
}

// Commit marks the reservation COMMITTED after a terminal run outcome and
// returns only the concurrency slot: a finished run no longer occupies a
// slot but still counts toward the day's and month's totals.
//
// Returns whether this call applied the transition. A reservation already
// COMMITTED or RELEASED (late worker report after a reconciler repair, or a
// retried commit) is a no-op with a warning, never a double-decrement.
func (c *Controller) Commit(ctx context.Context, reservationID string, outcome domain.RunOutcome) (bool, error) {
	r, err := c.reservations.Get(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, apperrors.NotFound(apperrors.CodeReservationMissing, "reservation not found").
			WithParams(map[string]interface{}{"reservation_id": reservationID})
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reservation").Inc()
		return false, apperrors.ErrStoreUnavailablef(err)
	}

	applied, err := c.reservations.Transition(ctx, reservationID, domain.ReservationReserved, domain.ReservationCommitted)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reservation").Inc()
		return false, apperrors.ErrStoreUnavailablef(err)
	}
	if !applied {
		logger.Warn("commit on non-reserved reservation ignored",
			zap.String("reservation_id", reservationID),
			zap.String("state", string(r.State)),
			zap.String("outcome", string(outcome)),
		)
		return false, nil
	}

	if err := c.undoIncrement(ctx, r.OrgID, r.UsageDate, false); err != nil {
		return true, err
	}
	c.invalidate(r.OrgID)

	logger.Info("reservation committed",
		zap.String("reservation_id", reservationID),
		zap.String("org_id", r.OrgID),
		zap.String("outcome", string(outcome)),
	)
	return true, nil
}

// Release fully undoes the reservation's increment (daily, monthly, and
// concurrent): the attempt never truly consumed a run. Used for pre-start
// aborts, cancellations, and reconciler-forced releases.
//
// Returns whether this call applied the transition; releasing an already
// terminal reservation is a no-op with a warning.
func (c *Controller) Release(ctx context.Context, reservationID string) (bool, error) {
	r, err := c.reservations.Get(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, apperrors.NotFound(apperrors.CodeReservationMissing, "reservation not found").
			WithParams(map[string]interface{}{"reservation_id": reservationID})
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reservation").Inc()
		return false, apperrors.ErrStoreUnavailablef(err)
	}

	applied, err := c.reservations.Transition(ctx, reservationID, domain.ReservationReserved, domain.ReservationReleased)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reservation").Inc()
		return false, apperrors.ErrStoreUnavailablef(err)
	}
	if !applied {
		logger.Warn("release on non-reserved reservation ignored",
			zap.String("reservation_id", reservationID),
			zap.String("state", string(r.State)),
		)
		return false, nil
	}

	if err := c.undoIncrement(ctx, r.OrgID, r.UsageDate, true); err != nil {
		return true, err
	}
	c.invalidate(r.OrgID)

	logger.Info("reservation released",
		zap.String("reservation_id", reservationID),
		zap.String("org_id", r.OrgID),
	)
	return true, nil
}

// undoIncrement returns capacity to the counter row via the same CAS cycle
// as the reserve path. full undoes all three components; otherwise only the
// concurrency slot comes back. Counters floor at zero; the reservation
// transition that precedes every call guarantees at most one undo per
// reservation, so the floor only matters after external counter resets.
func (c *Controller) undoIncrement(ctx context.Context, org string, date domain.Day, full bool) error {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		counter, version, err := c.counters.ReadCounter(ctx, org, date)
		if errors.Is(err, store.ErrNotFound) {
			// Counter superseded by a reset job; nothing to return.
			return nil
		}
		if err != nil {
			metrics.StoreErrors.WithLabelValues("counter").Inc()
			return apperrors.ErrStoreUnavailablef(err)
		}

		values := store.CounterValues{
			RunsToday:         counter.RunsToday,
			RunsMonth:         counter.RunsMonth,
			ConcurrentRunning: floorDec(counter.ConcurrentRunning),
		}
		if full {
			values.RunsToday = floorDec(counter.RunsToday)
			values.RunsMonth = floorDec(counter.RunsMonth)
		}

		ok, err := c.counters.CompareAndSwap(ctx, org, date, version, values)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("counter").Inc()
			return apperrors.ErrStoreUnavailablef(err)
		}
		if ok {
			return nil
		}
	}

	logger.Error("counter undo exhausted retries, slot may leak until reset",
		zap.String("org_id", org),
		zap.String("usage_date", string(date)),
		zap.Bool("full", full),
	)
	return apperrors.ErrContentionExhaustedf(c.maxAttempts).
		WithParams(map[string]interface{}{
			"attempts":   c.maxAttempts,
			"org_id":     org,
			"usage_date": string(date),
		})
}

func floorDec(v int64) int64 {
	if v <= 0 {
		return 0
	}
	return v - 1
}

func (c *Controller) invalidate(org string) {
	if c.cache != nil {
		c.cache.Invalidate(org)
	}
}
