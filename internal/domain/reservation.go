package domain

import "time"

// ReservationState is the lifecycle state of a capacity reservation.
type ReservationState string

const (
	// ReservationReserved — capacity held, run not yet terminal.
	ReservationReserved ReservationState = "RESERVED"
	// ReservationCommitted — run reported a terminal outcome; the day's
	// totals stand, the concurrency slot has been returned.
	ReservationCommitted ReservationState = "COMMITTED"
	// ReservationReleased — reservation undone before the run started, or
	// force-released by the reconciler after the liveness deadline.
	ReservationReleased ReservationState = "RELEASED"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationState) Terminal() bool {
	return s == ReservationCommitted || s == ReservationReleased
}

// Reservation is a provisional hold on quota capacity. At most one
// non-RELEASED reservation may exist per idempotency key.
type Reservation struct {
	ID               string           `json:"reservation_id"`
	OrgID            string           `json:"org_id"`
	IdempotencyKey   string           `json:"idempotency_key"`
	UsageDate        Day              `json:"usage_date"`
	State            ReservationState `json:"state"`
	CreatedAt        time.Time        `json:"created_at"`
	LivenessDeadline time.Time        `json:"liveness_deadline"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Stale reports whether the reservation is past its liveness deadline
// without a terminal report, i.e. eligible for forced release.
func (r Reservation) Stale(now time.Time) bool {
	return r.State == ReservationReserved && r.LivenessDeadline.Before(now)
}
