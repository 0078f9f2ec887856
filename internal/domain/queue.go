package domain

import "time"

// RunState is the lifecycle state of a queued pipeline run.
// Transitions are forward-only; no state is ever revisited.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunSucceeded RunState = "SUCCEEDED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

// Terminal reports whether the state admits no further transition.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// HoldsReservation reports whether a queue item in this state still keeps
// its reservation live. Only PENDING and RUNNING do.
func (s RunState) HoldsReservation() bool {
	return s == RunPending || s == RunRunning
}

// runTransitions is the forward-only state machine.
var runTransitions = map[RunState][]RunState{
	RunPending: {RunRunning, RunFailed, RunCancelled},
	RunRunning: {RunSucceeded, RunFailed},
}

// CanTransitionRun reports whether from → to is a legal move.
func CanTransitionRun(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureReasonStaleTimeout marks runs failed by the reconciler because
// their reservation passed the liveness deadline without a terminal report.
const FailureReasonStaleTimeout = "STALE_TIMEOUT"

// QueueItem is one admitted pipeline run. ReservationID is a back-reference;
// the reservation's lifecycle is owned by the admission controller.
type QueueItem struct {
	QueueID       string    `json:"queue_id"`
	OrgID         string    `json:"org_id"`
	PipelineID    string    `json:"pipeline_id"`
	CredentialID  string    `json:"credential_id"`
	Priority      int       `json:"priority"`
	ScheduledTime time.Time `json:"scheduled_time"`
	State         RunState  `json:"state"`
	ReservationID string    `json:"reservation_id"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
