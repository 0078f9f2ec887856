package domain

import "fmt"

// DenyReason identifies which limit blocked an admission. Reasons are
// distinct so callers can give users accurate feedback.
type DenyReason string

const (
	DenyDailyLimit          DenyReason = "DAILY_LIMIT"
	DenyMonthlyLimit        DenyReason = "MONTHLY_LIMIT"
	DenyConcurrentLimit     DenyReason = "CONCURRENT_LIMIT"
	DenyContentionExhausted DenyReason = "CONTENTION_EXHAUSTED"
)

// Retryable reports whether the caller may usefully retry later without a
// plan change. Contention clears on its own; limit denials do not.
func (r DenyReason) Retryable() bool {
	return r == DenyContentionExhausted
}

// DecisionOutcome is the top-level result of RequestRun.
type DecisionOutcome string

const (
	OutcomeAdmitted  DecisionOutcome = "ADMITTED"
	OutcomeDuplicate DecisionOutcome = "DUPLICATE"
	OutcomeDenied    DecisionOutcome = "DENIED"
)

// Decision is the answer of the decision API for one run request.
type Decision struct {
	Outcome DecisionOutcome `json:"outcome"`
	// QueueID is set for ADMITTED (the new run) and DUPLICATE (the prior run).
	QueueID string `json:"queue_id,omitempty"`
	// Reason is set for DENIED.
	Reason DenyReason `json:"reason,omitempty"`
}

// RunOutcome is the terminal result reported by the executing worker.
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "SUCCEEDED"
	OutcomeFailed    RunOutcome = "FAILED"
)

// RunState maps the outcome to the queue state it drives.
func (o RunOutcome) RunState() (RunState, error) {
	switch o {
	case OutcomeSucceeded:
		return RunSucceeded, nil
	case OutcomeFailed:
		return RunFailed, nil
	}
	return "", fmt.Errorf("unknown run outcome %q", o)
}

// IdempotencyKey is the composite business key deduplicating run triggers.
// The same key is reusable once the run_date window closes.
type IdempotencyKey struct {
	OrgID        string `json:"org_id"`
	PipelineID   string `json:"pipeline_id"`
	CredentialID string `json:"credential_id"`
	RunDate      Day    `json:"run_date"`
}

// String returns the canonical store key.
func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.OrgID, k.PipelineID, k.CredentialID, k.RunDate)
}

// IdempotencyRecord maps a key to the execution identity created for it.
type IdempotencyRecord struct {
	Key           IdempotencyKey `json:"key"`
	QueueID       string         `json:"queue_id"`
	ReservationID string         `json:"reservation_id"`
}
