// Package domain defines the core types of the admission-control subsystem:
// quota counters, reservations, queue items, and their state machines.
package domain

import "time"

// SubscriptionLimits is the per-org limit snapshot, owned by the billing
// system and read-only here. Injected per admission decision.
type SubscriptionLimits struct {
	OrgID          string `json:"org_id"`
	DailyRuns      int64  `json:"daily_runs"`
	MonthlyRuns    int64  `json:"monthly_runs"`
	ConcurrentRuns int64  `json:"concurrent_runs"`
	Seats          int    `json:"seats"`
	ProvidersLimit int    `json:"providers_limit"`
}

// QuotaCounter is the durable per-(org, day) counter row. RunsToday and
// RunsMonth are cumulative for the window; ConcurrentRunning is the number
// of reservations currently holding a slot.
//
// Invariant at every durable write:
//
//	0 <= ConcurrentRunning <= limits.ConcurrentRuns
//	RunsToday <= limits.DailyRuns
type QuotaCounter struct {
	OrgID             string    `json:"org_id"`
	UsageDate         Day       `json:"usage_date"`
	RunsToday         int64     `json:"pipelines_run_today"`
	RunsMonth         int64     `json:"pipelines_run_month"`
	ConcurrentRunning int64     `json:"concurrent_running"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// QuotaSnapshot is the read-model view served by the quota endpoint. Values
// may be slightly stale; admission correctness never depends on them.
type QuotaSnapshot struct {
	OrgID             string             `json:"org_id"`
	UsageDate         Day                `json:"usage_date"`
	RunsToday         int64              `json:"runs_today"`
	RunsMonth         int64              `json:"runs_month"`
	ConcurrentRunning int64              `json:"concurrent_running"`
	Limits            SubscriptionLimits `json:"limits"`
	RetrievedAt       time.Time          `json:"retrieved_at"`
}

// RemainingToday returns the unreserved daily capacity, never negative.
func (s QuotaSnapshot) RemainingToday() int64 {
	if r := s.Limits.DailyRuns - s.RunsToday; r > 0 {
		return r
	}
	return 0
}
