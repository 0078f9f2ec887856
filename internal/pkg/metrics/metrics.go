// Package metrics exposes Prometheus metrics for the admission subsystem.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "pipegate"

var (
	// AdmissionDecisions counts RequestRun outcomes per org and decision
	// (admitted, duplicate, denied reason).
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "admission_decisions_total",
			Help:      "Counter of admission decisions broken out by org and decision.",
		},
		[]string{"org", "decision"},
	)

	// CASRetries observes how many compare-and-swap attempts a single
	// TryReserve needed before it settled.
	CASRetries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "counter_cas_attempts",
			Help:      "Distribution of compare-and-swap attempts per reservation.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)

	// SweepRepairs counts reservations force-released by the reconciler.
	SweepRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "sweep_repairs_total",
			Help:      "Counter of stale reservations repaired by the reconciler.",
		},
	)

	// QueueTransitions counts queue item state transitions.
	QueueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "queue_transitions_total",
			Help:      "Counter of queue item state transitions by target state.",
		},
		[]string{"state"},
	)

	// StoreErrors counts store-unavailable failures by store.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "store_errors_total",
			Help:      "Counter of backing store failures by store name.",
		},
		[]string{"store"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the given registerer.
// Safe to call more than once; registration happens a single time.
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			AdmissionDecisions,
			CASRetries,
			SweepRepairs,
			QueueTransitions,
			StoreErrors,
		)
	})
}
