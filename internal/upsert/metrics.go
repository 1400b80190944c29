package upsert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("visit-tracker.upsert")

var (
	// decisions counts committed upserts.
	// Labels: action (created, merged), reason (merge reason, empty for created)
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visit_tracker",
		Subsystem: "upsert",
		Name:      "decisions_total",
		Help:      "Committed visit upserts by action and merge reason",
	}, []string{"action", "reason"})

	// failures counts rejected upserts.
	// Labels: kind (validation, lock_contention, invariant_violation, corrupt_range, internal)
	failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visit_tracker",
		Subsystem: "upsert",
		Name:      "errors_total",
		Help:      "Rejected visit upserts by error kind",
	}, []string{"kind"})

	// latency measures the full upsert including lock and transaction.
	latency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "visit_tracker",
		Subsystem: "upsert",
		Name:      "duration_seconds",
		Help:      "Visit upsert latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})

	// absorbed counts visits folded into a merge target to keep a pair overlap-free.
	absorbed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "visit_tracker",
		Subsystem: "upsert",
		Name:      "absorbed_total",
		Help:      "Visits absorbed into a merge target",
	})

	// abandonedClosed counts open visits closed by the abandonment policy.
	abandonedClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "visit_tracker",
		Subsystem: "upsert",
		Name:      "abandoned_closed_total",
		Help:      "Open visits closed after exceeding the abandonment threshold",
	})
)
