package dedupe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("visit-tracker.dedupe")

var (
	// groupsMerged counts duplicate groups consolidated into a survivor.
	groupsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "visit_tracker",
		Subsystem: "dedupe",
		Name:      "groups_merged_total",
		Help:      "Duplicate visit groups consolidated",
	})

	// visitsDeleted counts non-survivor visits removed by consolidation.
	visitsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "visit_tracker",
		Subsystem: "dedupe",
		Name:      "visits_deleted_total",
		Help:      "Duplicate visits deleted after consolidation",
	})

	// groupErrors counts groups or pairs that could not be consolidated.
	// Labels: kind (lock_contention, invariant_violation, internal, ...)
	groupErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visit_tracker",
		Subsystem: "dedupe",
		Name:      "group_errors_total",
		Help:      "Duplicate groups that failed to consolidate",
	}, []string{"kind"})
)
