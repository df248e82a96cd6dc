package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CompactionMetrics instruments compaction admission.
type CompactionMetrics struct {
	// AdmittedTablets tracks tablets with an admitted compaction,
	// labeled by compaction type.
	AdmittedTablets *prometheus.GaugeVec

	// AdmissionRejections counts rejected admission attempts, labeled
	// by compaction type.
	AdmissionRejections *prometheus.CounterVec

	// LowPriorityRejections counts low-priority slot rejections,
	// labeled by compaction type.
	LowPriorityRejections *prometheus.CounterVec
}

// NewCompactionMetrics creates and registers compaction metrics with the
// default registry.
func NewCompactionMetrics() *CompactionMetrics {
	return newCompactionMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewCompactionMetricsWithRegistry creates compaction metrics registered
// with a custom registry.
func NewCompactionMetricsWithRegistry(reg prometheus.Registerer) *CompactionMetrics {
	return newCompactionMetrics(promauto.With(reg))
}

func newCompactionMetrics(factory promauto.Factory) *CompactionMetrics {
	return &CompactionMetrics{
		AdmittedTablets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quarry",
			Subsystem: "compaction",
			Name:      "admitted_tablets",
			Help:      "Tablets currently holding an admitted compaction.",
		}, []string{"type"}),
		AdmissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "compaction",
			Name:      "admission_rejections_total",
			Help:      "Compaction admission attempts rejected because the tablet was already admitted.",
		}, []string{"type"}),
		LowPriorityRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "compaction",
			Name:      "low_priority_rejections_total",
			Help:      "Low-priority compaction admissions rejected for lack of slots.",
		}, []string{"type"}),
	}
}
