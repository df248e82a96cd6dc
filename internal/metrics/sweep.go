package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SweepMetrics instruments the trash and snapshot sweeper.
type SweepMetrics struct {
	// SweepsTotal counts completed sweep cycles.
	SweepsTotal prometheus.Counter

	// SweepFailures counts sweep cycles that ended with an error.
	SweepFailures prometheus.Counter

	// SweepDuration observes how long a full sweep cycle takes.
	SweepDuration prometheus.Histogram

	// LastMaxDiskUsage tracks the highest per-store usage ratio seen by
	// the most recent sweep.
	LastMaxDiskUsage prometheus.Gauge

	// TrashDirsRemoved counts expired trash directories deleted.
	TrashDirsRemoved prometheus.Counter

	// SnapshotDirsRemoved counts expired snapshot directories deleted.
	SnapshotDirsRemoved prometheus.Counter
}

// NewSweepMetrics creates and registers sweep metrics with the default
// registry.
func NewSweepMetrics() *SweepMetrics {
	return newSweepMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewSweepMetricsWithRegistry creates sweep metrics registered with a
// custom registry.
func NewSweepMetricsWithRegistry(reg prometheus.Registerer) *SweepMetrics {
	return newSweepMetrics(promauto.With(reg))
}

func newSweepMetrics(factory promauto.Factory) *SweepMetrics {
	return &SweepMetrics{
		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "sweep",
			Name:      "cycles_total",
			Help:      "Completed trash and snapshot sweep cycles.",
		}),
		SweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "sweep",
			Name:      "failures_total",
			Help:      "Sweep cycles that finished with an error.",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of a full sweep cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		LastMaxDiskUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarry",
			Subsystem: "sweep",
			Name:      "last_max_disk_usage_ratio",
			Help:      "Highest per-store disk usage ratio seen by the last sweep.",
		}),
		TrashDirsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "sweep",
			Name:      "trash_dirs_removed_total",
			Help:      "Expired trash directories deleted.",
		}),
		SnapshotDirsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "sweep",
			Name:      "snapshot_dirs_removed_total",
			Help:      "Expired snapshot directories deleted.",
		}),
	}
}
