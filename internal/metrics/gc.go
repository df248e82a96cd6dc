// Package metrics defines the Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics counts what the metadata reconciliation passes remove.
type GCMetrics struct {
	// RemovedRowsetMetas counts stale rowset meta entries deleted.
	RemovedRowsetMetas prometheus.Counter

	// RemovedBinlogMetas counts stale binlog meta entries deleted.
	RemovedBinlogMetas prometheus.Counter

	// RemovedDeleteBitmaps counts tablets whose stale delete bitmaps
	// were dropped.
	RemovedDeleteBitmaps prometheus.Counter

	// RemovedPendingPublishes counts stale pending publish entries deleted.
	RemovedPendingPublishes prometheus.Counter

	// ReapedUnusedRowsets counts unused rowsets whose files were removed.
	ReapedUnusedRowsets prometheus.Counter

	// UnusedRowsetCount tracks rowsets waiting in the unused table.
	UnusedRowsetCount prometheus.Gauge

	// RemoteRowsetsDeleted counts remote rowsets garbage collected.
	RemoteRowsetsDeleted prometheus.Counter

	// RemoteTabletsDeleted counts remote tablet trees garbage collected.
	RemoteTabletsDeleted prometheus.Counter
}

// NewGCMetrics creates and registers GC metrics with the default registry.
func NewGCMetrics() *GCMetrics {
	return newGCMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewGCMetricsWithRegistry creates GC metrics registered with a custom
// registry. Useful for testing to avoid conflicts with the default one.
func NewGCMetricsWithRegistry(reg prometheus.Registerer) *GCMetrics {
	return newGCMetrics(promauto.With(reg))
}

func newGCMetrics(factory promauto.Factory) *GCMetrics {
	return &GCMetrics{
		RemovedRowsetMetas: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "removed_rowset_metas_total",
			Help:      "Stale rowset meta entries removed from the meta-store.",
		}),
		RemovedBinlogMetas: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "removed_binlog_metas_total",
			Help:      "Stale binlog meta entries removed from the meta-store.",
		}),
		RemovedDeleteBitmaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "removed_delete_bitmap_tablets_total",
			Help:      "Tablets whose stale delete bitmaps were removed.",
		}),
		RemovedPendingPublishes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "removed_pending_publishes_total",
			Help:      "Stale pending publish entries removed from the meta-store.",
		}),
		ReapedUnusedRowsets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "reaped_unused_rowsets_total",
			Help:      "Unused rowsets whose data files were removed.",
		}),
		UnusedRowsetCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "unused_rowset_count",
			Help:      "Rowsets currently waiting in the unused table.",
		}),
		RemoteRowsetsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "remote_rowsets_deleted_total",
			Help:      "Remote rowsets garbage collected from object storage.",
		}),
		RemoteTabletsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "gc",
			Name:      "remote_tablets_deleted_total",
			Help:      "Remote tablet trees garbage collected from object storage.",
		}),
	}
}
