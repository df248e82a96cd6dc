package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/quarry-db/quarry/internal/compaction"
	"github.com/quarry-db/quarry/internal/gc"
	"github.com/quarry-db/quarry/internal/listener"
	"github.com/quarry-db/quarry/internal/logging"
	"github.com/quarry-db/quarry/internal/placement"
	"github.com/quarry-db/quarry/internal/rowset"
	"github.com/quarry-db/quarry/internal/store"
	"github.com/quarry-db/quarry/internal/tablet"
)

// CreateTablet places and creates a new tablet on the requested medium.
func (e *Engine) CreateTablet(ctx context.Context, req tablet.CreateRequest, medium store.Medium) error {
	stores, err := e.selector.StoresForCreateTablet(req.PartitionID, medium)
	if err != nil {
		return err
	}
	paths := make([]string, len(stores))
	for i, st := range stores {
		paths[i] = st.Path()
	}
	if err := e.deps.Tablets.CreateTablet(ctx, req, paths); err != nil {
		return fmt.Errorf("engine: create tablet %d: %w", req.TabletID, err)
	}
	return nil
}

// ObtainShardPath picks a store for new tablet data of the given
// partition and returns a shard directory below its data root.
func (e *Engine) ObtainShardPath(partitionID tablet.PartitionID, medium store.Medium) (string, *store.Store, error) {
	stores, err := e.selector.StoresForCreateTablet(partitionID, medium)
	if err != nil {
		return "", nil, err
	}
	st := stores[0]
	shard := st.NextShard(e.cfg.Storage.MaxShardsPerStore)
	return filepath.Join(st.Path(), store.DataPrefix, strconv.FormatUint(shard, 10)), st, nil
}

// ClearTransactionTask rolls txnID back on every tablet of the given
// partitions. With no partitions given, the transaction's own partition
// list is used.
func (e *Engine) ClearTransactionTask(txnID tablet.TxnID, partitionIDs ...tablet.PartitionID) {
	if len(partitionIDs) == 0 {
		partitionIDs = e.deps.Txns.PartitionIDs(txnID)
	}
	for _, partitionID := range partitionIDs {
		for _, info := range e.deps.Txns.TxnRelatedTablets(txnID, partitionID) {
			t := e.deps.Tablets.GetTabletWithUID(info.TabletID, info.TabletUID, true)
			if t == nil {
				logging.Warnf("tablet gone while clearing txn", map[string]any{
					"txnID": int64(txnID), "tabletID": int64(info.TabletID),
				})
				continue
			}
			if err := e.deps.Txns.DeleteTxn(partitionID, t, txnID); err != nil {
				logging.Warnf("delete txn failed", map[string]any{
					"txnID": int64(txnID), "tabletID": int64(info.TabletID), "error": err.Error(),
				})
			}
		}
	}
	logging.Infof("transaction cleared", map[string]any{"txnID": int64(txnID)})
}

// AddUnusedRowset hands a rowset to deferred reclamation.
func (e *Engine) AddUnusedRowset(r *rowset.Rowset) { e.gc.AddUnusedRowset(r) }

// PinQueryingRowset marks a rowset as read by a running query.
func (e *Engine) PinQueryingRowset(r *rowset.Rowset) { e.gc.PinQueryingRowset(r) }

// UnpinQueryingRowset releases a query's pin.
func (e *Engine) UnpinQueryingRowset(id tablet.RowsetID) bool {
	return e.gc.UnpinQueryingRowset(id)
}

// GCBinlogs asks live tablets to drop binlogs up to their target versions.
func (e *Engine) GCBinlogs(targets map[tablet.ID]tablet.Version) { e.gc.GCBinlogs(targets) }

// GC exposes the metadata reconciler, mainly for on-demand passes.
func (e *Engine) GC() *gc.Engine { return e.gc }

// CompactionTracker exposes compaction admission.
func (e *Engine) CompactionTracker() *compaction.Tracker { return e.tracker }

// Registry exposes the store registry.
func (e *Engine) Registry() *store.Registry { return e.registry }

// Selector exposes tablet placement.
func (e *Engine) Selector() *placement.Selector { return e.selector }

// RegisterListener adds a lifecycle listener.
func (e *Engine) RegisterListener(l listener.Listener) { e.listeners.Register(l) }

// DeregisterListener removes a lifecycle listener.
func (e *Engine) DeregisterListener(l listener.Listener) { e.listeners.Deregister(l) }

// NotifyListener signals every listener with the given name.
func (e *Engine) NotifyListener(name string) bool { return e.listeners.NotifyByName(name) }

// TriggerSweep runs a full cleanup cycle immediately: the per-store
// trash sweep followed by the metadata cleanup. ignoreGuard deletes all
// trash regardless of age. Returns the max disk usage ratio observed.
func (e *Engine) TriggerSweep(ctx context.Context, ignoreGuard bool) (float64, error) {
	return e.sweeper.Sweep(ctx, ignoreGuard)
}

// CompactionStatusJSON reports admitted compactions per store.
func (e *Engine) CompactionStatusJSON() ([]byte, error) { return e.tracker.StatusJSON() }

// StoreInfos snapshots every store's accounting.
func (e *Engine) StoreInfos() []store.Info { return e.registry.GetInfos() }
