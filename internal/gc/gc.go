// Package gc reconciles persisted metadata against live tablet state and
// reclaims rowset data, both local and remote. Every pass follows the
// same shape: traverse one key class, classify each entry against the
// tablet manager, batch-delete what is no longer referenced.
package gc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarry-db/quarry/internal/logging"
	"github.com/quarry-db/quarry/internal/meta"
	"github.com/quarry-db/quarry/internal/metrics"
	"github.com/quarry-db/quarry/internal/objectstore"
	"github.com/quarry-db/quarry/internal/rowset"
	"github.com/quarry-db/quarry/internal/store"
	"github.com/quarry-db/quarry/internal/tablet"
)

// Config tunes the reconciler.
type Config struct {
	// UnusedRowsetGrace is how long an unused rowset is protected from
	// reaping after registration, giving running queries time to finish.
	UnusedRowsetGrace time.Duration

	// RemoteBatch caps remote deletions handled per cycle.
	RemoteBatch int
}

// DefaultConfig returns the defaults used by the engine.
func DefaultConfig() Config {
	return Config{
		UnusedRowsetGrace: 30 * time.Minute,
		RemoteBatch:       1000,
	}
}

// Engine runs the metadata reconciliation passes.
type Engine struct {
	cfg      Config
	registry *store.Registry
	tablets  tablet.Manager
	txns     tablet.TxnManager
	unused   *rowset.UnusedTable
	querying *rowset.QueryingTable

	// remote is nil when no object storage is configured; remote passes
	// are then skipped.
	remote objectstore.Store

	metrics *metrics.GCMetrics
}

// New creates a reconciler. metrics may be nil.
func New(cfg Config, registry *store.Registry, tablets tablet.Manager, txns tablet.TxnManager,
	unused *rowset.UnusedTable, querying *rowset.QueryingTable,
	remote objectstore.Store, m *metrics.GCMetrics) *Engine {
	def := DefaultConfig()
	if cfg.UnusedRowsetGrace <= 0 {
		cfg.UnusedRowsetGrace = def.UnusedRowsetGrace
	}
	if cfg.RemoteBatch <= 0 {
		cfg.RemoteBatch = def.RemoteBatch
	}
	if m == nil {
		m = metrics.NewGCMetricsWithRegistry(prometheus.NewRegistry())
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		tablets:  tablets,
		txns:     txns,
		unused:   unused,
		querying: querying,
		remote:   remote,
		metrics:  m,
	}
}

// pass is one metadata reconciliation step run against a single store.
type pass struct {
	name string
	run  func(ctx context.Context, st *store.Store) (int, error)
}

func (e *Engine) passes() []pass {
	return []pass{
		{name: "rowset_metas", run: e.cleanRowsetMetas},
		{name: "binlog_metas", run: e.cleanBinlogMetas},
		{name: "delete_bitmaps", run: e.cleanDeleteBitmaps},
		{name: "pending_publish", run: e.cleanPendingPublish},
	}
}

// RunMetadataPasses runs every reconciliation pass on every usable
// store. A failing pass is logged and does not stop the others; the
// joined error is returned.
func (e *Engine) RunMetadataPasses(ctx context.Context) error {
	var errs []error
	for _, st := range e.registry.GetStores(false) {
		for _, p := range e.passes() {
			if err := ctx.Err(); err != nil {
				return err
			}
			removed, err := p.run(ctx, st)
			if err != nil {
				logging.Warnf("metadata gc pass failed", map[string]any{
					"pass": p.name, "store": st.Path(), "error": err.Error(),
				})
				errs = append(errs, fmt.Errorf("gc: %s on %s: %w", p.name, st.Path(), err))
				continue
			}
			if removed > 0 {
				logging.Infof("metadata gc pass removed entries", map[string]any{
					"pass": p.name, "store": st.Path(), "removed": removed,
				})
			}
		}
	}
	return errors.Join(errs...)
}

// cleanRowsetMetas removes rowset metas that can no longer be decoded,
// whose tablet is gone or carries a different uid, or that are visible
// but no longer part of their tablet's version graph.
func (e *Engine) cleanRowsetMetas(_ context.Context, st *store.Store) (int, error) {
	m := st.Meta()
	if m == nil {
		return 0, store.ErrStoreClosed
	}
	var stale []meta.RowsetMeta
	err := m.TraverseRowsetMetas(func(uid tablet.UID, rowsetID tablet.RowsetID, value []byte) bool {
		var rm meta.RowsetMeta
		if err := json.Unmarshal(value, &rm); err != nil {
			logging.Warnf("undecodable rowset meta", map[string]any{
				"rowsetID": string(rowsetID), "store": st.Path(),
			})
			stale = append(stale, meta.RowsetMeta{TabletUID: uid, RowsetID: rowsetID})
			return true
		}
		if rm.TabletUID != uid {
			stale = append(stale, meta.RowsetMeta{TabletUID: uid, RowsetID: rowsetID})
			return true
		}
		t := e.tablets.GetTablet(rm.TabletID)
		if t == nil || t.UID() != rm.TabletUID {
			stale = append(stale, meta.RowsetMeta{TabletUID: uid, RowsetID: rowsetID})
			return true
		}
		if rm.State == meta.RowsetStateVisible && !t.RowsetMetaIsUseful(rm.RowsetID) {
			stale = append(stale, meta.RowsetMeta{TabletUID: uid, RowsetID: rowsetID})
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := m.RemoveRowsetMetas(stale); err != nil {
		return 0, err
	}
	e.metrics.RemovedRowsetMetas.Add(float64(len(stale)))
	return len(stale), nil
}

// cleanBinlogMetas removes binlog metas flagged for re-check whose
// tablet is gone or that cannot be decoded. Unflagged entries are
// trusted and skipped.
func (e *Engine) cleanBinlogMetas(_ context.Context, st *store.Store) (int, error) {
	m := st.Meta()
	if m == nil {
		return 0, store.ErrStoreClosed
	}
	var stale []string
	err := m.TraverseBinlogMetas(func(key string, value []byte, needCheck bool) bool {
		if !needCheck {
			return true
		}
		var bm meta.BinlogMeta
		if err := json.Unmarshal(value, &bm); err != nil {
			stale = append(stale, key)
			return true
		}
		if e.tablets.GetTablet(bm.TabletID) == nil {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := m.RemoveBinlogMetas(stale); err != nil {
		return 0, err
	}
	e.metrics.RemovedBinlogMetas.Add(float64(len(stale)))
	return len(stale), nil
}

// cleanDeleteBitmaps drops the whole bitmap range of every tablet that
// no longer exists. Bitmaps of live tablets are kept even when the
// tablet no longer runs merge-on-write; the tablet itself owns those.
func (e *Engine) cleanDeleteBitmaps(_ context.Context, st *store.Store) (int, error) {
	m := st.Meta()
	if m == nil {
		return 0, store.ErrStoreClosed
	}
	staleTablets := make(map[tablet.ID]struct{})
	err := m.TraverseDeleteBitmaps(func(tabletID tablet.ID, _ tablet.Version, _ []byte) bool {
		if _, seen := staleTablets[tabletID]; seen {
			return true
		}
		if e.tablets.GetTablet(tabletID) == nil {
			staleTablets[tabletID] = struct{}{}
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for tabletID := range staleTablets {
		if err := m.RemoveDeleteBitmaps(tabletID, tablet.MaxVersion); err != nil {
			return 0, err
		}
	}
	if len(staleTablets) > 0 {
		e.metrics.RemovedDeleteBitmaps.Add(float64(len(staleTablets)))
	}
	return len(staleTablets), nil
}

// cleanPendingPublish removes publish markers whose tablet is gone.
func (e *Engine) cleanPendingPublish(_ context.Context, st *store.Store) (int, error) {
	m := st.Meta()
	if m == nil {
		return 0, store.ErrStoreClosed
	}
	type ref struct {
		tabletID tablet.ID
		version  tablet.Version
	}
	var stale []ref
	err := m.TraversePendingPublish(func(tabletID tablet.ID, version tablet.Version, _ []byte) bool {
		if e.tablets.GetTablet(tabletID) == nil {
			stale = append(stale, ref{tabletID: tabletID, version: version})
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		if err := m.RemovePendingPublish(r.tabletID, r.version); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		e.metrics.RemovedPendingPublishes.Add(float64(len(stale)))
	}
	return len(stale), nil
}

// AddUnusedRowset registers r for deferred reclamation, starting its
// grace period now.
func (e *Engine) AddUnusedRowset(r *rowset.Rowset) {
	r.SetDelayedExpired(time.Now().Add(e.cfg.UnusedRowsetGrace).Unix())
	r.MarkNeedDeleteFile()
	if e.unused.Add(r) {
		e.metrics.UnusedRowsetCount.Set(float64(e.unused.Len()))
	}
}

// ReapUnusedRowsets deletes every expired, unreferenced rowset from the
// unused table. Returns the number reaped.
func (e *Engine) ReapUnusedRowsets(now time.Time) int {
	reaped := e.unused.ReapExpired(now.Unix(), func(r *rowset.Rowset) bool {
		e.querying.Evict(r.ID())
		if t := e.tablets.GetTabletWithUID(r.TabletID(), r.TabletUID(), true); t != nil && t.EnableUniqueKeyMergeOnWrite() {
			t.ClearDeleteBitmap(r.ID())
		}
		if err := r.Remove(func() error { return e.removeRowsetData(r) }); err != nil {
			logging.Warnf("reap unused rowset failed", map[string]any{
				"rowsetID": string(r.ID()), "error": err.Error(),
			})
			return false
		}
		return true
	})
	if reaped > 0 {
		e.metrics.ReapedUnusedRowsets.Add(float64(reaped))
	}
	e.metrics.UnusedRowsetCount.Set(float64(e.unused.Len()))
	return reaped
}

// removeRowsetData deletes a rowset's files. Local rowsets are removed
// from disk along with their meta entry; remote ones become a persisted
// deletion intent picked up by the remote passes.
func (e *Engine) removeRowsetData(r *rowset.Rowset) error {
	st := e.registry.GetStore(r.StorePath())
	if st == nil {
		stores := e.registry.GetStores(true)
		if len(stores) == 0 {
			return store.ErrStoreClosed
		}
		st = stores[0]
	}
	m := st.Meta()
	if m == nil {
		return store.ErrStoreClosed
	}

	if !r.NeedDeleteFile() {
		return m.RemoveRowsetMeta(r.TabletUID(), r.ID())
	}

	if r.IsLocal() {
		pattern := filepath.Join(st.Path(), store.DataPrefix, string(r.ID())+"*")
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("gc: glob rowset files: %w", err)
		}
		for _, match := range matches {
			if err := os.Remove(match); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("gc: remove rowset file %s: %w", match, err)
			}
		}
	} else {
		intent := meta.RemoteRowsetGC{
			RowsetID:    r.ID(),
			RemotePath:  r.RemotePath(),
			NumSegments: r.NumSegments(),
		}
		if err := m.SaveRemoteRowsetGC(intent); err != nil {
			return err
		}
	}
	return m.RemoveRowsetMeta(r.TabletUID(), r.ID())
}

// GCBinlogs asks each live tablet to drop binlogs up to its target
// version. Missing tablets are skipped.
func (e *Engine) GCBinlogs(targets map[tablet.ID]tablet.Version) {
	for id, version := range targets {
		t := e.tablets.GetTablet(id)
		if t == nil {
			logging.Warnf("binlog gc target tablet missing", map[string]any{
				"tabletID": int64(id),
			})
			continue
		}
		t.GCBinlogs(version)
	}
}

// CleanUnusedTxns rolls back transactions whose tablets no longer exist.
func (e *Engine) CleanUnusedTxns() {
	for _, info := range e.txns.AllRelatedTablets() {
		if e.tablets.GetTabletWithUID(info.TabletID, info.TabletUID, true) == nil {
			e.txns.ForceRollbackTabletRelatedTxns(info.TabletID, info.TabletUID)
		}
	}
}

// remoteSegmentKey names one segment object of a remote rowset.
func remoteSegmentKey(remotePath string, rowsetID tablet.RowsetID, segment int) string {
	return path.Join(remotePath, fmt.Sprintf("%s_%d.dat", rowsetID, segment))
}

// GCRemoteRowsets executes persisted remote-rowset deletion intents.
// A no-op when no object storage is configured.
func (e *Engine) GCRemoteRowsets(ctx context.Context) error {
	if e.remote == nil {
		return nil
	}
	var errs []error
	for _, st := range e.registry.GetStores(false) {
		m := st.Meta()
		if m == nil {
			continue
		}
		var done []tablet.RowsetID
		var handled int
		err := m.TraverseRemoteRowsetGC(func(r meta.RemoteRowsetGC, _ []byte, ok bool) bool {
			if handled >= e.cfg.RemoteBatch {
				return false
			}
			handled++
			if !ok {
				done = append(done, r.RowsetID)
				return true
			}
			for seg := 0; seg < r.NumSegments; seg++ {
				if err := e.remote.Delete(ctx, remoteSegmentKey(r.RemotePath, r.RowsetID, seg)); err != nil {
					errs = append(errs, err)
					return true
				}
			}
			done = append(done, r.RowsetID)
			return true
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range done {
			if err := m.RemoveRemoteRowsetGC(id); err != nil {
				errs = append(errs, err)
			}
		}
		if len(done) > 0 {
			e.metrics.RemoteRowsetsDeleted.Add(float64(len(done)))
		}
	}
	return errors.Join(errs...)
}

// GCRemoteTablets executes persisted remote-tablet deletion intents,
// removing every object below the tablet's remote prefix. A no-op when
// no object storage is configured.
func (e *Engine) GCRemoteTablets(ctx context.Context) error {
	if e.remote == nil {
		return nil
	}
	var errs []error
	for _, st := range e.registry.GetStores(false) {
		m := st.Meta()
		if m == nil {
			continue
		}
		var done []tablet.ID
		var handled int
		err := m.TraverseRemoteTabletGC(func(r meta.RemoteTabletGC, _ []byte, ok bool) bool {
			if handled >= e.cfg.RemoteBatch {
				return false
			}
			handled++
			if !ok {
				done = append(done, r.TabletID)
				return true
			}
			prefix := r.RemotePath
			if prefix != "" && prefix[len(prefix)-1] != '/' {
				prefix += "/"
			}
			if _, err := e.remote.DeleteByPrefix(ctx, prefix); err != nil {
				errs = append(errs, err)
				return true
			}
			done = append(done, r.TabletID)
			return true
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range done {
			if err := m.RemoveRemoteTabletGC(id); err != nil {
				errs = append(errs, err)
			}
		}
		if len(done) > 0 {
			e.metrics.RemoteTabletsDeleted.Add(float64(len(done)))
		}
	}
	return errors.Join(errs...)
}

// UnusedRowsetCount returns how many rowsets wait in the unused table.
func (e *Engine) UnusedRowsetCount() int { return e.unused.Len() }

// HasUnusedRowset reports whether id waits in the unused table.
func (e *Engine) HasUnusedRowset(id tablet.RowsetID) bool { return e.unused.Contains(id) }

// PinQueryingRowset marks id as read by a running query.
func (e *Engine) PinQueryingRowset(r *rowset.Rowset) { e.querying.Add(r) }

// UnpinQueryingRowset releases a query's pin on id.
func (e *Engine) UnpinQueryingRowset(id tablet.RowsetID) bool { return e.querying.Evict(id) }
