// Package engine wires the storage components together: the store
// registry, tablet placement, metadata GC, the trash sweeper and
// compaction admission. One Engine owns the node's local storage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/quarry-db/quarry/internal/compaction"
	"github.com/quarry-db/quarry/internal/config"
	"github.com/quarry-db/quarry/internal/gc"
	"github.com/quarry-db/quarry/internal/listener"
	"github.com/quarry-db/quarry/internal/logging"
	"github.com/quarry-db/quarry/internal/metrics"
	"github.com/quarry-db/quarry/internal/objectstore"
	"github.com/quarry-db/quarry/internal/placement"
	"github.com/quarry-db/quarry/internal/rowset"
	"github.com/quarry-db/quarry/internal/store"
	"github.com/quarry-db/quarry/internal/sweep"
	"github.com/quarry-db/quarry/internal/tablet"
)

// ErrNoStorePaths is returned when the configuration names no storage
// directories.
var ErrNoStorePaths = errors.New("engine: no store paths configured")

// Deps are the collaborators the engine does not construct itself.
type Deps struct {
	// Tablets manages tablet lifecycle. Required.
	Tablets tablet.Manager

	// Txns manages transaction state. Required.
	Txns tablet.TxnManager

	// Remote is the object store holding cold rowset data. Optional;
	// remote GC is skipped when nil.
	Remote objectstore.Store

	// Terminate aborts the process when the disk health check demands
	// it. Defaults to logging only.
	Terminate func(reason string)

	// LoadTablets loads one store's tablets into the manager during
	// Open. Optional.
	LoadTablets func(ctx context.Context, st *store.Store) error

	// Registerer receives the engine's metrics. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
}

// Engine is the node's storage orchestrator.
type Engine struct {
	cfg  *config.Config
	deps Deps

	registry  *store.Registry
	selector  *placement.Selector
	gc        *gc.Engine
	sweeper   *sweep.Sweeper
	tracker   *compaction.Tracker
	listeners *listener.Registry
	unused    *rowset.UnusedTable
	querying  *rowset.QueryingTable

	gcMetrics    *metrics.GCMetrics
	sweepMetrics *metrics.SweepMetrics
	compMetrics  *metrics.CompactionMetrics

	mu      sync.Mutex
	running bool
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Open validates cfg, initializes every store and assembles the engine.
// No background work starts until Start.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Tablets == nil || deps.Txns == nil {
		return nil, errors.New("engine: tablet and txn managers are required")
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}

	paths, err := cfg.StorePaths()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoStorePaths
	}
	specs := make([]store.PathSpec, len(paths))
	for i, p := range paths {
		specs[i] = store.PathSpec{
			Path:          p.Path,
			CapacityBytes: p.CapacityBytes,
			Medium:        store.ParseMedium(p.Medium),
		}
	}

	var persist func([]string) error
	if cfg.Storage.BrokenPathsFile != "" {
		file := cfg.Storage.BrokenPathsFile
		persist = func(ps []string) error { return config.SaveBrokenPaths(file, ps) }
	}
	registry, err := store.OpenRegistry(specs, store.RegistryOptions{
		Limits: store.Limits{
			FloodStagePercent:   cfg.Storage.FloodStagePercent,
			FloodStageLeftBytes: cfg.Storage.FloodStageLeftBytes,
		},
		MaxErrorDiskPercent:    cfg.Storage.MaxErrorDiskPercent,
		MinFileDescriptorLimit: cfg.Storage.MinFileDescriptorLimit,
		Terminate:              deps.Terminate,
		PersistBrokenPaths:     persist,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		registry:  registry,
		listeners: listener.NewRegistry(),
		unused:    rowset.NewUnusedTable(),
		querying:  rowset.NewQueryingTable(),
	}
	if err := e.finishOpen(ctx); err != nil {
		_ = registry.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) finishOpen(ctx context.Context) error {
	cfg := e.cfg

	if cfg.Storage.BrokenPathsFile != "" {
		broken, err := config.LoadBrokenPaths(cfg.Storage.BrokenPathsFile)
		if err != nil {
			return err
		}
		for _, p := range broken {
			e.registry.AddBrokenPath(p)
		}
	}

	id, err := e.registry.ReconcileClusterID(cfg.Cluster.ClusterID)
	if err != nil {
		return err
	}
	logging.Infof("cluster id reconciled", map[string]any{"clusterID": id})

	if n := e.registry.AvailableMediumCount(); n > 1 {
		logging.Infof("multiple storage mediums available", map[string]any{"mediums": n})
	}
	e.registry.CheckFileDescriptorLimit()

	if e.deps.LoadTablets != nil {
		g, gctx := errgroup.WithContext(ctx)
		for _, st := range e.registry.GetStores(false) {
			g.Go(func() error {
				if err := e.deps.LoadTablets(gctx, st); err != nil {
					return fmt.Errorf("engine: load tablets from %s: %w", st.Path(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	e.selector, err = placement.NewSelector(e.registry, cfg.Storage.PlacementCursorCacheSize)
	if err != nil {
		return err
	}

	e.gcMetrics = metrics.NewGCMetricsWithRegistry(e.deps.Registerer)
	e.sweepMetrics = metrics.NewSweepMetricsWithRegistry(e.deps.Registerer)
	e.compMetrics = metrics.NewCompactionMetricsWithRegistry(e.deps.Registerer)

	e.gc = gc.New(gc.Config{
		UnusedRowsetGrace: time.Duration(cfg.GC.UnusedRowsetGraceSeconds) * time.Second,
		RemoteBatch:       cfg.GC.RemoteBatch,
	}, e.registry, e.deps.Tablets, e.deps.Txns, e.unused, e.querying, e.deps.Remote, e.gcMetrics)

	e.sweeper = sweep.New(sweep.Config{
		TrashExpiry:         time.Duration(cfg.Sweep.TrashExpirySeconds) * time.Second,
		SnapshotExpiry:      time.Duration(cfg.Sweep.SnapshotExpirySeconds) * time.Second,
		FloodStagePercent:   cfg.Storage.FloodStagePercent,
		DeleteBatchSize:     cfg.Sweep.DeleteBatchSize,
		DeleteBatchInterval: time.Duration(cfg.Sweep.DeleteBatchIntervalMs) * time.Millisecond,
	}, e.registry, e.sweepMetrics)
	e.sweeper.SetCleanupHook(e.runMetadataCleanup)

	e.tracker = compaction.NewTracker(compaction.TrackerConfig{
		EnablePriorityScheduling: cfg.Compaction.EnablePriorityScheduling,
		MaxLowPriorityJobs:       cfg.Compaction.MaxLowPriorityJobs,
	})
	return nil
}

// Start launches the background workers. Safe to call once.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.closed {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.startWorker("sweep", time.Duration(e.cfg.Sweep.IntervalSeconds)*time.Second, e.runCleanupCycle)
	e.startWorker("disk_stat", time.Duration(e.cfg.Sweep.DiskStatIntervalSeconds)*time.Second, e.runDiskStat)
	e.startWorker("unused_rowset", time.Duration(e.cfg.Sweep.UnusedRowsetIntervalSecond)*time.Second, e.runUnusedRowsetReap)

	logging.Info("storage engine started")
}

func (e *Engine) startWorker(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	sig := listener.NewSignal(name)
	e.listeners.Register(sig)
	stopCh := e.stopCh
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.listeners.Deregister(sig)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stopCh
			cancel()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-sig.C():
			case <-ticker.C:
			}
			fn(ctx)
		}
	}()
}

// Stop shuts the engine down: listeners are notified, workers joined and
// every store closed. Stores are closed even when the engine was opened
// but never started. Stop is idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	wasRunning := e.running
	e.running = false
	if wasRunning {
		close(e.stopCh)
	}
	e.mu.Unlock()

	if wasRunning {
		e.listeners.NotifyAll()
		e.wg.Wait()
	}
	err := e.registry.Close()
	logging.Info("storage engine stopped")
	return err
}

// runCleanupCycle is the periodic composite sweep. The sweeper first
// clears expired trash and snapshot directories on every store, then
// runs the metadata cleanup under the same sweep lock.
func (e *Engine) runCleanupCycle(ctx context.Context) {
	if _, err := e.sweeper.Sweep(ctx, false); err != nil && !errors.Is(err, sweep.ErrSweepInProgress) {
		logging.Warnf("cleanup cycle failed", map[string]any{"error": err.Error()})
	}
}

// runMetadataCleanup is the metadata side of the cleanup cycle: tablet
// trash, stale metadata, dead transactions and remote garbage. The
// sweeper invokes it after the per-store directory sweep.
func (e *Engine) runMetadataCleanup(ctx context.Context) {
	if err := e.deps.Tablets.StartTrashSweep(ctx); err != nil {
		logging.Warnf("tablet trash sweep failed", map[string]any{"error": err.Error()})
	}
	if err := e.gc.RunMetadataPasses(ctx); err != nil {
		logging.Warnf("metadata gc failed", map[string]any{"error": err.Error()})
	}
	e.gc.CleanUnusedTxns()
	if err := e.gc.GCRemoteRowsets(ctx); err != nil {
		logging.Warnf("remote rowset gc failed", map[string]any{"error": err.Error()})
	}
	if err := e.gc.GCRemoteTablets(ctx); err != nil {
		logging.Warnf("remote tablet gc failed", map[string]any{"error": err.Error()})
	}
}

// runDiskStat refreshes capacity accounting, pushes tablet data sizes
// onto the stores and probes disk health.
func (e *Engine) runDiskStat(context.Context) {
	e.registry.UpdateCapacities()
	infos := make(map[string]*tablet.PathInfo, len(e.registry.GetInfos()))
	for _, st := range e.registry.GetStores(true) {
		infos[st.Path()] = &tablet.PathInfo{}
	}
	e.deps.Tablets.UpdateRootPathInfo(infos)
	for path, info := range infos {
		if st := e.registry.GetStore(path); st != nil {
			st.UpdateLocalDataSize(info.LocalUsedBytes)
			st.UpdateRemoteDataSize(info.RemoteUsedBytes)
		}
	}
	e.registry.CheckDiskHealth()
}

func (e *Engine) runUnusedRowsetReap(context.Context) {
	if n := e.gc.ReapUnusedRowsets(time.Now()); n > 0 {
		logging.Infof("reaped unused rowsets", map[string]any{"count": n})
	}
}
