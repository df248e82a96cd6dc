package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quarry-db/quarry/internal/logging"
)

// ErrClusterIDMismatch is returned when two stores, or a store and the
// configured value, disagree on a non-sentinel cluster id.
var ErrClusterIDMismatch = errors.New("store: cluster id mismatch")

// ErrNoUsableStore is returned when no store survived initialization.
var ErrNoUsableStore = errors.New("store: no usable store")

// PathSpec describes one configured store directory.
type PathSpec struct {
	Path          string
	CapacityBytes int64
	Medium        Medium
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Limits Limits

	// MaxErrorDiskPercent is the unusable-disk percentage above which
	// the process must terminate.
	MaxErrorDiskPercent int

	// MinFileDescriptorLimit is the smallest acceptable soft fd limit.
	MinFileDescriptorLimit uint64

	// Terminate aborts the process. Injected so tests can observe the
	// call instead of dying.
	Terminate func(reason string)

	// PersistBrokenPaths records the current broken-path set durably.
	// May be nil.
	PersistBrokenPaths func(paths []string) error
}

// Registry holds the process-lifetime set of stores. The set is fixed at
// open time; only health flags change afterwards.
type Registry struct {
	opts   RegistryOptions
	stores map[string]*Store
	order  []string

	mu          sync.Mutex
	clusterID   int32
	brokenPaths map[string]struct{}
}

// OpenRegistry creates and initializes one store per spec, in parallel.
// Every failed store is reported; the registry opens only when all
// succeed.
func OpenRegistry(specs []PathSpec, opts RegistryOptions) (*Registry, error) {
	if len(specs) == 0 {
		return nil, ErrNoUsableStore
	}
	if opts.Terminate == nil {
		opts.Terminate = func(reason string) {
			logging.Errorf("terminate requested", map[string]any{"reason": reason})
		}
	}

	r := &Registry{
		opts:        opts,
		stores:      make(map[string]*Store, len(specs)),
		clusterID:   -1,
		brokenPaths: make(map[string]struct{}),
	}

	type result struct {
		store *Store
		err   error
	}
	results := make([]result, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec PathSpec) {
			defer wg.Done()
			st := New(spec.Path, spec.CapacityBytes, spec.Medium, opts.Limits)
			if err := st.Init(); err != nil {
				results[i] = result{err: err}
				return
			}
			results[i] = result{store: st}
		}(i, spec)
	}
	wg.Wait()

	var initErrs []string
	for _, res := range results {
		if res.err != nil {
			initErrs = append(initErrs, res.err.Error())
			continue
		}
		r.stores[res.store.Path()] = res.store
		r.order = append(r.order, res.store.Path())
	}
	if len(initErrs) > 0 {
		for _, st := range r.stores {
			_ = st.Close()
		}
		return nil, fmt.Errorf("store: init failed: %s", strings.Join(initErrs, "; "))
	}
	sort.Strings(r.order)
	return r, nil
}

// Close releases every store.
func (r *Registry) Close() error {
	var first error
	for _, path := range r.order {
		if err := r.stores[path].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// GetStore returns the store at path, or nil.
func (r *Registry) GetStore(path string) *Store {
	return r.stores[path]
}

// GetStores returns stores in path order. Unused stores are filtered out
// unless includeUnused is set.
func (r *Registry) GetStores(includeUnused bool) []*Store {
	out := make([]*Store, 0, len(r.order))
	for _, path := range r.order {
		st := r.stores[path]
		if !includeUnused && !st.IsUsed() {
			continue
		}
		out = append(out, st)
	}
	return out
}

// AvailableMediumCount counts distinct mediums across usable stores.
func (r *Registry) AvailableMediumCount() int {
	seen := make(map[Medium]struct{})
	for _, st := range r.GetStores(false) {
		seen[st.Medium()] = struct{}{}
	}
	return len(seen)
}

// ClusterID returns the reconciled cluster id, -1 before reconciliation.
func (r *Registry) ClusterID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clusterID
}

// ReconcileClusterID merges the configured id with every store's
// persisted id. -1 is the unset sentinel on both sides. Conflicting
// non-sentinel ids fail the open; a resolved id is written back to any
// store that lacked one.
func (r *Registry) ReconcileClusterID(configured int32) (int32, error) {
	effective := configured
	allPresent := true
	for _, path := range r.order {
		st := r.stores[path]
		id := st.ClusterID()
		if st.ClusterIDIncomplete() || id == -1 {
			allPresent = false
			continue
		}
		if effective == -1 {
			effective = id
			continue
		}
		if id != effective {
			return -1, fmt.Errorf("%w: store %s has %d, expected %d",
				ErrClusterIDMismatch, path, id, effective)
		}
	}
	if effective != -1 && !allPresent {
		if err := r.SetClusterID(effective); err != nil {
			return -1, err
		}
	}
	r.mu.Lock()
	r.clusterID = effective
	r.mu.Unlock()
	return effective, nil
}

// SetClusterID persists id on every store that does not already carry it.
func (r *Registry) SetClusterID(id int32) error {
	for _, path := range r.order {
		st := r.stores[path]
		if !st.ClusterIDIncomplete() && st.ClusterID() == id {
			continue
		}
		if !st.ClusterIDIncomplete() && st.ClusterID() != -1 && st.ClusterID() != id {
			return fmt.Errorf("%w: store %s has %d, refusing to overwrite with %d",
				ErrClusterIDMismatch, path, st.ClusterID(), id)
		}
		if err := st.SetClusterID(id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.clusterID = id
	r.mu.Unlock()
	return nil
}

// AddBrokenPath records a store path as broken and persists the set.
// Returns false when the path was already marked.
func (r *Registry) AddBrokenPath(path string) bool {
	r.mu.Lock()
	if _, ok := r.brokenPaths[path]; ok {
		r.mu.Unlock()
		return false
	}
	r.brokenPaths[path] = struct{}{}
	snapshot := r.brokenPathsLocked()
	r.mu.Unlock()
	r.persistBrokenPaths(snapshot)
	if st := r.GetStore(path); st != nil {
		st.SetUsed(false)
	}
	return true
}

// RemoveBrokenPath clears a broken mark and persists the set. Returns
// false when the path was not marked.
func (r *Registry) RemoveBrokenPath(path string) bool {
	r.mu.Lock()
	if _, ok := r.brokenPaths[path]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.brokenPaths, path)
	snapshot := r.brokenPathsLocked()
	r.mu.Unlock()
	r.persistBrokenPaths(snapshot)
	return true
}

// BrokenPaths returns the broken-path set in sorted order.
func (r *Registry) BrokenPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokenPathsLocked()
}

func (r *Registry) brokenPathsLocked() []string {
	out := make([]string, 0, len(r.brokenPaths))
	for p := range r.brokenPaths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) persistBrokenPaths(paths []string) {
	if r.opts.PersistBrokenPaths == nil {
		return
	}
	if err := r.opts.PersistBrokenPaths(paths); err != nil {
		logging.Errorf("persist broken paths failed", map[string]any{"error": err.Error()})
	}
}

// CheckDiskHealth probes every store and terminates the process when the
// unusable fraction exceeds the configured limit. A registry with zero
// stores also terminates.
func (r *Registry) CheckDiskHealth() {
	total := len(r.order)
	unused := 0
	for _, path := range r.order {
		st := r.stores[path]
		st.HealthCheck()
		if !st.IsUsed() {
			unused++
		}
	}
	if total == 0 || unused*100/total > r.opts.MaxErrorDiskPercent {
		r.opts.Terminate(fmt.Sprintf(
			"too many failed disks: %d of %d unusable, limit %d%%",
			unused, total, r.opts.MaxErrorDiskPercent))
	}
}

// UpdateCapacities refreshes disk accounting on every usable store.
func (r *Registry) UpdateCapacities() {
	for _, st := range r.GetStores(false) {
		if err := st.UpdateCapacity(); err != nil {
			logging.Warnf("update capacity failed", map[string]any{
				"path": st.Path(), "error": err.Error(),
			})
		}
	}
}

// CheckFileDescriptorLimit warns when the soft fd limit is below the
// configured floor. Advisory only.
func (r *Registry) CheckFileDescriptorLimit() {
	limit, err := FileDescriptorLimit()
	if err != nil {
		logging.Warnf("read fd limit failed", map[string]any{"error": err.Error()})
		return
	}
	if limit < r.opts.MinFileDescriptorLimit {
		logging.Warnf("fd limit below recommended minimum", map[string]any{
			"limit": limit, "minimum": r.opts.MinFileDescriptorLimit,
		})
	}
}

// GetInfos snapshots every store's accounting, unused stores included.
func (r *Registry) GetInfos() []Info {
	infos := make([]Info, 0, len(r.order))
	for _, path := range r.order {
		infos = append(infos, r.stores[path].GetInfo())
	}
	return infos
}
