package rowset

import (
	"sync"

	"github.com/quarry-db/quarry/internal/logging"
	"github.com/quarry-db/quarry/internal/tablet"
)

// UnusedTable holds rowsets that left the visible version graph and are
// waiting out their query grace period before their files are deleted.
type UnusedTable struct {
	mu      sync.Mutex
	rowsets map[tablet.RowsetID]*Rowset
}

// NewUnusedTable creates an empty table.
func NewUnusedTable() *UnusedTable {
	return &UnusedTable{rowsets: make(map[tablet.RowsetID]*Rowset)}
}

// Add registers r. Adding an already-registered id is a no-op so repeated
// version-graph edits stay safe.
func (t *UnusedTable) Add(r *Rowset) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rowsets[r.ID()]; ok {
		logging.Debugf("unused rowset already registered", map[string]any{
			"rowsetID": string(r.ID()),
		})
		return false
	}
	t.rowsets[r.ID()] = r
	return true
}

// Contains reports whether id is registered.
func (t *UnusedTable) Contains(id tablet.RowsetID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rowsets[id]
	return ok
}

// Len returns the number of registered rowsets.
func (t *UnusedTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rowsets)
}

// Get returns the registered handle for id, or nil.
func (t *UnusedTable) Get(id tablet.RowsetID) *Rowset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowsets[id]
}

// ReapExpired removes every rowset whose grace period has passed and
// that no query still references. remove is called outside the table
// lock for each candidate; returning false keeps the rowset registered.
// Returns the number of rowsets removed.
func (t *UnusedTable) ReapExpired(now int64, remove func(*Rowset) bool) int {
	t.mu.Lock()
	candidates := make([]*Rowset, 0, len(t.rowsets))
	for _, r := range t.rowsets {
		if r.RefCount() == 1 && now > r.DelayedExpired() {
			candidates = append(candidates, r)
		}
	}
	t.mu.Unlock()

	reaped := 0
	for _, r := range candidates {
		if remove != nil && !remove(r) {
			continue
		}
		t.mu.Lock()
		delete(t.rowsets, r.ID())
		t.mu.Unlock()
		reaped++
	}
	return reaped
}

// QueryingTable tracks rowsets pinned by running queries. It is guarded
// independently of UnusedTable so queries never contend with the reaper.
type QueryingTable struct {
	mu      sync.Mutex
	rowsets map[tablet.RowsetID]*Rowset
}

// NewQueryingTable creates an empty table.
func NewQueryingTable() *QueryingTable {
	return &QueryingTable{rowsets: make(map[tablet.RowsetID]*Rowset)}
}

// Add pins r for a reader, taking a reference on first registration.
func (t *QueryingTable) Add(r *Rowset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rowsets[r.ID()]; ok {
		return
	}
	r.Acquire()
	t.rowsets[r.ID()] = r
}

// Get returns the pinned handle for id, or nil.
func (t *QueryingTable) Get(id tablet.RowsetID) *Rowset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowsets[id]
}

// Evict unpins id, dropping the reference taken by Add. Returns false
// when id was not pinned.
func (t *QueryingTable) Evict(id tablet.RowsetID) bool {
	t.mu.Lock()
	r, ok := t.rowsets[id]
	if ok {
		delete(t.rowsets, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	r.Release()
	return true
}

// Len returns the number of pinned rowsets.
func (t *QueryingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rowsets)
}
