// Package rowset tracks rowset handles that have left the visible
// version graph but may still be referenced by running queries.
package rowset

import (
	"sync"
	"sync/atomic"

	"github.com/quarry-db/quarry/internal/tablet"
)

// Rowset is a reference-counted handle to one rowset's data files. The
// count starts at 1, held by whichever table owns the handle; a count of
// exactly 1 means no query is reading the rowset.
type Rowset struct {
	id        tablet.RowsetID
	tabletID  tablet.ID
	tabletUID tablet.UID
	version   tablet.Version
	local     bool

	// storePath is the owning store directory for local rowsets.
	storePath string
	// remotePath locates the data for remote rowsets.
	remotePath  string
	numSegments int

	refs           atomic.Int64
	delayedExpired atomic.Int64
	needDeleteFile atomic.Bool
	removeOnce     sync.Once
	removeErr      error
}

// Spec carries the immutable identity of a rowset handle.
type Spec struct {
	ID          tablet.RowsetID
	TabletID    tablet.ID
	TabletUID   tablet.UID
	Version     tablet.Version
	Local       bool
	StorePath   string
	RemotePath  string
	NumSegments int
}

// New creates a handle with a reference count of 1.
func New(spec Spec) *Rowset {
	r := &Rowset{
		id:          spec.ID,
		tabletID:    spec.TabletID,
		tabletUID:   spec.TabletUID,
		version:     spec.Version,
		local:       spec.Local,
		storePath:   spec.StorePath,
		remotePath:  spec.RemotePath,
		numSegments: spec.NumSegments,
	}
	r.refs.Store(1)
	return r
}

func (r *Rowset) ID() tablet.RowsetID { return r.id }

func (r *Rowset) TabletID() tablet.ID { return r.tabletID }

func (r *Rowset) TabletUID() tablet.UID { return r.tabletUID }

func (r *Rowset) Version() tablet.Version { return r.version }

func (r *Rowset) IsLocal() bool { return r.local }

func (r *Rowset) StorePath() string { return r.storePath }

func (r *Rowset) RemotePath() string { return r.remotePath }

func (r *Rowset) NumSegments() int { return r.numSegments }

// Acquire takes a reference for a reader.
func (r *Rowset) Acquire() { r.refs.Add(1) }

// Release drops a reader's reference.
func (r *Rowset) Release() { r.refs.Add(-1) }

// RefCount returns the current reference count.
func (r *Rowset) RefCount() int64 { return r.refs.Load() }

// SetDelayedExpired extends the earliest unix time the rowset may be
// reaped. The timestamp only moves forward.
func (r *Rowset) SetDelayedExpired(ts int64) {
	for {
		cur := r.delayedExpired.Load()
		if ts <= cur {
			return
		}
		if r.delayedExpired.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// DelayedExpired returns the earliest unix time the rowset may be reaped.
func (r *Rowset) DelayedExpired() int64 { return r.delayedExpired.Load() }

// MarkNeedDeleteFile flags the rowset's files for deletion at reap time.
func (r *Rowset) MarkNeedDeleteFile() { r.needDeleteFile.Store(true) }

// NeedDeleteFile reports whether files must be deleted at reap time.
func (r *Rowset) NeedDeleteFile() bool { return r.needDeleteFile.Load() }

// Remove runs fn exactly once across all callers and remembers its
// error. Later calls return the first outcome.
func (r *Rowset) Remove(fn func() error) error {
	r.removeOnce.Do(func() {
		if fn != nil {
			r.removeErr = fn()
		}
	})
	return r.removeErr
}
