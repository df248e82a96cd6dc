// Package compaction tracks which tablets have a compaction job admitted
// per store, and meters low-priority job slots.
package compaction

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/quarry-db/quarry/internal/tablet"
)

// Type identifies a compaction flavor.
type Type int

const (
	TypeCumulative Type = iota
	TypeBase
)

// String returns the status-report name of the type.
func (t Type) String() string {
	switch t {
	case TypeCumulative:
		return "CumulativeCompaction"
	case TypeBase:
		return "BaseCompaction"
	default:
		return fmt.Sprintf("Compaction(%d)", int(t))
	}
}

// TrackerConfig configures admission limits.
type TrackerConfig struct {
	// EnablePriorityScheduling turns the low-priority slot limit on.
	// When off, TryAdmitLowPriority always admits.
	EnablePriorityScheduling bool

	// MaxLowPriorityJobs caps concurrently admitted low-priority jobs
	// per store.
	MaxLowPriorityJobs int
}

// DefaultTrackerConfig returns the defaults used by the engine.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		EnablePriorityScheduling: true,
		MaxLowPriorityJobs:       2,
	}
}

type tabletSet map[tablet.ID]struct{}

// Tracker records admitted compactions. One mutex guards both the
// per-store sets and the low-priority counters so admission decisions
// stay atomic.
type Tracker struct {
	cfg TrackerConfig

	mu         sync.Mutex
	cumulative map[string]tabletSet
	base       map[string]tabletSet
	lowAdmits  map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxLowPriorityJobs <= 0 {
		cfg.MaxLowPriorityJobs = DefaultTrackerConfig().MaxLowPriorityJobs
	}
	return &Tracker{
		cfg:        cfg,
		cumulative: make(map[string]tabletSet),
		base:       make(map[string]tabletSet),
		lowAdmits:  make(map[string]int),
	}
}

func (t *Tracker) setsFor(typ Type) map[string]tabletSet {
	if typ == TypeBase {
		return t.base
	}
	return t.cumulative
}

// RegisterTablet admits a compaction of typ for tabletID on storePath.
// A tablet with any admitted compaction, of either type on any store, is
// rejected.
func (t *Tracker) RegisterTablet(storePath string, typ Type, tabletID tablet.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasTabletLocked(tabletID) {
		return false
	}
	sets := t.setsFor(typ)
	set, ok := sets[storePath]
	if !ok {
		set = make(tabletSet)
		sets[storePath] = set
	}
	set[tabletID] = struct{}{}
	return true
}

// DeregisterTablet releases a previously admitted compaction.
func (t *Tracker) DeregisterTablet(storePath string, typ Type, tabletID tablet.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.setsFor(typ)[storePath]; ok {
		delete(set, tabletID)
	}
}

// HasTablet reports whether tabletID has any admitted compaction.
func (t *Tracker) HasTablet(tabletID tablet.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasTabletLocked(tabletID)
}

func (t *Tracker) hasTabletLocked(tabletID tablet.ID) bool {
	for _, set := range t.cumulative {
		if _, ok := set[tabletID]; ok {
			return true
		}
	}
	for _, set := range t.base {
		if _, ok := set[tabletID]; ok {
			return true
		}
	}
	return false
}

// TryAdmitLowPriority takes a low-priority slot on storePath. Always
// admits when priority scheduling is disabled.
func (t *Tracker) TryAdmitLowPriority(storePath string) bool {
	if !t.cfg.EnablePriorityScheduling {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lowAdmits[storePath] >= t.cfg.MaxLowPriorityJobs {
		return false
	}
	t.lowAdmits[storePath]++
	return true
}

// ReleaseLowPriority returns a low-priority slot on storePath. A no-op
// when priority scheduling is disabled.
func (t *Tracker) ReleaseLowPriority(storePath string) {
	if !t.cfg.EnablePriorityScheduling {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lowAdmits[storePath] > 0 {
		t.lowAdmits[storePath]--
	}
}

// AdmittedCount returns the number of admitted compactions of typ across
// all stores.
func (t *Tracker) AdmittedCount(typ Type) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.setsFor(typ) {
		n += len(set)
	}
	return n
}

// StatusJSON renders the admitted-compaction map keyed by type then
// store path.
func (t *Tracker) StatusJSON() ([]byte, error) {
	t.mu.Lock()
	status := map[string]map[string][]string{
		TypeCumulative.String(): flatten(t.cumulative),
		TypeBase.String():       flatten(t.base),
	}
	t.mu.Unlock()
	data, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("compaction: marshal status: %w", err)
	}
	return data, nil
}

// Tablet ids render as strings so consumers on the control plane never
// lose precision decoding them.
func flatten(sets map[string]tabletSet) map[string][]string {
	out := make(map[string][]string, len(sets))
	for path, set := range sets {
		ids := make([]tablet.ID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = strconv.FormatInt(int64(id), 10)
		}
		out[path] = strs
	}
	return out
}
