// Package placement picks destination stores for new tablets, balancing
// load across disks while keeping tablets of one partition spread out.
package placement

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarry-db/quarry/internal/store"
	"github.com/quarry-db/quarry/internal/tablet"
)

// ErrNoAvailableStore is returned when no usable store can accept a new
// tablet on the requested medium.
var ErrNoAvailableStore = errors.New("placement: no available store")

// UsageLevel buckets stores by how full they are. Stores in the same
// bucket are treated as interchangeable for placement.
type UsageLevel int

const (
	UsageLow UsageLevel = iota
	UsageMid
	UsageHigh
)

const (
	lowUsageThreshold = 0.70
	midUsageThreshold = 0.85
)

// LevelForUsage maps a usage ratio to its bucket.
func LevelForUsage(ratio float64) UsageLevel {
	switch {
	case ratio < lowUsageThreshold:
		return UsageLow
	case ratio < midUsageThreshold:
		return UsageMid
	default:
		return UsageHigh
	}
}

const defaultCursorCacheSize = 1024

// Selector chooses stores for tablet creation. Placement cursors are
// kept per (partition, medium) in an LRU so hot partitions rotate across
// disks while cold ones age out.
type Selector struct {
	registry *store.Registry

	mu           sync.Mutex
	cursors      *lru.Cache[string, int]
	lastUseIndex map[store.Medium]int
}

// NewSelector creates a Selector over registry. cacheSize <= 0 uses a
// default.
func NewSelector(registry *store.Registry, cacheSize int) (*Selector, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCursorCacheSize
	}
	cache, err := lru.New[string, int](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("placement: create cursor cache: %w", err)
	}
	return &Selector{
		registry:     registry,
		cursors:      cache,
		lastUseIndex: make(map[store.Medium]int),
	}, nil
}

func cursorKey(partitionID tablet.PartitionID, medium store.Medium) string {
	return fmt.Sprintf("%d_%s", partitionID, medium)
}

// StoresForCreateTablet returns candidate stores for a new tablet of the
// given partition, best candidate first. When the cluster has a single
// medium the requested medium is advisory only.
func (s *Selector) StoresForCreateTablet(partitionID tablet.PartitionID, medium store.Medium) ([]*store.Store, error) {
	singleMedium := s.registry.AvailableMediumCount() <= 1
	var candidates []*store.Store
	for _, st := range s.registry.GetStores(false) {
		if !singleMedium && st.Medium() != medium {
			continue
		}
		if st.ReachCapacityLimit(0) {
			continue
		}
		candidates = append(candidates, st)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: medium %s", ErrNoAvailableStore, medium)
	}

	s.mu.Lock()
	key := cursorKey(partitionID, medium)
	cursor, ok := s.cursors.Get(key)
	if !ok {
		last, seen := s.lastUseIndex[medium]
		if !seen {
			last = -1
		}
		cursor = last + 1
		if cursor < 0 {
			cursor = 0
		}
	}
	s.cursors.Add(key, cursor+1)
	s.lastUseIndex[medium] = cursor
	s.mu.Unlock()

	return rotateByUsage(candidates, cursor), nil
}

// rotateByUsage orders candidates by usage bucket, then rotates each run
// of equally-loaded stores by the cursor so repeated creates fan out.
func rotateByUsage(candidates []*store.Store, cursor int) []*store.Store {
	type entry struct {
		store *store.Store
		level UsageLevel
	}
	entries := make([]entry, len(candidates))
	for i, st := range candidates {
		entries[i] = entry{store: st, level: LevelForUsage(st.UsageRatio(0))}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].level != entries[j].level {
			return entries[i].level < entries[j].level
		}
		return entries[i].store.Path() < entries[j].store.Path()
	})

	out := make([]*store.Store, 0, len(entries))
	for start := 0; start < len(entries); {
		end := start
		for end < len(entries) && entries[end].level == entries[start].level {
			end++
		}
		runLen := end - start
		offset := cursor % runLen
		for i := 0; i < runLen; i++ {
			out = append(out, entries[start+(offset+i)%runLen].store)
		}
		start = end
	}
	return out
}
