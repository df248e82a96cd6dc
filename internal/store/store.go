// Package store manages the physical storage directories owned by the
// engine: per-directory capacity, health and cluster-id state, the
// embedded meta-store, and the registry holding the fixed-at-startup
// collection of stores.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quarry-db/quarry/internal/logging"
	"github.com/quarry-db/quarry/internal/meta"
)

// Medium is the storage tier of a store.
type Medium string

const (
	// MediumHDD is the capacity tier.
	MediumHDD Medium = "HDD"
	// MediumSSD is the fast tier.
	MediumSSD Medium = "SSD"
)

// ParseMedium converts a string to a Medium, defaulting to HDD.
func ParseMedium(s string) Medium {
	if strings.EqualFold(s, string(MediumSSD)) {
		return MediumSSD
	}
	return MediumHDD
}

// Subdirectory names within a store path.
const (
	DataPrefix     = "data"
	TrashPrefix    = "trash"
	SnapshotPrefix = "snapshot"
	metaDirName    = "meta"
	clusterIDFile  = "cluster_id"
)

// ErrStoreClosed is returned for operations on a closed store.
var ErrStoreClosed = errors.New("store: closed")

// Limits are the capacity thresholds shared by every store.
type Limits struct {
	// FloodStagePercent is the usage percent above which a store stops
	// accepting new tablets.
	FloodStagePercent int

	// FloodStageLeftBytes is the minimum free space a store must keep.
	FloodStageLeftBytes int64
}

// Store is one physical storage directory. Stores are created at startup
// and live for the process; the medium never changes after init.
type Store struct {
	path          string
	capacityBytes int64
	medium        Medium
	limits        Limits

	used atomic.Bool

	mu                sync.Mutex
	diskCapacityBytes int64
	availableBytes    int64
	localUsedBytes    int64
	remoteUsedBytes   int64
	trashUsedBytes    int64
	clusterID         int32
	clusterIncomplete bool
	shardCounter      uint64

	meta *meta.Meta

	// diskSpace is swappable so tests can fake filesystem capacity.
	diskSpace func(path string) (total, avail int64, err error)
}

// New creates a store handle for path. capacityBytes <= 0 means "use the
// filesystem capacity".
func New(path string, capacityBytes int64, medium Medium, limits Limits) *Store {
	s := &Store{
		path:          filepath.Clean(path),
		capacityBytes: capacityBytes,
		medium:        medium,
		limits:        limits,
		clusterID:     -1,
		diskSpace:     diskSpace,
	}
	s.used.Store(true)
	return s
}

// Init prepares the store directory tree, reads the persisted cluster id
// and opens the embedded meta-store. Any failure leaves the store unusable.
func (s *Store) Init() error {
	for _, sub := range []string{DataPrefix, TrashPrefix, SnapshotPrefix} {
		if err := os.MkdirAll(filepath.Join(s.path, sub), 0o755); err != nil {
			return fmt.Errorf("store: create %s dir under %s: %w", sub, s.path, err)
		}
	}

	if err := s.readClusterID(); err != nil {
		return err
	}

	m, err := meta.Open(filepath.Join(s.path, metaDirName))
	if err != nil {
		return fmt.Errorf("store: open meta for %s: %w", s.path, err)
	}
	s.meta = m

	if err := s.UpdateCapacity(); err != nil {
		return err
	}
	return nil
}

// Close releases the store's meta-store handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil
	}
	err := s.meta.Close()
	s.meta = nil
	return err
}

// Path returns the store's directory path, its unique key.
func (s *Store) Path() string { return s.path }

// Medium returns the store's storage tier.
func (s *Store) Medium() Medium { return s.medium }

// Meta returns the store's persisted meta-store.
func (s *Store) Meta() *meta.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// IsUsed reports whether the store is healthy and accepting work.
func (s *Store) IsUsed() bool { return s.used.Load() }

// SetUsed marks the store healthy or unusable.
func (s *Store) SetUsed(used bool) { s.used.Store(used) }

// TrashDir returns the store's trash directory.
func (s *Store) TrashDir() string { return filepath.Join(s.path, TrashPrefix) }

// SnapshotDir returns the store's snapshot directory.
func (s *Store) SnapshotDir() string { return filepath.Join(s.path, SnapshotPrefix) }

func (s *Store) clusterIDPath() string { return filepath.Join(s.path, clusterIDFile) }

func (s *Store) readClusterID() error {
	data, err := os.ReadFile(s.clusterIDPath())
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.clusterID = -1
		s.clusterIncomplete = true
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read cluster id for %s: %w", s.path, err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return fmt.Errorf("store: parse cluster id for %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.clusterID = int32(id)
	s.clusterIncomplete = false
	s.mu.Unlock()
	return nil
}

// ClusterID returns the persisted cluster id, -1 when unset.
func (s *Store) ClusterID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterID
}

// ClusterIDIncomplete reports whether this store has no persisted id yet.
func (s *Store) ClusterIDIncomplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterIncomplete
}

// SetClusterID persists id into the store directory and adopts it.
func (s *Store) SetClusterID(id int32) error {
	tmp := s.clusterIDPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(int64(id), 10)), 0o644); err != nil {
		return fmt.Errorf("store: write cluster id for %s: %w", s.path, err)
	}
	if err := os.Rename(tmp, s.clusterIDPath()); err != nil {
		return fmt.Errorf("store: persist cluster id for %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.clusterID = id
	s.clusterIncomplete = false
	s.mu.Unlock()
	return nil
}

// UpdateCapacity refreshes disk capacity and available bytes from the
// filesystem, honoring a configured capacity cap.
func (s *Store) UpdateCapacity() error {
	total, avail, err := s.diskSpace(s.path)
	if err != nil {
		return fmt.Errorf("store: stat %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diskCapacityBytes = total
	if s.capacityBytes > 0 && s.capacityBytes < total {
		s.diskCapacityBytes = s.capacityBytes
	}
	s.availableBytes = avail
	if s.availableBytes > s.diskCapacityBytes {
		s.availableBytes = s.diskCapacityBytes
	}
	return nil
}

// SetCapacityForTest overrides capacity accounting. Tests only.
func (s *Store) SetCapacityForTest(capacity, available int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diskCapacityBytes = capacity
	s.availableBytes = available
}

// UpdateLocalDataSize records the tablet-manager-reported local usage.
func (s *Store) UpdateLocalDataSize(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUsedBytes = bytes
}

// UpdateRemoteDataSize records the tablet-manager-reported remote usage.
func (s *Store) UpdateRemoteDataSize(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteUsedBytes = bytes
}

// UpdateTrashCapacity recomputes the bytes held by the trash directory.
func (s *Store) UpdateTrashCapacity() {
	size := directorySize(s.TrashDir())
	s.mu.Lock()
	s.trashUsedBytes = size
	s.mu.Unlock()
}

func directorySize(dir string) int64 {
	var sum int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			sum += info.Size()
		}
		return nil
	})
	return sum
}

// UsageRatio returns the usage fraction assuming incomingBytes more data,
// clamped to [0, 1].
func (s *Store) UsageRatio(incomingBytes int64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diskCapacityBytes <= 0 {
		return 1
	}
	used := s.diskCapacityBytes - s.availableBytes + incomingBytes
	ratio := float64(used) / float64(s.diskCapacityBytes)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// ReachCapacityLimit reports whether accepting incomingBytes would push
// the store past the flood-stage limits.
func (s *Store) ReachCapacityLimit(incomingBytes int64) bool {
	s.mu.Lock()
	capacity := s.diskCapacityBytes
	avail := s.availableBytes
	s.mu.Unlock()
	if capacity <= 0 {
		return true
	}
	usedPercent := float64(capacity-avail+incomingBytes) / float64(capacity) * 100
	left := avail - incomingBytes
	if usedPercent >= float64(s.limits.FloodStagePercent) && left <= s.limits.FloodStageLeftBytes {
		logging.Warnf("store capacity limit reached", map[string]any{
			"path":         s.path,
			"usedPercent":  usedPercent,
			"leftBytes":    left,
			"incomingSize": incomingBytes,
		})
		return true
	}
	return false
}

// HealthCheck probes the store with a write/read/delete round trip and
// flips the health flag on failure.
func (s *Store) HealthCheck() {
	probe := filepath.Join(s.path, ".health_check")
	const payload = "check"
	if err := os.WriteFile(probe, []byte(payload), 0o644); err != nil {
		logging.Warnf("store health check write failed", map[string]any{"path": s.path, "error": err.Error()})
		s.used.Store(false)
		return
	}
	data, err := os.ReadFile(probe)
	if err != nil || string(data) != payload {
		logging.Warnf("store health check read failed", map[string]any{"path": s.path})
		s.used.Store(false)
		return
	}
	if err := os.Remove(probe); err != nil {
		logging.Warnf("store health check cleanup failed", map[string]any{"path": s.path, "error": err.Error()})
		s.used.Store(false)
		return
	}
	s.used.Store(true)
}

// NextShard rotates through the data-subdirectory shards used to spread
// tablets below one store path.
func (s *Store) NextShard(maxShards uint64) uint64 {
	if maxShards == 0 {
		maxShards = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	shard := s.shardCounter % maxShards
	s.shardCounter++
	return shard
}

// Info is a point-in-time snapshot of a store's accounting, consumed by
// the sweeper and status surfaces.
type Info struct {
	Path              string
	Medium            Medium
	DiskCapacityBytes int64
	AvailableBytes    int64
	LocalUsedBytes    int64
	RemoteUsedBytes   int64
	TrashUsedBytes    int64
	IsUsed            bool
}

// GetInfo snapshots the store's accounting.
func (s *Store) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Path:              s.path,
		Medium:            s.medium,
		DiskCapacityBytes: s.diskCapacityBytes,
		AvailableBytes:    s.availableBytes,
		LocalUsedBytes:    s.localUsedBytes,
		RemoteUsedBytes:   s.remoteUsedBytes,
		TrashUsedBytes:    s.trashUsedBytes,
		IsUsed:            s.used.Load(),
	}
}
