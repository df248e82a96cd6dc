// Package sweep reclaims disk space from expired trash and snapshot
// directories.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarry-db/quarry/internal/logging"
	"github.com/quarry-db/quarry/internal/metrics"
	"github.com/quarry-db/quarry/internal/store"
)

// timeLayout is the timestamp prefix of trash and snapshot directory
// names. Lexicographic order equals chronological order.
const timeLayout = "20060102150405"

// ErrSweepInProgress is returned when another sweep holds the lock.
// Guard-ignoring requests are remembered and honored when the running
// sweep finishes.
var ErrSweepInProgress = errors.New("sweep: already in progress")

// Config tunes the sweeper.
type Config struct {
	// TrashExpiry is how long trash directories are kept.
	TrashExpiry time.Duration

	// SnapshotExpiry is how long snapshot directories are kept unless
	// the directory name carries its own timeout.
	SnapshotExpiry time.Duration

	// GuardUsagePercent scales the flood-stage percent into the usage
	// ratio above which trash is deleted regardless of age.
	FloodStagePercent int

	// DeleteBatchSize throttles deletions: after this many removals the
	// sweeper pauses for DeleteBatchInterval.
	DeleteBatchSize     int
	DeleteBatchInterval time.Duration
}

// DefaultConfig returns the defaults used by the engine.
func DefaultConfig() Config {
	return Config{
		TrashExpiry:         72 * time.Hour,
		SnapshotExpiry:      48 * time.Hour,
		FloodStagePercent:   90,
		DeleteBatchSize:     10,
		DeleteBatchInterval: 100 * time.Millisecond,
	}
}

// Sweeper deletes expired trash and snapshot directories across all
// stores. At most one sweep runs at a time; a guard-ignoring sweep
// requested while one is running is deferred, not dropped.
type Sweeper struct {
	cfg      Config
	registry *store.Registry
	metrics  *metrics.SweepMetrics

	running   atomic.Bool
	needSweep atomic.Bool

	// cleanup, when set, runs after the per-store sweep of every pass,
	// still under the sweep lock.
	cleanup func(ctx context.Context)

	now func() time.Time
}

// New creates a Sweeper. metrics may be nil.
func New(cfg Config, registry *store.Registry, m *metrics.SweepMetrics) *Sweeper {
	def := DefaultConfig()
	if cfg.TrashExpiry <= 0 {
		cfg.TrashExpiry = def.TrashExpiry
	}
	if cfg.SnapshotExpiry <= 0 {
		cfg.SnapshotExpiry = def.SnapshotExpiry
	}
	if cfg.FloodStagePercent <= 0 {
		cfg.FloodStagePercent = def.FloodStagePercent
	}
	if cfg.DeleteBatchSize <= 0 {
		cfg.DeleteBatchSize = def.DeleteBatchSize
	}
	if cfg.DeleteBatchInterval <= 0 {
		cfg.DeleteBatchInterval = def.DeleteBatchInterval
	}
	if m == nil {
		m = metrics.NewSweepMetricsWithRegistry(prometheus.NewRegistry())
	}
	return &Sweeper{
		cfg:      cfg,
		registry: registry,
		metrics:  m,
		now:      time.Now,
	}
}

// SetCleanupHook installs fn to run at the end of every sweep pass.
// Must be called before the sweeper is shared across goroutines.
func (s *Sweeper) SetCleanupHook(fn func(ctx context.Context)) {
	s.cleanup = fn
}

// Sweep removes expired snapshot and trash directories from every store
// and returns the highest per-store usage ratio observed. ignoreGuard
// deletes all trash regardless of age and usage. When another sweep is
// running ErrSweepInProgress is returned; a guard-ignoring request is
// additionally deferred to the end of that sweep so it is never lost.
func (s *Sweeper) Sweep(ctx context.Context, ignoreGuard bool) (float64, error) {
	if !s.running.CompareAndSwap(false, true) {
		if ignoreGuard {
			s.needSweep.Store(true)
		}
		return 0, ErrSweepInProgress
	}
	defer s.running.Store(false)

	maxUsage, err := s.sweepOnce(ctx, ignoreGuard)
	for err == nil && s.needSweep.CompareAndSwap(true, false) {
		maxUsage, err = s.sweepOnce(ctx, true)
	}
	return maxUsage, err
}

func (s *Sweeper) sweepOnce(ctx context.Context, ignoreGuard bool) (float64, error) {
	start := s.now()
	guard := 0.0
	if !ignoreGuard {
		guard = float64(s.cfg.FloodStagePercent) / 100 * 0.9
	}

	// Stores with the least room left are swept first.
	stores := s.registry.GetStores(false)
	sort.SliceStable(stores, func(i, j int) bool {
		return stores[i].GetInfo().AvailableBytes < stores[j].GetInfo().AvailableBytes
	})

	var errs []error
	maxUsage := 0.0
	for _, st := range stores {
		if err := ctx.Err(); err != nil {
			return maxUsage, err
		}
		usage := st.UsageRatio(0)
		if usage > maxUsage {
			maxUsage = usage
		}

		removed, err := s.sweepDir(ctx, st.SnapshotDir(), s.cfg.SnapshotExpiry)
		if err != nil {
			errs = append(errs, err)
		}
		s.metrics.SnapshotDirsRemoved.Add(float64(removed))

		trashExpiry := s.cfg.TrashExpiry
		if usage > guard {
			if !ignoreGuard {
				logging.Warnf("disk usage above trash guard, sweeping all trash", map[string]any{
					"store": st.Path(), "usage": usage, "guard": guard,
				})
			}
			trashExpiry = 0
		}
		removed, err = s.sweepDir(ctx, st.TrashDir(), trashExpiry)
		if err != nil {
			errs = append(errs, err)
		}
		s.metrics.TrashDirsRemoved.Add(float64(removed))

		st.UpdateTrashCapacity()
	}

	if s.cleanup != nil && ctx.Err() == nil {
		s.cleanup(ctx)
	}

	err := errors.Join(errs...)
	s.metrics.SweepsTotal.Inc()
	s.metrics.SweepDuration.Observe(s.now().Sub(start).Seconds())
	s.metrics.LastMaxDiskUsage.Set(maxUsage)
	if err != nil {
		s.metrics.SweepFailures.Inc()
	}
	return maxUsage, err
}

// sweepDir removes expired entries of dir. Entry names start with a
// creation timestamp and may carry a per-entry timeout as their third
// dot-separated field. Entries are visited oldest first and the scan
// stops at the first unexpired entry.
func (s *Sweeper) sweepDir(ctx context.Context, dir string, expiry time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sweep: read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	now := s.now()
	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		created, override, ok := parseEntryName(name)
		if !ok {
			logging.Warnf("unparseable sweep entry, skipping", map[string]any{
				"dir": dir, "name": name,
			})
			continue
		}
		keep := expiry
		if override > 0 {
			keep = override
		}
		if now.Sub(created) < keep {
			break
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("sweep: remove %s: %w", name, err)
		}
		removed++
		if removed%s.cfg.DeleteBatchSize == 0 {
			select {
			case <-ctx.Done():
				return removed, ctx.Err()
			case <-time.After(s.cfg.DeleteBatchInterval):
			}
		}
	}
	return removed, nil
}

// parseEntryName splits "<timestamp>[.<counter>[.<timeoutSeconds>]]".
func parseEntryName(name string) (created time.Time, override time.Duration, ok bool) {
	parts := strings.Split(name, ".")
	created, err := time.ParseInLocation(timeLayout, parts[0], time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	if len(parts) >= 3 {
		secs, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || secs < 0 {
			return time.Time{}, 0, false
		}
		override = time.Duration(secs) * time.Second
	}
	return created, override, true
}

// NewEntryName builds a directory name for a trash or snapshot entry
// created at ts. counter disambiguates entries created in the same
// second; timeoutSeconds, when positive, overrides the sweep expiry.
func NewEntryName(ts time.Time, counter int64, timeoutSeconds int64) string {
	name := ts.Format(timeLayout) + "." + strconv.FormatInt(counter, 10)
	if timeoutSeconds > 0 {
		name += "." + strconv.FormatInt(timeoutSeconds, 10)
	}
	return name
}
