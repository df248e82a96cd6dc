package tablet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// localTablet is the node-local Tablet implementation kept by
// MemoryManager.
type localTablet struct {
	id  ID
	uid UID

	mu            sync.Mutex
	mergeOnWrite  bool
	usefulRowsets map[RowsetID]struct{}
	deleteBitmaps map[RowsetID]struct{}
	binlogFloor   Version
}

func (t *localTablet) ID() ID   { return t.id }
func (t *localTablet) UID() UID { return t.uid }

func (t *localTablet) RowsetMetaIsUseful(rowsetID RowsetID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.usefulRowsets[rowsetID]
	return ok
}

func (t *localTablet) EnableUniqueKeyMergeOnWrite() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeOnWrite
}

func (t *localTablet) ClearDeleteBitmap(rowsetID RowsetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deleteBitmaps, rowsetID)
}

func (t *localTablet) GCBinlogs(version Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.binlogFloor {
		t.binlogFloor = version
	}
}

// AddUsefulRowset marks a rowset as part of the tablet's version graph.
func (t *localTablet) AddUsefulRowset(rowsetID RowsetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usefulRowsets[rowsetID] = struct{}{}
}

// RemoveUsefulRowset drops a rowset from the tablet's version graph.
func (t *localTablet) RemoveUsefulRowset(rowsetID RowsetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.usefulRowsets, rowsetID)
}

// MemoryManager is the node-local tablet registry. Tablet directories
// live on disk; the index over them is kept in memory and rebuilt at
// startup.
type MemoryManager struct {
	mu      sync.Mutex
	tablets map[ID]*localTablet
	deleted map[ID]*localTablet
	homes   map[ID]string
}

// NewMemoryManager creates an empty tablet registry.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		tablets: make(map[ID]*localTablet),
		deleted: make(map[ID]*localTablet),
		homes:   make(map[ID]string),
	}
}

// GetTablet implements Manager.
func (m *MemoryManager) GetTablet(id ID) Tablet {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tablets[id]
	if !ok {
		return nil
	}
	return t
}

// GetTabletWithUID implements Manager.
func (m *MemoryManager) GetTabletWithUID(id ID, uid UID, includeDeleted bool) Tablet {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tablets[id]
	if !ok && includeDeleted {
		t, ok = m.deleted[id]
	}
	if !ok || t.uid != uid {
		return nil
	}
	return t
}

// CreateTablet implements Manager. Stores are tried in order; the first
// whose tablet directory can be created wins.
func (m *MemoryManager) CreateTablet(_ context.Context, req CreateRequest, storePaths []string) error {
	m.mu.Lock()
	if _, ok := m.tablets[req.TabletID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("tablet: %d already exists", req.TabletID)
	}
	m.mu.Unlock()

	var lastErr error
	for _, root := range storePaths {
		dir := filepath.Join(root, "data",
			strconv.FormatInt(int64(req.TabletID), 10),
			strconv.FormatInt(req.SchemaHash, 10))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			lastErr = err
			continue
		}
		t := &localTablet{
			id:            req.TabletID,
			uid:           uuid.New(),
			usefulRowsets: make(map[RowsetID]struct{}),
			deleteBitmaps: make(map[RowsetID]struct{}),
		}
		m.mu.Lock()
		m.tablets[req.TabletID] = t
		m.homes[req.TabletID] = dir
		m.mu.Unlock()
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tablet: no store accepted tablet %d", req.TabletID)
	}
	return fmt.Errorf("tablet: create %d: %w", req.TabletID, lastErr)
}

// DropTablet moves a tablet to the deleted set, keeping it reachable for
// uid lookups until its data is reclaimed.
func (m *MemoryManager) DropTablet(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tablets[id]
	if !ok {
		return false
	}
	delete(m.tablets, id)
	m.deleted[id] = t
	return true
}

// UpdateRootPathInfo implements Manager. Usage is attributed to the
// store whose path prefixes the tablet's home directory.
func (m *MemoryManager) UpdateRootPathInfo(pathInfos map[string]*PathInfo) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counted := 0
	for id := range m.tablets {
		home := m.homes[id]
		for root, info := range pathInfos {
			rel, err := filepath.Rel(root, home)
			if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
				continue
			}
			info.LocalUsedBytes += dirSize(home)
			counted++
			break
		}
	}
	return counted
}

// StartTrashSweep implements Manager, dropping the on-disk trees of
// deleted tablets.
func (m *MemoryManager) StartTrashSweep(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]ID, 0, len(m.deleted))
	for id := range m.deleted {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		home := m.homes[id]
		m.mu.Unlock()
		if home != "" {
			if err := os.RemoveAll(home); err != nil {
				return fmt.Errorf("tablet: sweep %d: %w", id, err)
			}
		}
		m.mu.Lock()
		delete(m.deleted, id)
		delete(m.homes, id)
		m.mu.Unlock()
	}
	return nil
}

func dirSize(dir string) int64 {
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

// MemoryTxnManager is the node-local transaction index.
type MemoryTxnManager struct {
	mu      sync.Mutex
	related map[TxnID]map[PartitionID][]Info
}

// NewMemoryTxnManager creates an empty transaction index.
func NewMemoryTxnManager() *MemoryTxnManager {
	return &MemoryTxnManager{related: make(map[TxnID]map[PartitionID][]Info)}
}

// RecordTxn indexes a transaction touching tablets in a partition.
func (m *MemoryTxnManager) RecordTxn(txnID TxnID, partitionID PartitionID, infos ...Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.related[txnID] == nil {
		m.related[txnID] = make(map[PartitionID][]Info)
	}
	m.related[txnID][partitionID] = append(m.related[txnID][partitionID], infos...)
}

// PartitionIDs implements TxnManager.
func (m *MemoryTxnManager) PartitionIDs(txnID TxnID) []PartitionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PartitionID
	for partitionID := range m.related[txnID] {
		out = append(out, partitionID)
	}
	return out
}

// TxnRelatedTablets implements TxnManager.
func (m *MemoryTxnManager) TxnRelatedTablets(txnID TxnID, partitionID PartitionID) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Info(nil), m.related[txnID][partitionID]...)
}

// DeleteTxn implements TxnManager.
func (m *MemoryTxnManager) DeleteTxn(partitionID PartitionID, t Tablet, txnID TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.related[txnID]
	if !ok {
		return nil
	}
	infos := parts[partitionID]
	for i, info := range infos {
		if info.TabletID == t.ID() {
			parts[partitionID] = append(infos[:i], infos[i+1:]...)
			break
		}
	}
	if len(parts[partitionID]) == 0 {
		delete(parts, partitionID)
	}
	if len(parts) == 0 {
		delete(m.related, txnID)
	}
	return nil
}

// AllRelatedTablets implements TxnManager.
func (m *MemoryTxnManager) AllRelatedTablets() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, parts := range m.related {
		for _, infos := range parts {
			out = append(out, infos...)
		}
	}
	return out
}

// ForceRollbackTabletRelatedTxns implements TxnManager, dropping every
// index entry of the tablet.
func (m *MemoryTxnManager) ForceRollbackTabletRelatedTxns(id ID, uid UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for txnID, parts := range m.related {
		for partitionID, infos := range parts {
			kept := infos[:0]
			for _, info := range infos {
				if info.TabletID != id || info.TabletUID != uid {
					kept = append(kept, info)
				}
			}
			if len(kept) == 0 {
				delete(parts, partitionID)
			} else {
				parts[partitionID] = kept
			}
		}
		if len(parts) == 0 {
			delete(m.related, txnID)
		}
	}
}

var (
	_ Manager    = (*MemoryManager)(nil)
	_ TxnManager = (*MemoryTxnManager)(nil)
)
