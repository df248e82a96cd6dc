package tablet

import (
	"context"
	"sync"
)

// MockTablet is an in-memory Tablet implementation for testing.
type MockTablet struct {
	TabletID      ID
	TabletUID     UID
	MergeOnWrite  bool
	UsefulRowsets map[RowsetID]bool

	mu             sync.Mutex
	clearedBitmaps []RowsetID
	gcBinlogCalls  []Version
}

// NewMockTablet creates a mock tablet with the given identity.
func NewMockTablet(id ID, uid UID) *MockTablet {
	return &MockTablet{
		TabletID:      id,
		TabletUID:     uid,
		UsefulRowsets: make(map[RowsetID]bool),
	}
}

func (t *MockTablet) ID() ID   { return t.TabletID }
func (t *MockTablet) UID() UID { return t.TabletUID }

func (t *MockTablet) RowsetMetaIsUseful(rowsetID RowsetID) bool {
	useful, ok := t.UsefulRowsets[rowsetID]
	// Unknown rowsets default to useful so tests must opt in to cleanup.
	return !ok || useful
}

func (t *MockTablet) EnableUniqueKeyMergeOnWrite() bool { return t.MergeOnWrite }

func (t *MockTablet) ClearDeleteBitmap(rowsetID RowsetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearedBitmaps = append(t.clearedBitmaps, rowsetID)
}

func (t *MockTablet) GCBinlogs(version Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gcBinlogCalls = append(t.gcBinlogCalls, version)
}

// BinlogGCCalls returns the versions passed to GCBinlogs, in order.
func (t *MockTablet) BinlogGCCalls() []Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Version, len(t.gcBinlogCalls))
	copy(out, t.gcBinlogCalls)
	return out
}

// ClearedBitmaps returns the rowset ids whose delete bitmaps were cleared.
func (t *MockTablet) ClearedBitmaps() []RowsetID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RowsetID, len(t.clearedBitmaps))
	copy(out, t.clearedBitmaps)
	return out
}

// MockManager is an in-memory Manager implementation for testing.
type MockManager struct {
	mu      sync.Mutex
	tablets map[ID]*MockTablet

	CreateCalls []CreateRequest
	CreateErr   error
	SweepCalls  int
}

// NewMockManager creates an empty mock tablet manager.
func NewMockManager() *MockManager {
	return &MockManager{tablets: make(map[ID]*MockTablet)}
}

// AddTablet registers a live tablet.
func (m *MockManager) AddTablet(t *MockTablet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tablets[t.TabletID] = t
}

// DropTablet removes a tablet from the live set.
func (m *MockManager) DropTablet(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tablets, id)
}

func (m *MockManager) GetTablet(id ID) Tablet {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tablets[id]
	if !ok {
		return nil
	}
	return t
}

func (m *MockManager) GetTabletWithUID(id ID, uid UID, includeDeleted bool) Tablet {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tablets[id]
	if !ok || t.TabletUID != uid {
		return nil
	}
	return t
}

func (m *MockManager) CreateTablet(ctx context.Context, req CreateRequest, storePaths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = append(m.CreateCalls, req)
	return m.CreateErr
}

func (m *MockManager) UpdateRootPathInfo(pathInfos map[string]*PathInfo) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tablets)
}

func (m *MockManager) StartTrashSweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SweepCalls++
	return nil
}

// MockTxnManager is an in-memory TxnManager implementation for testing.
type MockTxnManager struct {
	mu         sync.Mutex
	partitions map[TxnID][]PartitionID
	related    map[TxnID]map[PartitionID][]Info
	all        []Info

	DeletedTxns  []TxnID
	RolledBack   []Info
	DeleteTxnErr error
}

// NewMockTxnManager creates an empty mock transaction manager.
func NewMockTxnManager() *MockTxnManager {
	return &MockTxnManager{
		partitions: make(map[TxnID][]PartitionID),
		related:    make(map[TxnID]map[PartitionID][]Info),
	}
}

// AddTxn records a transaction touching the given tablets in a partition.
func (m *MockTxnManager) AddTxn(txnID TxnID, partitionID PartitionID, infos ...Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[txnID] = appendUnique(m.partitions[txnID], partitionID)
	if m.related[txnID] == nil {
		m.related[txnID] = make(map[PartitionID][]Info)
	}
	m.related[txnID][partitionID] = append(m.related[txnID][partitionID], infos...)
	m.all = append(m.all, infos...)
}

func (m *MockTxnManager) PartitionIDs(txnID TxnID) []PartitionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PartitionID(nil), m.partitions[txnID]...)
}

func (m *MockTxnManager) TxnRelatedTablets(txnID TxnID, partitionID PartitionID) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Info(nil), m.related[txnID][partitionID]...)
}

func (m *MockTxnManager) DeleteTxn(partitionID PartitionID, t Tablet, txnID TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteTxnErr != nil {
		return m.DeleteTxnErr
	}
	m.DeletedTxns = append(m.DeletedTxns, txnID)
	return nil
}

func (m *MockTxnManager) AllRelatedTablets() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Info(nil), m.all...)
}

func (m *MockTxnManager) ForceRollbackTabletRelatedTxns(id ID, uid UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RolledBack = append(m.RolledBack, Info{TabletID: id, TabletUID: uid})
}

func appendUnique(ids []PartitionID, id PartitionID) []PartitionID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
