package tablet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryManagerCreateAndLookup(t *testing.T) {
	m := NewMemoryManager()
	root := t.TempDir()

	req := CreateRequest{TabletID: 10, PartitionID: 1, SchemaHash: 555}
	if err := m.CreateTablet(context.Background(), req, []string{root}); err != nil {
		t.Fatalf("CreateTablet: %v", err)
	}
	dir := filepath.Join(root, "data", "10", "555")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("tablet dir missing: %v", err)
	}

	tab := m.GetTablet(10)
	if tab == nil {
		t.Fatal("tablet not registered")
	}
	if got := m.GetTabletWithUID(10, tab.UID(), false); got == nil {
		t.Error("uid lookup should find the tablet")
	}
	if err := m.CreateTablet(context.Background(), req, []string{root}); err == nil {
		t.Error("duplicate create should fail")
	}
}

func TestMemoryManagerCreateFallsThroughStores(t *testing.T) {
	m := NewMemoryManager()
	good := t.TempDir()
	// A file in place of the first root makes MkdirAll fail there.
	bad := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(bad, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	req := CreateRequest{TabletID: 11, SchemaHash: 1}
	if err := m.CreateTablet(context.Background(), req, []string{bad, good}); err != nil {
		t.Fatalf("CreateTablet: %v", err)
	}
	if _, err := os.Stat(filepath.Join(good, "data", "11", "1")); err != nil {
		t.Errorf("tablet should land on the second store: %v", err)
	}
}

func TestMemoryManagerDropAndSweep(t *testing.T) {
	m := NewMemoryManager()
	root := t.TempDir()
	req := CreateRequest{TabletID: 12, SchemaHash: 1}
	if err := m.CreateTablet(context.Background(), req, []string{root}); err != nil {
		t.Fatal(err)
	}
	uid := m.GetTablet(12).UID()

	if !m.DropTablet(12) {
		t.Fatal("DropTablet should report success")
	}
	if m.GetTablet(12) != nil {
		t.Error("dropped tablet must leave the live set")
	}
	if m.GetTabletWithUID(12, uid, true) == nil {
		t.Error("dropped tablet stays reachable with includeDeleted")
	}

	if err := m.StartTrashSweep(context.Background()); err != nil {
		t.Fatalf("StartTrashSweep: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "data", "12")); !os.IsNotExist(err) {
		t.Error("sweep should remove the tablet directory")
	}
	if m.GetTabletWithUID(12, uid, true) != nil {
		t.Error("swept tablet should be fully forgotten")
	}
}

func TestMemoryManagerUpdateRootPathInfo(t *testing.T) {
	m := NewMemoryManager()
	root := t.TempDir()
	req := CreateRequest{TabletID: 13, SchemaHash: 1}
	if err := m.CreateTablet(context.Background(), req, []string{root}); err != nil {
		t.Fatal(err)
	}
	seg := filepath.Join(root, "data", "13", "1", "rs_0.dat")
	if err := os.WriteFile(seg, make([]byte, 256), 0o644); err != nil {
		t.Fatal(err)
	}

	infos := map[string]*PathInfo{
		root:        {},
		t.TempDir(): {},
	}
	if counted := m.UpdateRootPathInfo(infos); counted != 1 {
		t.Errorf("counted = %d, want 1", counted)
	}
	if infos[root].LocalUsedBytes != 256 {
		t.Errorf("local used = %d, want 256", infos[root].LocalUsedBytes)
	}
}

func TestMemoryTxnManager(t *testing.T) {
	m := NewMemoryTxnManager()
	tab := NewMockTablet(1, uuid.New())
	otherUID := uuid.New()

	m.RecordTxn(100, 7, Info{TabletID: 1, TabletUID: tab.TabletUID})
	m.RecordTxn(100, 8, Info{TabletID: 2, TabletUID: otherUID})

	parts := m.PartitionIDs(100)
	if len(parts) != 2 {
		t.Fatalf("partitions = %v, want 2", parts)
	}
	if got := m.TxnRelatedTablets(100, 7); len(got) != 1 || got[0].TabletID != 1 {
		t.Errorf("related = %v", got)
	}
	if got := m.AllRelatedTablets(); len(got) != 2 {
		t.Errorf("all related = %v", got)
	}

	if err := m.DeleteTxn(7, tab, 100); err != nil {
		t.Fatal(err)
	}
	if got := m.TxnRelatedTablets(100, 7); len(got) != 0 {
		t.Errorf("partition 7 should be empty, got %v", got)
	}

	m.ForceRollbackTabletRelatedTxns(2, otherUID)
	if got := m.AllRelatedTablets(); len(got) != 0 {
		t.Errorf("all related after rollback = %v", got)
	}
	if parts := m.PartitionIDs(100); len(parts) != 0 {
		t.Errorf("txn should be fully dropped, got partitions %v", parts)
	}
}

func TestLocalTabletRowsetGraph(t *testing.T) {
	m := NewMemoryManager()
	root := t.TempDir()
	if err := m.CreateTablet(context.Background(), CreateRequest{TabletID: 14, SchemaHash: 1}, []string{root}); err != nil {
		t.Fatal(err)
	}
	tab := m.GetTablet(14).(*localTablet)

	if tab.RowsetMetaIsUseful("rs-1") {
		t.Error("unknown rowset must not be useful")
	}
	tab.AddUsefulRowset("rs-1")
	if !tab.RowsetMetaIsUseful("rs-1") {
		t.Error("added rowset should be useful")
	}
	tab.RemoveUsefulRowset("rs-1")
	if tab.RowsetMetaIsUseful("rs-1") {
		t.Error("removed rowset must not be useful")
	}
}
