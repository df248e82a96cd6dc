package rowset

import (
	"testing"

	"github.com/google/uuid"

	"github.com/quarry-db/quarry/internal/tablet"
)

func newHandle(id string) *Rowset {
	return New(Spec{ID: tablet.RowsetID(id), TabletID: 1, TabletUID: uuid.New(), Local: true})
}

func TestUnusedTableAddIsIdempotent(t *testing.T) {
	table := NewUnusedTable()
	r := newHandle("rs-1")
	if !table.Add(r) {
		t.Fatal("first Add should succeed")
	}
	if table.Add(r) {
		t.Error("second Add should be a no-op")
	}
	if table.Len() != 1 {
		t.Errorf("Len = %d, want 1", table.Len())
	}
	if !table.Contains("rs-1") {
		t.Error("Contains should find the registered rowset")
	}
}

func TestReapSkipsReferencedRowsets(t *testing.T) {
	table := NewUnusedTable()
	pinned := newHandle("rs-pinned")
	free := newHandle("rs-free")
	table.Add(pinned)
	table.Add(free)
	pinned.Acquire()

	reaped := table.ReapExpired(100, nil)
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if !table.Contains("rs-pinned") {
		t.Error("referenced rowset must survive the reap")
	}
	if table.Contains("rs-free") {
		t.Error("unreferenced rowset should be gone")
	}

	// Once the reader lets go, the next reap takes it.
	pinned.Release()
	if got := table.ReapExpired(100, nil); got != 1 {
		t.Errorf("second reap = %d, want 1", got)
	}
}

func TestReapHonorsDelayedExpiry(t *testing.T) {
	table := NewUnusedTable()
	r := newHandle("rs-1")
	r.SetDelayedExpired(500)
	table.Add(r)

	if got := table.ReapExpired(500, nil); got != 0 {
		t.Errorf("reap at expiry boundary = %d, want 0", got)
	}
	if got := table.ReapExpired(501, nil); got != 1 {
		t.Errorf("reap past expiry = %d, want 1", got)
	}
}

func TestSetDelayedExpiredOnlyMovesForward(t *testing.T) {
	r := newHandle("rs-1")
	r.SetDelayedExpired(100)
	r.SetDelayedExpired(50)
	if got := r.DelayedExpired(); got != 100 {
		t.Errorf("DelayedExpired = %d, want 100", got)
	}
	r.SetDelayedExpired(200)
	if got := r.DelayedExpired(); got != 200 {
		t.Errorf("DelayedExpired = %d, want 200", got)
	}
}

func TestReapCallbackCanRefuse(t *testing.T) {
	table := NewUnusedTable()
	table.Add(newHandle("rs-1"))

	reaped := table.ReapExpired(100, func(*Rowset) bool { return false })
	if reaped != 0 {
		t.Errorf("reaped = %d, want 0", reaped)
	}
	if !table.Contains("rs-1") {
		t.Error("refused rowset must stay registered")
	}
}

func TestRemoveRunsExactlyOnce(t *testing.T) {
	r := newHandle("rs-1")
	calls := 0
	fn := func() error { calls++; return nil }
	if err := r.Remove(fn); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(fn); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("remove calls = %d, want 1", calls)
	}
}

func TestQueryingTablePinsAndEvicts(t *testing.T) {
	table := NewQueryingTable()
	r := newHandle("rs-1")

	table.Add(r)
	table.Add(r) // double add must not double pin
	if got := r.RefCount(); got != 2 {
		t.Fatalf("RefCount after Add = %d, want 2", got)
	}
	if table.Get("rs-1") != r {
		t.Error("Get should return the pinned handle")
	}

	if !table.Evict("rs-1") {
		t.Fatal("Evict should succeed")
	}
	if got := r.RefCount(); got != 1 {
		t.Errorf("RefCount after Evict = %d, want 1", got)
	}
	if table.Evict("rs-1") {
		t.Error("Evict of unpinned rowset should report false")
	}
}
