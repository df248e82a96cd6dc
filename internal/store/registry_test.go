package store

import (
	"errors"
	"os"
	"testing"
)

func openTestRegistry(t *testing.T, n int, opts RegistryOptions) *Registry {
	t.Helper()
	specs := make([]PathSpec, n)
	for i := range specs {
		specs[i] = PathSpec{Path: t.TempDir(), Medium: MediumHDD}
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = testLimits()
	}
	r, err := OpenRegistry(specs, opts)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpenRegistryRequiresPaths(t *testing.T) {
	if _, err := OpenRegistry(nil, RegistryOptions{}); !errors.Is(err, ErrNoUsableStore) {
		t.Errorf("err = %v, want ErrNoUsableStore", err)
	}
}

func TestReconcileClusterIDFreshCluster(t *testing.T) {
	r := openTestRegistry(t, 3, RegistryOptions{})

	id, err := r.ReconcileClusterID(-1)
	if err != nil {
		t.Fatalf("ReconcileClusterID: %v", err)
	}
	if id != -1 {
		t.Errorf("fresh cluster id = %d, want -1", id)
	}

	// Coordinator hands out an id; every store must adopt it.
	id, err = r.ReconcileClusterID(7)
	if err != nil {
		t.Fatalf("ReconcileClusterID(7): %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
	for _, st := range r.GetStores(true) {
		if st.ClusterID() != 7 {
			t.Errorf("store %s cluster id = %d, want 7", st.Path(), st.ClusterID())
		}
	}

	// Reconciling again is a no-op.
	if id, err = r.ReconcileClusterID(7); err != nil || id != 7 {
		t.Errorf("idempotent reconcile = (%d, %v), want (7, nil)", id, err)
	}
}

func TestReconcileClusterIDAdoptsStoreID(t *testing.T) {
	r := openTestRegistry(t, 2, RegistryOptions{})
	stores := r.GetStores(true)
	if err := stores[0].SetClusterID(11); err != nil {
		t.Fatal(err)
	}

	id, err := r.ReconcileClusterID(-1)
	if err != nil {
		t.Fatalf("ReconcileClusterID: %v", err)
	}
	if id != 11 {
		t.Errorf("id = %d, want 11", id)
	}
	if stores[1].ClusterID() != 11 {
		t.Error("second store did not adopt the reconciled id")
	}
}

func TestReconcileClusterIDMismatch(t *testing.T) {
	r := openTestRegistry(t, 2, RegistryOptions{})
	stores := r.GetStores(true)
	if err := stores[0].SetClusterID(1); err != nil {
		t.Fatal(err)
	}
	if err := stores[1].SetClusterID(2); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ReconcileClusterID(-1); !errors.Is(err, ErrClusterIDMismatch) {
		t.Errorf("err = %v, want ErrClusterIDMismatch", err)
	}
	if _, err := r.ReconcileClusterID(1); !errors.Is(err, ErrClusterIDMismatch) {
		t.Errorf("configured-vs-store err = %v, want ErrClusterIDMismatch", err)
	}
}

func TestBrokenPathsPersistAndMark(t *testing.T) {
	var persisted [][]string
	r := openTestRegistry(t, 2, RegistryOptions{
		PersistBrokenPaths: func(paths []string) error {
			persisted = append(persisted, append([]string(nil), paths...))
			return nil
		},
	})
	target := r.GetStores(true)[0]

	if !r.AddBrokenPath(target.Path()) {
		t.Fatal("first AddBrokenPath should report a change")
	}
	if r.AddBrokenPath(target.Path()) {
		t.Error("second AddBrokenPath should be a no-op")
	}
	if target.IsUsed() {
		t.Error("broken store should be marked unused")
	}
	if len(r.GetStores(false)) != 1 {
		t.Error("broken store should be filtered from the usable set")
	}

	if !r.RemoveBrokenPath(target.Path()) {
		t.Fatal("RemoveBrokenPath should report a change")
	}
	if r.RemoveBrokenPath(target.Path()) {
		t.Error("removing twice should be a no-op")
	}
	if len(persisted) != 2 {
		t.Fatalf("persist calls = %d, want 2", len(persisted))
	}
	if len(persisted[0]) != 1 || len(persisted[1]) != 0 {
		t.Errorf("persisted sets = %v", persisted)
	}
}

func TestCheckDiskHealthTerminates(t *testing.T) {
	var reason string
	r := openTestRegistry(t, 1, RegistryOptions{
		MaxErrorDiskPercent: 0,
		Terminate:           func(s string) { reason = s },
	})
	target := r.GetStores(true)[0]

	r.CheckDiskHealth()
	if reason != "" {
		t.Fatalf("healthy registry terminated: %s", reason)
	}

	if err := os.RemoveAll(target.Path()); err != nil {
		t.Fatal(err)
	}
	r.CheckDiskHealth()
	if reason == "" {
		t.Error("registry with every disk broken should terminate")
	}
}

func TestAvailableMediumCount(t *testing.T) {
	specs := []PathSpec{
		{Path: t.TempDir(), Medium: MediumHDD},
		{Path: t.TempDir(), Medium: MediumSSD},
		{Path: t.TempDir(), Medium: MediumSSD},
	}
	r, err := OpenRegistry(specs, RegistryOptions{Limits: testLimits()})
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer r.Close()

	if got := r.AvailableMediumCount(); got != 2 {
		t.Errorf("AvailableMediumCount = %d, want 2", got)
	}
}
