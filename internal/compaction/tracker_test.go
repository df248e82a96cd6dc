package compaction

import (
	"encoding/json"
	"testing"
)

func TestRegisterTabletMutualExclusion(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())

	if !tr.RegisterTablet("/disk1", TypeCumulative, 1) {
		t.Fatal("first admission should succeed")
	}
	if tr.RegisterTablet("/disk1", TypeCumulative, 1) {
		t.Error("same type, same store: must reject")
	}
	if tr.RegisterTablet("/disk1", TypeBase, 1) {
		t.Error("other type, same tablet: must reject")
	}
	if tr.RegisterTablet("/disk2", TypeCumulative, 1) {
		t.Error("other store, same tablet: must reject")
	}
	if !tr.RegisterTablet("/disk1", TypeBase, 2) {
		t.Error("different tablet should be admitted")
	}

	if !tr.HasTablet(1) || !tr.HasTablet(2) {
		t.Error("HasTablet should see both admissions")
	}

	tr.DeregisterTablet("/disk1", TypeCumulative, 1)
	if tr.HasTablet(1) {
		t.Error("deregistered tablet should be gone")
	}
	if !tr.RegisterTablet("/disk2", TypeBase, 1) {
		t.Error("tablet should be admittable again after release")
	}
}

func TestLowPrioritySlots(t *testing.T) {
	tr := NewTracker(TrackerConfig{EnablePriorityScheduling: true, MaxLowPriorityJobs: 2})

	if !tr.TryAdmitLowPriority("/disk1") || !tr.TryAdmitLowPriority("/disk1") {
		t.Fatal("two slots should be available")
	}
	if tr.TryAdmitLowPriority("/disk1") {
		t.Error("third admission on the same store must be rejected")
	}
	// Each store has its own slots.
	if !tr.TryAdmitLowPriority("/disk2") {
		t.Error("other store should have its own slots")
	}

	tr.ReleaseLowPriority("/disk1")
	if !tr.TryAdmitLowPriority("/disk1") {
		t.Error("released slot should be reusable")
	}
}

func TestLowPriorityPassThroughWhenDisabled(t *testing.T) {
	tr := NewTracker(TrackerConfig{EnablePriorityScheduling: false, MaxLowPriorityJobs: 1})
	for i := 0; i < 10; i++ {
		if !tr.TryAdmitLowPriority("/disk1") {
			t.Fatal("disabled priority scheduling must always admit")
		}
	}
	tr.ReleaseLowPriority("/disk1")
}

func TestStatusJSONShape(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	tr.RegisterTablet("/disk1", TypeCumulative, 3)
	tr.RegisterTablet("/disk1", TypeCumulative, 1)
	tr.RegisterTablet("/disk2", TypeBase, 2)

	data, err := tr.StatusJSON()
	if err != nil {
		t.Fatalf("StatusJSON: %v", err)
	}

	var status map[string]map[string][]string
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cumu, ok := status["CumulativeCompaction"]
	if !ok {
		t.Fatal("missing CumulativeCompaction key")
	}
	base, ok := status["BaseCompaction"]
	if !ok {
		t.Fatal("missing BaseCompaction key")
	}
	// Ids render as strings, sorted numerically.
	if got := cumu["/disk1"]; len(got) != 2 || got[0] != "1" || got[1] != "3" {
		t.Errorf("cumulative /disk1 = %v, want [1 3] as strings", got)
	}
	if got := base["/disk2"]; len(got) != 1 || got[0] != "2" {
		t.Errorf("base /disk2 = %v, want [2] as strings", got)
	}
}

func TestAdmittedCount(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	tr.RegisterTablet("/disk1", TypeCumulative, 1)
	tr.RegisterTablet("/disk2", TypeCumulative, 2)
	tr.RegisterTablet("/disk1", TypeBase, 3)

	if got := tr.AdmittedCount(TypeCumulative); got != 2 {
		t.Errorf("cumulative count = %d, want 2", got)
	}
	if got := tr.AdmittedCount(TypeBase); got != 1 {
		t.Errorf("base count = %d, want 1", got)
	}
}
