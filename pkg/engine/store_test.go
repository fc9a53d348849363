package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return store
}

func testPlan(id string, status PlanStatus, created time.Time) *Plan {
	plan := &Plan{
		ID:        id,
		Title:     "test plan " + id,
		CreatedAt: created,
		Status:    status,
		Steps: []*Step{
			{ID: "s1", ToolName: "list_files", RiskLevel: RiskLow, Status: StepStatusPending,
				Params: map[string]interface{}{"path": "."}, TimeoutSeconds: 30},
		},
		MaxConcurrentSteps: 2,
		StopOnFailure:      true,
	}
	plan.RefreshCounts()
	return plan
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	plan := testPlan("plan_rt", PlanStatusReady, time.Now().UTC())

	if err := store.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan() error = %v", err)
	}

	loaded, err := store.LoadPlan("plan_rt")
	if err != nil {
		t.Fatalf("LoadPlan() error = %v", err)
	}
	if loaded.ID != plan.ID || loaded.Title != plan.Title || loaded.Status != plan.Status {
		t.Errorf("loaded plan = %+v, want %+v", loaded, plan)
	}
	if len(loaded.Steps) != 1 || loaded.Steps[0].ToolName != "list_files" {
		t.Errorf("steps not preserved: %+v", loaded.Steps)
	}

	// The markdown companion exists alongside the canonical JSON.
	if _, err := os.Stat(filepath.Join(store.Dir(), "plan_rt.md")); err != nil {
		t.Errorf("markdown file missing: %v", err)
	}
	md, _ := os.ReadFile(filepath.Join(store.Dir(), "plan_rt.md"))
	if !strings.Contains(string(md), "plan_rt") {
		t.Errorf("markdown does not mention the plan id:\n%s", md)
	}
}

func TestLoadMissingPlan(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadPlan("plan_absent")
	if err == nil {
		t.Fatal("LoadPlan() = nil, want error")
	}
	if CodeOf(err) != ErrCodePlanNotFound {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(err), ErrCodePlanNotFound)
	}
}

func TestLoadCorruptPlan(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(filepath.Join(store.Dir(), "plan_bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := store.LoadPlan("plan_bad")
	if err == nil {
		t.Fatal("LoadPlan() = nil, want error")
	}
	if CodeOf(err) != ErrCodeStorageError {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(err), ErrCodeStorageError)
	}
}

func TestListPlans(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, status := range []PlanStatus{PlanStatusReady, PlanStatusCompleted, PlanStatusReady} {
		plan := testPlan([]string{"plan_a", "plan_b", "plan_c"}[i], status, base.Add(time.Duration(i)*time.Hour))
		if err := store.SavePlan(plan); err != nil {
			t.Fatalf("SavePlan() error = %v", err)
		}
	}

	all, err := store.ListPlans("")
	if err != nil {
		t.Fatalf("ListPlans() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListPlans() returned %d plans, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != "plan_c" || all[2].ID != "plan_a" {
		t.Errorf("order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	ready, err := store.ListPlans(PlanStatusReady)
	if err != nil {
		t.Fatalf("ListPlans(ready) error = %v", err)
	}
	if len(ready) != 2 {
		t.Errorf("ListPlans(ready) returned %d plans, want 2", len(ready))
	}
}

func TestListPlansMarksUnreadableFiles(t *testing.T) {
	store := newTestStore(t)
	if err := store.SavePlan(testPlan("plan_ok", PlanStatusReady, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "garbage.json"), []byte("]["), 0o644); err != nil {
		t.Fatal(err)
	}

	plans, err := store.ListPlans("")
	if err != nil {
		t.Fatalf("ListPlans() error = %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("ListPlans() returned %d entries, want one per json file", len(plans))
	}
	byID := map[string]PlanSummary{}
	for _, p := range plans {
		byID[p.ID] = p
	}
	if byID["plan_ok"].LoadError != "" {
		t.Errorf("plan_ok LoadError = %q, want empty", byID["plan_ok"].LoadError)
	}
	bad, ok := byID["garbage"]
	if !ok {
		t.Fatal("unreadable file missing from listing")
	}
	if bad.LoadError == "" {
		t.Error("garbage LoadError is empty, want parse error")
	}

	// Status-filtered listings exclude entries whose status is unknown.
	ready, err := store.ListPlans(PlanStatusReady)
	if err != nil {
		t.Fatalf("ListPlans(ready) error = %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "plan_ok" {
		t.Errorf("ListPlans(ready) = %v, want only plan_ok", ready)
	}
}

func TestDeletePlan(t *testing.T) {
	store := newTestStore(t)
	if err := store.SavePlan(testPlan("plan_del", PlanStatusCompleted, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	if err := store.DeletePlan("plan_del"); err != nil {
		t.Fatalf("DeletePlan() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "plan_del.json")); !os.IsNotExist(err) {
		t.Error("plan json still exists after delete")
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "plan_del.md")); !os.IsNotExist(err) {
		t.Error("plan markdown still exists after delete")
	}
}

func TestDeletePlanRefusesRunning(t *testing.T) {
	store := newTestStore(t)
	if err := store.SavePlan(testPlan("plan_live", PlanStatusRunning, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	err := store.DeletePlan("plan_live")
	if err == nil {
		t.Fatal("DeletePlan() = nil, want error for running plan")
	}
	if CodeOf(err) != ErrCodePlanNotExecutable {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(err), ErrCodePlanNotExecutable)
	}
	if _, loadErr := store.LoadPlan("plan_live"); loadErr != nil {
		t.Errorf("running plan was removed: %v", loadErr)
	}
}
