package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsman-dev/helmsman/pkg/audit"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "index.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        "run_1_deadbeef",
		PlanID:    "plan-1",
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.PlanID != "plan-1" || got.Status != RunStatusRunning {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("running run should have no completion time")
	}

	msg := "step failed"
	if err := s.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &msg); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.Status != RunStatusFailed || got.CompletedAt == nil || got.Error == nil || *got.Error != msg {
		t.Errorf("terminal run = %+v", got)
	}

	if err := s.UpdateRunStatus(ctx, "absent", RunStatusCompleted, nil); err == nil {
		t.Error("UpdateRunStatus(absent) should fail")
	}
	if _, err := s.GetRun(ctx, "absent"); err == nil {
		t.Error("GetRun(absent) should fail")
	}
}

func TestListRunsFilterAndOrder(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, planID := range []string{"plan-a", "plan-a", "plan-b"} {
		run := &Run{
			ID:        []string{"r1", "r2", "r3"}[i],
			PlanID:    planID,
			Status:    RunStatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "r3" {
		t.Errorf("ListRuns() = %d runs, newest %s", len(runs), runs[0].ID)
	}

	runs, err = s.ListRuns(ctx, "plan-a", 0)
	if err != nil {
		t.Fatalf("ListRuns(plan-a) error = %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("ListRuns(plan-a) = %d runs, want 2", len(runs))
	}
}

func TestAuditEventRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	event := audit.Event{
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Type:      audit.EventToolExecution,
		Severity:  audit.SeverityInfo,
		Actor:     "executor",
		Resource:  "a.txt",
		Action:    "execute",
		Result:    "success",
		Details:   map[string]interface{}{"duration_ms": float64(12)},
		SessionID: "session-1",
		RunID:     "run-1",
		PlanID:    "plan-1",
		ToolName:  "read_file",
	}
	if err := s.Record(event); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	events, err := s.QueryAuditEvents(ctx, AuditQuery{RunID: "run-1"})
	if err != nil {
		t.Fatalf("QueryAuditEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	got := events[0]
	if got.Type != event.Type || got.Actor != event.Actor || got.ToolName != event.ToolName ||
		got.SessionID != event.SessionID || got.PlanID != event.PlanID {
		t.Errorf("round trip = %+v, want %+v", got, event)
	}
	if got.Details["duration_ms"] != float64(12) {
		t.Errorf("details = %+v", got.Details)
	}
}

func TestQueryAuditEventsFilters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	fixtures := []audit.Event{
		{Timestamp: base.Add(-2 * time.Hour), Type: audit.EventPermissionCheck, Severity: audit.SeverityInfo, Actor: "a", SessionID: "s"},
		{Timestamp: base.Add(-1 * time.Hour), Type: audit.EventPermissionDenied, Severity: audit.SeverityWarning, Actor: "a", SessionID: "s", PlanID: "p1"},
		{Timestamp: base, Type: audit.EventPlanExecution, Severity: audit.SeverityError, Actor: "b", SessionID: "s", PlanID: "p1"},
	}
	for _, e := range fixtures {
		if err := s.Record(e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	tests := []struct {
		name  string
		query AuditQuery
		want  int
	}{
		{"all", AuditQuery{}, 3},
		{"by type", AuditQuery{Type: string(audit.EventPermissionDenied)}, 1},
		{"by severity", AuditQuery{Severity: string(audit.SeverityError)}, 1},
		{"by actor", AuditQuery{Actor: "a"}, 2},
		{"by plan", AuditQuery{PlanID: "p1"}, 2},
		{"since", AuditQuery{Since: base.Add(-90 * time.Minute)}, 2},
		{"limit", AuditQuery{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.QueryAuditEvents(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryAuditEvents() error = %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("QueryAuditEvents(%+v) = %d events, want %d", tt.query, len(events), tt.want)
			}
		})
	}

	// Newest first.
	events, _ := s.QueryAuditEvents(ctx, AuditQuery{})
	if events[0].Type != audit.EventPlanExecution {
		t.Errorf("newest event = %s", events[0].Type)
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	uninit := &SQLiteStore{}
	if err := uninit.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on uninitialized store should fail")
	}
}
