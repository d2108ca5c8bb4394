package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	st, cleanup, err := store.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	return New(st, log), st
}

func seedWorkflow(t *testing.T, st *store.Store, name string, status store.WorkflowStatus, completedAfter time.Duration) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{Name: name, Type: "app", Status: status, TraceID: "trace-" + name}
	if completedAfter > 0 {
		done := time.Now().UTC().Add(completedAfter)
		wf.CompletedAt = &done
	}
	if err := st.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("failed to seed workflow %s: %v", name, err)
	}
	return wf
}

func seedTask(t *testing.T, st *store.Store, workflowID, agentType string, status store.TaskStatus, completedAfter time.Duration) {
	t.Helper()
	task := &store.AgentTask{
		WorkflowID: workflowID,
		StageName:  "stage",
		AgentType:  agentType,
		Status:     status,
		TraceID:    "trace",
		SpanID:     "span",
	}
	if completedAfter > 0 {
		done := time.Now().UTC().Add(completedAfter)
		task.CompletedAt = &done
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
}

func TestOverviewCountsAndRates(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf1 := seedWorkflow(t, st, "done-1", store.WorkflowCompleted, 90*time.Second)
	seedWorkflow(t, st, "done-2", store.WorkflowCompleted, 30*time.Second)
	seedWorkflow(t, st, "broken", store.WorkflowFailed, 0)
	running := seedWorkflow(t, st, "active", store.WorkflowRunning, 0)

	seedTask(t, st, running.ID, "build", store.TaskRunning, 0)
	seedTask(t, st, wf1.ID, "build", store.TaskCompleted, time.Minute)

	err := st.UpsertRegistration(ctx, &store.AgentRegistration{
		AgentID:   "agent-1",
		AgentType: "build",
		Status:    store.AgentOnline,
	})
	if err != nil {
		t.Fatalf("failed to seed registration: %v", err)
	}

	ov, err := svc.Overview(ctx)
	if err != nil {
		t.Fatalf("failed to compute overview: %v", err)
	}
	if ov.TotalWorkflows != 4 {
		t.Errorf("expected 4 workflows, got %d", ov.TotalWorkflows)
	}
	if ov.ByStatus[string(store.WorkflowCompleted)] != 2 || ov.ByStatus[string(store.WorkflowFailed)] != 1 {
		t.Errorf("unexpected status counts: %v", ov.ByStatus)
	}
	// 2 completed out of 3 terminal.
	if ov.SuccessRate < 0.66 || ov.SuccessRate > 0.67 {
		t.Errorf("expected success rate ~0.667, got %f", ov.SuccessRate)
	}
	// Durations average 90s and 30s with some clock slack.
	if ov.AvgDurationMs < 55000 || ov.AvgDurationMs > 65000 {
		t.Errorf("expected avg duration ~60000ms, got %d", ov.AvgDurationMs)
	}
	if ov.ActiveTasks != 1 {
		t.Errorf("expected 1 active task, got %d", ov.ActiveTasks)
	}
	if ov.OnlineAgents != 1 {
		t.Errorf("expected 1 online agent, got %d", ov.OnlineAgents)
	}
}

func TestAgentStatsGroupByType(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf := seedWorkflow(t, st, "wf", store.WorkflowRunning, 0)
	seedTask(t, st, wf.ID, "build", store.TaskCompleted, time.Minute)
	seedTask(t, st, wf.ID, "build", store.TaskCompleted, time.Minute)
	seedTask(t, st, wf.ID, "build", store.TaskFailed, 0)
	seedTask(t, st, wf.ID, "deploy", store.TaskTimeout, 0)

	rows, err := svc.Agents(ctx)
	if err != nil {
		t.Fatalf("failed to compute agent stats: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 agent types, got %d", len(rows))
	}
	if rows[0].AgentType != "build" || rows[0].TaskCount != 3 {
		t.Errorf("expected build first with 3 tasks, got %s/%d", rows[0].AgentType, rows[0].TaskCount)
	}
	if rows[0].SuccessRate < 0.66 || rows[0].SuccessRate > 0.67 {
		t.Errorf("expected build success rate ~0.667, got %f", rows[0].SuccessRate)
	}
	if rows[1].AgentType != "deploy" || rows[1].TimeoutCount != 1 {
		t.Errorf("expected deploy with 1 timeout, got %s/%d", rows[1].AgentType, rows[1].TimeoutCount)
	}
}

func TestTimeseriesRanges(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	seedWorkflow(t, st, "now-1", store.WorkflowCompleted, time.Second)
	seedWorkflow(t, st, "now-2", store.WorkflowRunning, 0)

	for _, rangeKey := range []string{"", "1h", "24h", "7d", "30d"} {
		ts, err := svc.Timeseries(ctx, rangeKey)
		if err != nil {
			t.Fatalf("range %q: %v", rangeKey, err)
		}
		var created int64
		for _, pt := range ts.Points {
			created += pt.Created
		}
		if created != 2 {
			t.Errorf("range %q: expected 2 created, got %d", rangeKey, created)
		}
	}

	ts, err := svc.Timeseries(ctx, "")
	if err != nil {
		t.Fatalf("default range failed: %v", err)
	}
	if ts.Range != "24h" {
		t.Errorf("expected default range 24h, got %s", ts.Range)
	}

	if _, err := svc.Timeseries(ctx, "90d"); !apperr.IsCode(err, apperr.CodeValidationFailed) {
		t.Errorf("expected VALIDATION_FAILED for unknown range, got %v", err)
	}
}

func TestRecentWorkflowsNewestFirst(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		seedWorkflow(t, st, name, store.WorkflowRunning, 0)
		time.Sleep(5 * time.Millisecond)
	}

	rows, err := svc.RecentWorkflows(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list recent workflows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 workflows, got %d", len(rows))
	}
	if rows[0].Name != "third" {
		t.Errorf("expected newest first, got %s", rows[0].Name)
	}

	rows, err = svc.RecentWorkflows(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list limited workflows: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected limit honored, got %d", len(rows))
	}
}
