package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
)

const (
	testMessageID  = "3b241101-e2bb-4255-8caf-4136c566a962"
	testTaskID     = "9f86d081-884c-4d63-a1b1-8c0a6a1f8e0b"
	testWorkflowID = "b7e23ec2-9a5b-4c11-9d2e-6c1f4a5d8e0c"
)

func validTask() TaskEnvelope {
	return TaskEnvelope{
		MessageID:  testMessageID,
		TaskID:     testTaskID,
		WorkflowID: testWorkflowID,
		AgentType:  "backend",
		Priority:   5,
		Status:     StatusPending,
		Constraints: Constraints{
			TimeoutMs:          300000,
			MaxRetries:         3,
			RequiredConfidence: 0.8,
		},
		Payload: json.RawMessage(`{"instruction":"build the api"}`),
		Metadata: Metadata{
			CreatedAt:       time.Now().UTC(),
			CreatedBy:       "orchestrator",
			EnvelopeVersion: Version,
		},
		Trace: Trace{
			TraceID:      "c3a9f1d0-0000-4000-8000-000000000001",
			SpanID:       "span-1",
			ParentSpanID: "span-0",
		},
		WorkflowContext: WorkflowContext{
			WorkflowType: "app",
			CurrentStage: "backend",
			PlatformID:   "platform-1",
		},
	}
}

func validResult() ResultEnvelope {
	dur := int64(1200)
	return ResultEnvelope{
		TaskID:     testTaskID,
		WorkflowID: testWorkflowID,
		AgentID:    "agent-7",
		AgentType:  "backend",
		Success:    true,
		Status:     StatusCompleted,
		Action:     "generate_code",
		Result:     json.RawMessage(`{"files":3}`),
		Metrics:    Metrics{DurationMs: &dur},
		Timestamp:  time.Now().UTC(),
		Version:    Version,
		Stage:      "backend",
	}
}

func TestParseTaskRoundTrip(t *testing.T) {
	in := validTask()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	out, err := ParseTask(data)
	if err != nil {
		t.Fatalf("ParseTask failed: %v", err)
	}
	if out.TaskID != in.TaskID || out.WorkflowID != in.WorkflowID {
		t.Errorf("ids lost in transit: %+v", out)
	}
	if out.WorkflowContext.CurrentStage != "backend" {
		t.Errorf("current_stage = %q, want backend", out.WorkflowContext.CurrentStage)
	}
	if out.Constraints.TimeoutMs != 300000 {
		t.Errorf("timeout_ms = %d, want 300000", out.Constraints.TimeoutMs)
	}
}

func TestParseTaskRejectsBadJSON(t *testing.T) {
	_, err := ParseTask([]byte("{not json"))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("error kind = %v, want validation", err)
	}
}

func TestParseTaskRejectsMissingFields(t *testing.T) {
	env := validTask()
	env.WorkflowID = ""
	env.AgentType = ""
	data, _ := json.Marshal(env)

	_, err := ParseTask(data)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ae := apperr.From(err)
	if ae.Code != apperr.CodeValidationFailed {
		t.Errorf("code = %q, want VALIDATION_FAILED", ae.Code)
	}
	if len(ae.Details) == 0 {
		t.Error("expected per-field details on the validation error")
	}
}

func TestParseTaskRejectsNonUUIDIDs(t *testing.T) {
	env := validTask()
	env.TaskID = "not-a-uuid"
	data, _ := json.Marshal(env)

	if _, err := ParseTask(data); err == nil {
		t.Fatal("expected validation error for malformed task_id")
	}
}

func TestParseResultRoundTrip(t *testing.T) {
	in := validResult()
	data, _ := json.Marshal(in)

	out, err := ParseResult(data)
	if err != nil {
		t.Fatalf("ParseResult failed: %v", err)
	}
	if out.Stage != "backend" {
		t.Errorf("stage = %q, want backend", out.Stage)
	}
	if out.Metrics.DurationMs == nil || *out.Metrics.DurationMs != 1200 {
		t.Errorf("duration_ms = %v, want 1200", out.Metrics.DurationMs)
	}
}

func TestParseResultRequiresDuration(t *testing.T) {
	env := validResult()
	env.Metrics = Metrics{}
	data, _ := json.Marshal(env)

	if _, err := ParseResult(data); err == nil {
		t.Fatal("expected validation error for missing duration_ms")
	}

	// Present-but-zero is valid: duration must be reported, not positive.
	zero := int64(0)
	env.Metrics = Metrics{DurationMs: &zero}
	data, _ = json.Marshal(env)
	if _, err := ParseResult(data); err != nil {
		t.Fatalf("zero duration rejected: %v", err)
	}
}

func TestParseResultVersionLiteral(t *testing.T) {
	env := validResult()
	env.Version = "2.0.0"
	data, _ := json.Marshal(env)

	if _, err := ParseResult(data); err == nil {
		t.Fatal("expected validation error for version other than 1.0.0")
	}
}

func TestParseResultRejectsUnknownStatus(t *testing.T) {
	env := validResult()
	env.Status = "exploded"
	data, _ := json.Marshal(env)

	if _, err := ParseResult(data); err == nil {
		t.Fatal("expected validation error for unknown status")
	}
}

func TestResultSuccessStatusConsistency(t *testing.T) {
	env := validResult()
	env.Success = true
	env.Status = StatusFailed
	data, _ := json.Marshal(env)
	if _, err := ParseResult(data); err == nil {
		t.Error("success=true with status=failed should be rejected")
	}

	env = validResult()
	env.Success = false
	env.Status = StatusCompleted
	data, _ = json.Marshal(env)
	if _, err := ParseResult(data); err == nil {
		t.Error("success=false with status=completed should be rejected")
	}

	// failed + success=false is the normal failure shape.
	env = validResult()
	env.Success = false
	env.Status = StatusFailed
	env.Error = &ErrorDetail{Code: "AGENT_ERROR", Message: "boom", Retryable: true}
	data, _ = json.Marshal(env)
	if _, err := ParseResult(data); err != nil {
		t.Errorf("well-formed failure rejected: %v", err)
	}
}

func TestEventID(t *testing.T) {
	got := EventID("task-1", "agent-1", StatusCompleted)
	want := "e83ecbe97f0a0abacb3ca7fcb343c011fa1afe1a"
	if got != want {
		t.Errorf("EventID = %s, want %s", got, want)
	}

	if EventID("task-1", "agent-1", StatusFailed) == got {
		t.Error("different status should produce a different event id")
	}

	env := validResult()
	env.TaskID, env.AgentID, env.Status = "task-1", "agent-1", StatusCompleted
	if env.EventID() != want {
		t.Errorf("ResultEnvelope.EventID = %s, want %s", env.EventID(), want)
	}
}

func TestParseEvent(t *testing.T) {
	ev := LifecycleEvent{
		EventType:  EventStageCompleted,
		WorkflowID: testWorkflowID,
		TraceID:    "trace-1",
		Timestamp:  time.Now().UTC(),
		Payload:    json.RawMessage(`{"stage":"backend"}`),
	}
	data, _ := json.Marshal(ev)

	out, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if out.EventType != EventStageCompleted {
		t.Errorf("event_type = %q", out.EventType)
	}
}

func TestParseEventRejectsUnknownType(t *testing.T) {
	ev := LifecycleEvent{
		EventType: "workflow.abducted",
		TraceID:   "trace-1",
		Timestamp: time.Now().UTC(),
	}
	data, _ := json.Marshal(ev)

	_, err := ParseEvent(data)
	if err == nil {
		t.Fatal("expected validation error for uncatalogued event type")
	}
	if !strings.Contains(err.Error(), "workflow.abducted") {
		t.Errorf("error should name the offending type: %v", err)
	}
}

func TestEventTypeKnown(t *testing.T) {
	for _, et := range []EventType{
		EventWorkflowCreated, EventWorkflowStarted, EventStageCompleted,
		EventStageFailed, EventWorkflowCompleted, EventWorkflowFailed,
		EventWorkflowCancelled, EventWorkflowPaused, EventWorkflowResumed,
		EventTaskCreated, EventTaskCompleted, EventTaskFailed,
		EventTaskTimeout, EventAgentRegistered, EventAgentHeartbeat,
		EventAgentOffline,
	} {
		if !et.Known() {
			t.Errorf("%s should be catalogued", et)
		}
	}
	if EventType("workflow.unknown").Known() {
		t.Error("uncatalogued type reported as known")
	}
}
