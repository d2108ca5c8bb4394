package machine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/definition"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/store"
)

func testDef() *definition.Definition {
	return &definition.Definition{
		ID:      "def-1",
		Name:    "pipeline",
		Version: "1.0.0",
		Stages: []definition.Stage{
			{Name: "scaffold", AgentType: "scaffold", OnSuccess: "validation", OnFailure: "fail"},
			{Name: "validation", AgentType: "validation", OnSuccess: "deployment", OnFailure: "skip"},
			{Name: "deployment", AgentType: "deployment", OnSuccess: "END", OnFailure: "fail"},
		},
	}
}

func runningAt(stage string) *store.Workflow {
	return &store.Workflow{
		ID:           "wf-1",
		Name:         "fix-login",
		Type:         "bugfix",
		Status:       store.WorkflowRunning,
		CurrentStage: stage,
		Version:      2,
		TraceID:      "trace-1",
	}
}

func now() time.Time {
	return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
}

func TestStartDispatchesFirstStage(t *testing.T) {
	wf := &store.Workflow{ID: "wf-1", Status: store.WorkflowInitiated, Version: 1}

	eff, err := Apply(wf, testDef(), Event{Kind: Start}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !eff.Changed || eff.Ignored {
		t.Fatalf("expected applied transition, got %+v", eff)
	}
	if wf.Status != store.WorkflowRunning {
		t.Errorf("expected running, got %s", wf.Status)
	}
	if wf.CurrentStage != "scaffold" {
		t.Errorf("expected scaffold, got %s", wf.CurrentStage)
	}
	if eff.Dispatch != "scaffold" {
		t.Errorf("expected scaffold dispatch, got %q", eff.Dispatch)
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventWorkflowStarted {
		t.Errorf("expected workflow.started, got %+v", eff.Events)
	}
}

func TestStartOnRunningIsIgnored(t *testing.T) {
	wf := runningAt("scaffold")

	eff, err := Apply(wf, testDef(), Event{Kind: Start}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !eff.Ignored || eff.Reason != ReasonInvalidEvent {
		t.Errorf("expected invalid_event ignore, got %+v", eff)
	}
	if wf.Status != store.WorkflowRunning || wf.CurrentStage != "scaffold" {
		t.Error("ignored event must not mutate the row")
	}
}

func TestStageCompleteAdvancesAndRecordsOutput(t *testing.T) {
	wf := runningAt("scaffold")
	out := json.RawMessage(`{"files":3}`)

	eff, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "scaffold", Output: out}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if wf.CurrentStage != "validation" {
		t.Errorf("expected validation, got %s", wf.CurrentStage)
	}
	if wf.Status != store.WorkflowRunning {
		t.Errorf("expected running, got %s", wf.Status)
	}
	if wf.Progress != 33 {
		t.Errorf("expected progress 33, got %d", wf.Progress)
	}
	if string(wf.StageOutputs["scaffold"]) != `{"files":3}` {
		t.Errorf("expected output recorded, got %s", wf.StageOutputs["scaffold"])
	}
	if eff.Dispatch != "validation" {
		t.Errorf("expected validation dispatch, got %q", eff.Dispatch)
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventStageCompleted {
		t.Errorf("expected stage.completed, got %+v", eff.Events)
	}
}

func TestFinalStageCompletesWorkflow(t *testing.T) {
	wf := runningAt("deployment")
	wf.StageOutputs = map[string]json.RawMessage{
		"scaffold":   json.RawMessage(`{}`),
		"validation": json.RawMessage(`{}`),
	}
	wf.Progress = 67

	eff, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "deployment"}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if wf.Status != store.WorkflowCompleted {
		t.Errorf("expected completed, got %s", wf.Status)
	}
	if wf.Progress != 100 {
		t.Errorf("expected progress 100, got %d", wf.Progress)
	}
	if wf.CompletedAt == nil || !wf.CompletedAt.Equal(now()) {
		t.Errorf("expected completed_at set, got %v", wf.CompletedAt)
	}
	if eff.Dispatch != "" {
		t.Errorf("expected no dispatch, got %q", eff.Dispatch)
	}
	if len(eff.Events) != 2 ||
		eff.Events[0].Type != envelope.EventStageCompleted ||
		eff.Events[1].Type != envelope.EventWorkflowCompleted {
		t.Errorf("expected stage.completed + workflow.completed, got %+v", eff.Events)
	}
}

func TestStageMismatchIsRejected(t *testing.T) {
	wf := runningAt("validation")

	eff, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "scaffold"}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !eff.Ignored || eff.Reason != ReasonStageMismatch {
		t.Errorf("expected stage_mismatch ignore, got %+v", eff)
	}
	if wf.CurrentStage != "validation" || len(wf.StageOutputs) != 0 {
		t.Error("mismatched result must not mutate the row")
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, status := range []store.WorkflowStatus{store.WorkflowCompleted, store.WorkflowCancelled} {
		wf := runningAt("validation")
		wf.Status = status

		eff, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "validation"}, now())
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if !eff.Ignored || eff.Reason != ReasonTerminal {
			t.Errorf("%s: expected terminal_state ignore, got %+v", status, eff)
		}
		if wf.Status != status {
			t.Errorf("%s: terminal state mutated to %s", status, wf.Status)
		}
	}
}

func TestResultWhilePausedIsQueued(t *testing.T) {
	wf := runningAt("scaffold")
	wf.Status = store.WorkflowPaused
	raw := json.RawMessage(`{"task_id":"t-1","stage":"scaffold"}`)

	eff, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "scaffold", Raw: raw}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !eff.Queued || !eff.Changed {
		t.Fatalf("expected queued effect, got %+v", eff)
	}
	if len(wf.PausedQueue) != 1 || string(wf.PausedQueue[0]) != string(raw) {
		t.Errorf("expected raw envelope queued, got %v", wf.PausedQueue)
	}
	if wf.CurrentStage != "scaffold" || len(wf.StageOutputs) != 0 {
		t.Error("queued result must not advance the workflow")
	}
}

func TestPauseAndResumeReplaysQueue(t *testing.T) {
	wf := runningAt("scaffold")

	eff, err := Apply(wf, testDef(), Event{Kind: Pause}, now())
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if wf.Status != store.WorkflowPaused {
		t.Fatalf("expected paused, got %s", wf.Status)
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventWorkflowPaused {
		t.Errorf("expected workflow.paused, got %+v", eff.Events)
	}

	// Second pause is not a transition.
	if eff, _ := Apply(wf, testDef(), Event{Kind: Pause}, now()); !eff.Ignored {
		t.Error("pause of a paused workflow should be ignored")
	}

	first := json.RawMessage(`{"n":1}`)
	second := json.RawMessage(`{"n":2}`)
	if _, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "scaffold", Raw: first}, now()); err != nil {
		t.Fatalf("queueing failed: %v", err)
	}
	if _, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "scaffold", Raw: second}, now()); err != nil {
		t.Fatalf("queueing failed: %v", err)
	}

	eff, err = Apply(wf, testDef(), Event{Kind: Resume}, now())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if wf.Status != store.WorkflowRunning {
		t.Errorf("expected running, got %s", wf.Status)
	}
	if len(eff.Replay) != 2 || string(eff.Replay[0]) != `{"n":1}` || string(eff.Replay[1]) != `{"n":2}` {
		t.Errorf("expected queue replayed in arrival order, got %v", eff.Replay)
	}
	if len(wf.PausedQueue) != 0 {
		t.Error("queue must be drained on resume")
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventWorkflowResumed {
		t.Errorf("expected workflow.resumed, got %+v", eff.Events)
	}
}

func TestResumeBeforeStartDispatchesFirstStage(t *testing.T) {
	wf := &store.Workflow{ID: "wf-1", Status: store.WorkflowPaused, Version: 2}

	eff, err := Apply(wf, testDef(), Event{Kind: Resume}, now())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if wf.Status != store.WorkflowRunning || wf.CurrentStage != "scaffold" {
		t.Errorf("expected running at scaffold, got %s at %q", wf.Status, wf.CurrentStage)
	}
	if eff.Dispatch != "scaffold" {
		t.Errorf("expected scaffold dispatch, got %q", eff.Dispatch)
	}
}

func TestCancelFreezesProgressAndCancelsTasks(t *testing.T) {
	wf := runningAt("validation")
	wf.Progress = 33
	wf.PausedQueue = []json.RawMessage{json.RawMessage(`{}`)}

	eff, err := Apply(wf, testDef(), Event{Kind: Cancel}, now())
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if wf.Status != store.WorkflowCancelled {
		t.Errorf("expected cancelled, got %s", wf.Status)
	}
	if wf.Progress != 33 {
		t.Errorf("cancel must freeze progress, got %d", wf.Progress)
	}
	if wf.CompletedAt == nil {
		t.Error("expected completed_at set")
	}
	if len(wf.PausedQueue) != 0 {
		t.Error("cancel must clear the paused queue")
	}
	if !eff.CancelTasks {
		t.Error("expected outstanding tasks cancelled")
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventWorkflowCancelled {
		t.Errorf("expected workflow.cancelled, got %+v", eff.Events)
	}

	// Absorbing afterwards.
	if eff, _ := Apply(wf, testDef(), Event{Kind: Cancel}, now()); !eff.Ignored || eff.Reason != ReasonTerminal {
		t.Errorf("expected terminal ignore after cancel, got %+v", eff)
	}
}

func TestStageFailedRoutesToFail(t *testing.T) {
	wf := runningAt("scaffold")
	failure := &store.WorkflowError{Code: "AGENT_ERROR", Message: "scaffolder crashed", Retryable: false}

	eff, err := Apply(wf, testDef(), Event{Kind: StageFailed, Stage: "scaffold", Failure: failure}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if wf.Status != store.WorkflowFailed {
		t.Errorf("expected failed, got %s", wf.Status)
	}
	if wf.LastError == nil || wf.LastError.Code != "AGENT_ERROR" || wf.LastError.Stage != "scaffold" {
		t.Errorf("expected last_error recorded with stage, got %+v", wf.LastError)
	}
	if wf.CompletedAt == nil {
		t.Error("expected completed_at set")
	}
	if len(eff.Events) != 2 ||
		eff.Events[0].Type != envelope.EventStageFailed ||
		eff.Events[1].Type != envelope.EventWorkflowFailed {
		t.Errorf("expected stage.failed + workflow.failed, got %+v", eff.Events)
	}
}

func TestStageFailedWithSkipRouting(t *testing.T) {
	// Scenario: scaffold succeeds, validation fails with on_failure=skip,
	// deployment succeeds. Outputs hold scaffold and deployment only;
	// progress never counts the skipped stage.
	def := testDef()
	wf := runningAt("scaffold")

	if _, err := Apply(wf, def, Event{Kind: StageComplete, Stage: "scaffold"}, now()); err != nil {
		t.Fatalf("scaffold completion failed: %v", err)
	}
	if wf.Progress != 33 {
		t.Fatalf("expected progress 33, got %d", wf.Progress)
	}

	failure := &store.WorkflowError{Code: "LINT_FAILED", Message: "checks failed"}
	eff, err := Apply(wf, def, Event{Kind: StageFailed, Stage: "validation", Failure: failure}, now())
	if err != nil {
		t.Fatalf("validation failure failed: %v", err)
	}
	if wf.Status != store.WorkflowRunning || wf.CurrentStage != "deployment" {
		t.Fatalf("expected skip to deployment, got %s at %q", wf.Status, wf.CurrentStage)
	}
	if eff.Dispatch != "deployment" {
		t.Errorf("expected deployment dispatch, got %q", eff.Dispatch)
	}
	if _, ok := wf.StageOutputs["validation"]; ok {
		t.Error("failed stage must not record an output")
	}
	if wf.Progress != 33 {
		t.Errorf("skip must not advance progress, got %d", wf.Progress)
	}

	if _, err := Apply(wf, def, Event{Kind: StageComplete, Stage: "deployment"}, now()); err != nil {
		t.Fatalf("deployment completion failed: %v", err)
	}
	if wf.Status != store.WorkflowCompleted || wf.Progress != 100 {
		t.Errorf("expected completed at 100, got %s at %d", wf.Status, wf.Progress)
	}
	if len(wf.StageOutputs) != 2 {
		t.Errorf("expected outputs for scaffold and deployment, got %v", wf.StageOutputs)
	}
}

func TestStageFailedSkipOnLastStageCompletes(t *testing.T) {
	def := testDef()
	def.Stages[2].OnFailure = definition.TargetSkip
	wf := runningAt("deployment")
	wf.StageOutputs = map[string]json.RawMessage{"scaffold": json.RawMessage(`{}`), "validation": json.RawMessage(`{}`)}
	wf.Progress = 67

	eff, err := Apply(wf, def, Event{Kind: StageFailed, Stage: "deployment", Failure: &store.WorkflowError{Code: "X", Message: "boom"}}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if wf.Status != store.WorkflowCompleted || wf.Progress != 100 {
		t.Errorf("expected completed at 100, got %s at %d", wf.Status, wf.Progress)
	}
	if len(eff.Events) != 2 || eff.Events[1].Type != envelope.EventWorkflowCompleted {
		t.Errorf("expected workflow.completed, got %+v", eff.Events)
	}
}

func TestRetryableFailureRedispatchesSameStage(t *testing.T) {
	wf := runningAt("validation")
	failure := &store.WorkflowError{Code: "FLAKY", Message: "transient", Retryable: true}

	eff, err := Apply(wf, testDef(), Event{Kind: StageFailed, Stage: "validation", Failure: failure, CanRetry: true}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if wf.Status != store.WorkflowRunning || wf.CurrentStage != "validation" {
		t.Errorf("retry must hold position, got %s at %q", wf.Status, wf.CurrentStage)
	}
	if eff.Dispatch != "validation" || !eff.Retry {
		t.Errorf("expected retry dispatch of validation, got %+v", eff)
	}
	if wf.LastError != nil {
		t.Error("retryable failure must not set last_error")
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventStageFailed {
		t.Errorf("expected stage.failed, got %+v", eff.Events)
	}
}

func TestTimeoutDefaultsToRetryableTimeoutError(t *testing.T) {
	wf := runningAt("scaffold")

	// No attempts left: timeout routes through on_failure.
	eff, err := Apply(wf, testDef(), Event{Kind: Timeout, Stage: "scaffold", TaskID: "task-1"}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if wf.Status != store.WorkflowFailed {
		t.Fatalf("expected failed, got %s", wf.Status)
	}
	if wf.LastError == nil || wf.LastError.Code != apperr.CodeTimeout {
		t.Errorf("expected TIMEOUT error code, got %+v", wf.LastError)
	}
	if !wf.LastError.Retryable {
		t.Error("timeout failures must be marked retryable")
	}
	if len(eff.Events) != 2 {
		t.Errorf("expected stage.failed + workflow.failed, got %+v", eff.Events)
	}
}

func TestRetryFromFailedRestartsStage(t *testing.T) {
	wf := runningAt("validation")
	wf.Status = store.WorkflowFailed
	wf.LastError = &store.WorkflowError{Code: "X", Message: "boom", Stage: "validation"}
	completed := now()
	wf.CompletedAt = &completed

	eff, err := Apply(wf, testDef(), Event{Kind: Retry}, now())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if wf.Status != store.WorkflowRunning || wf.CurrentStage != "validation" {
		t.Errorf("expected running at validation, got %s at %q", wf.Status, wf.CurrentStage)
	}
	if wf.LastError != nil || wf.CompletedAt != nil {
		t.Error("retry must clear last_error and completed_at")
	}
	if eff.Dispatch != "validation" {
		t.Errorf("expected validation dispatch, got %q", eff.Dispatch)
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventWorkflowResumed {
		t.Errorf("expected workflow.resumed, got %+v", eff.Events)
	}
}

func TestRetryFromExplicitStage(t *testing.T) {
	wf := runningAt("deployment")
	wf.Status = store.WorkflowFailed
	wf.LastError = &store.WorkflowError{Code: "X", Message: "boom", Stage: "deployment"}

	eff, err := Apply(wf, testDef(), Event{Kind: Retry, FromStage: "scaffold"}, now())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if wf.CurrentStage != "scaffold" || eff.Dispatch != "scaffold" {
		t.Errorf("expected restart from scaffold, got %q with dispatch %q", wf.CurrentStage, eff.Dispatch)
	}
}

func TestRetryUnknownStageIsValidationError(t *testing.T) {
	wf := runningAt("validation")
	wf.Status = store.WorkflowFailed

	_, err := Apply(wf, testDef(), Event{Kind: Retry, FromStage: "nonexistent"}, now())
	if err == nil {
		t.Fatal("expected error for unknown from_stage")
	}
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if wf.Status != store.WorkflowFailed {
		t.Error("failed retry must not mutate the row")
	}
}

func TestRetryOfRunningWorkflowIsIgnored(t *testing.T) {
	wf := runningAt("validation")

	eff, err := Apply(wf, testDef(), Event{Kind: Retry}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !eff.Ignored || eff.Reason != ReasonInvalidEvent {
		t.Errorf("expected invalid_event ignore, got %+v", eff)
	}
}

func TestSingleStageDefinitionCompletesAtHundred(t *testing.T) {
	def := &definition.Definition{
		ID:      "def-solo",
		Name:    "solo",
		Version: "1.0.0",
		Stages: []definition.Stage{
			{Name: "only", AgentType: "scaffold", OnSuccess: "END", OnFailure: "fail"},
		},
	}
	wf := &store.Workflow{ID: "wf-1", Status: store.WorkflowInitiated, Version: 1}

	if _, err := Apply(wf, def, Event{Kind: Start}, now()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := Apply(wf, def, Event{Kind: StageComplete, Stage: "only"}, now()); err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if wf.Status != store.WorkflowCompleted || wf.Progress != 100 {
		t.Errorf("expected completed at 100, got %s at %d", wf.Status, wf.Progress)
	}
}

func TestUnroutableStageFailsWorkflow(t *testing.T) {
	// The workflow's position no longer exists in the definition: detected
	// corruption fails the workflow instead of crashing or looping.
	wf := runningAt("ghost-stage")

	eff, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "ghost-stage"}, now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if wf.Status != store.WorkflowFailed {
		t.Errorf("expected failed, got %s", wf.Status)
	}
	if wf.LastError == nil || wf.LastError.Code != apperr.CodeInternal {
		t.Errorf("expected INTERNAL error, got %+v", wf.LastError)
	}
	if len(eff.Events) != 1 || eff.Events[0].Type != envelope.EventWorkflowFailed {
		t.Errorf("expected workflow.failed, got %+v", eff.Events)
	}
}

func TestEmptyOutputDefaultsToEmptyObject(t *testing.T) {
	wf := runningAt("scaffold")

	if _, err := Apply(wf, testDef(), Event{Kind: StageComplete, Stage: "scaffold"}, now()); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if string(wf.StageOutputs["scaffold"]) != "{}" {
		t.Errorf("expected {} placeholder, got %s", wf.StageOutputs["scaffold"])
	}
}
