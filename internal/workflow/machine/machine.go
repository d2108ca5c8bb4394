// Package machine implements the workflow state machine. Apply is a pure
// function: given the persisted workflow row, its definition, and one event,
// it mutates the row in place and returns the side effects the caller must
// execute after persisting. The machine performs no I/O; CAS persistence,
// task dispatch, and event publishing belong to the orchestration service.
//
// The transient evaluating phase between a stage result and its routing
// decision never reaches storage; only the six persisted statuses do. The
// optional awaiting_decision human gate has no triggering operation yet and
// is likewise absent from the persisted enum.
package machine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/definition"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/store"
)

// Kind names one machine input.
type Kind string

const (
	Start         Kind = "START"
	StageComplete Kind = "STAGE_COMPLETE"
	StageFailed   Kind = "STAGE_FAILED"
	Pause         Kind = "PAUSE"
	Resume        Kind = "RESUME"
	Cancel        Kind = "CANCEL"
	Retry         Kind = "RETRY"
	Timeout       Kind = "TIMEOUT"
)

// Ignore reasons, logged with event.ignored.
const (
	ReasonTerminal      = "terminal_state"
	ReasonStageMismatch = "stage_mismatch"
	ReasonInvalidEvent  = "invalid_event"
)

// Event is one input to the machine. Stage, Output, Failure, and EventID
// accompany stage results; Raw carries the original wire envelope so results
// arriving while paused can be queued verbatim and replayed on resume.
type Event struct {
	Kind      Kind
	Stage     string
	Output    json.RawMessage
	Failure   *store.WorkflowError
	EventID   string
	Raw       json.RawMessage
	FromStage string // RETRY: stage to resume from, defaults to the failed stage
	TaskID    string // TIMEOUT: the task that missed its deadline
	CanRetry  bool   // failure may redispatch the same stage (attempts remain)
}

// Emission is one lifecycle event to publish after the transition persists.
type Emission struct {
	Type    envelope.EventType
	Payload any
}

// StageEventPayload annotates stage.completed and stage.failed events.
type StageEventPayload struct {
	Stage     string               `json:"stage"`
	NextStage string               `json:"next_stage,omitempty"`
	Progress  int                  `json:"progress,omitempty"`
	Retry     bool                 `json:"retry,omitempty"`
	Error     *store.WorkflowError `json:"error,omitempty"`
}

// StatusEventPayload annotates workflow status events.
type StatusEventPayload struct {
	Status   store.WorkflowStatus `json:"status"`
	Stage    string               `json:"stage,omitempty"`
	Progress int                  `json:"progress,omitempty"`
	Action   string               `json:"action,omitempty"`
	Error    *store.WorkflowError `json:"error,omitempty"`
}

// Effects lists what the caller must do after a transition. When Changed is
// set the mutated row must be persisted via CAS before any other effect runs.
type Effects struct {
	Changed     bool
	Dispatch    string   // stage to dispatch next, "" for none
	Retry       bool     // Dispatch re-runs the same stage after a retryable failure
	Queued      bool     // the event was parked on the paused queue
	Replay      [][]byte // drained paused queue, reapply in arrival order
	CancelTasks bool     // mark outstanding tasks cancelled
	Events      []Emission
	Ignored     bool
	Reason      string // set when Ignored
}

// Apply runs one event against the workflow. The row is mutated in place;
// on a CAS conflict the caller reloads a fresh row and calls Apply again.
// Terminal states absorb everything except RETRY of a failed workflow.
func Apply(wf *store.Workflow, def *definition.Definition, ev Event, now time.Time) (Effects, error) {
	if wf.Status.Terminal() {
		if ev.Kind == Retry && wf.Status == store.WorkflowFailed {
			return applyRetry(wf, def, ev)
		}
		return ignored(ReasonTerminal), nil
	}

	switch ev.Kind {
	case Start:
		return applyStart(wf, def, now)
	case StageComplete:
		return applyStageComplete(wf, def, ev, now)
	case StageFailed, Timeout:
		return applyStageFailed(wf, def, ev, now)
	case Pause:
		return applyPause(wf)
	case Resume:
		return applyResume(wf, def, now)
	case Cancel:
		return applyCancel(wf, now)
	case Retry:
		return ignored(ReasonInvalidEvent), nil
	default:
		return Effects{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func applyStart(wf *store.Workflow, def *definition.Definition, now time.Time) (Effects, error) {
	if wf.Status != store.WorkflowInitiated {
		return ignored(ReasonInvalidEvent), nil
	}
	first, err := definition.FirstStage(def)
	if err != nil {
		return failFatal(wf, "", err, now), nil
	}
	wf.Status = store.WorkflowRunning
	wf.CurrentStage = first
	return Effects{
		Changed:  true,
		Dispatch: first,
		Events: []Emission{{
			Type:    envelope.EventWorkflowStarted,
			Payload: StatusEventPayload{Status: store.WorkflowRunning, Stage: first},
		}},
	}, nil
}

func applyStageComplete(wf *store.Workflow, def *definition.Definition, ev Event, now time.Time) (Effects, error) {
	if wf.Status == store.WorkflowPaused {
		return queueWhilePaused(wf, ev)
	}
	if wf.Status != store.WorkflowRunning {
		return ignored(ReasonInvalidEvent), nil
	}
	if ev.Stage != wf.CurrentStage {
		return ignored(ReasonStageMismatch), nil
	}

	if wf.StageOutputs == nil {
		wf.StageOutputs = make(map[string]json.RawMessage)
	}
	out := ev.Output
	if len(out) == 0 {
		out = json.RawMessage("{}")
	}
	wf.StageOutputs[ev.Stage] = out

	route, err := definition.NextStage(def, ev.Stage, definition.OutcomeSuccess)
	if err != nil {
		return failFatal(wf, ev.Stage, err, now), nil
	}
	switch route.Kind {
	case definition.RouteStage:
		wf.CurrentStage = route.Stage
		wf.Progress = definition.CalculateProgress(def, wf.CompletedStages())
		return Effects{
			Changed:  true,
			Dispatch: route.Stage,
			Events: []Emission{{
				Type:    envelope.EventStageCompleted,
				Payload: StageEventPayload{Stage: ev.Stage, NextStage: route.Stage, Progress: wf.Progress},
			}},
		}, nil
	default: // RouteEnd; success routing never yields RouteFail
		return completeWorkflow(wf, now, Emission{
			Type:    envelope.EventStageCompleted,
			Payload: StageEventPayload{Stage: ev.Stage, Progress: 100},
		}), nil
	}
}

func applyStageFailed(wf *store.Workflow, def *definition.Definition, ev Event, now time.Time) (Effects, error) {
	failure := ev.Failure
	if failure == nil {
		if ev.Kind == Timeout {
			failure = &store.WorkflowError{Code: apperr.CodeTimeout, Message: "task deadline exceeded", Retryable: true}
		} else {
			failure = &store.WorkflowError{Code: apperr.CodeInternal, Message: "stage failed without error detail"}
		}
	}
	failure.Stage = ev.Stage

	if wf.Status == store.WorkflowPaused {
		return queueWhilePaused(wf, ev)
	}
	if wf.Status != store.WorkflowRunning {
		return ignored(ReasonInvalidEvent), nil
	}
	if ev.Stage != wf.CurrentStage {
		return ignored(ReasonStageMismatch), nil
	}

	if ev.CanRetry {
		// Same stage, new attempt. The service creates a fresh task row with
		// the bumped retry count; the row itself does not move.
		return Effects{
			Changed:  true,
			Dispatch: ev.Stage,
			Retry:    true,
			Events: []Emission{{
				Type:    envelope.EventStageFailed,
				Payload: StageEventPayload{Stage: ev.Stage, Retry: true, Error: failure},
			}},
		}, nil
	}

	route, err := definition.NextStage(def, ev.Stage, definition.OutcomeFailure)
	if err != nil {
		return failFatal(wf, ev.Stage, err, now), nil
	}
	switch route.Kind {
	case definition.RouteFail:
		wf.Status = store.WorkflowFailed
		wf.LastError = failure
		wf.CompletedAt = &now
		return Effects{
			Changed: true,
			Events: []Emission{
				{Type: envelope.EventStageFailed, Payload: StageEventPayload{Stage: ev.Stage, Error: failure}},
				{Type: envelope.EventWorkflowFailed, Payload: StatusEventPayload{Status: store.WorkflowFailed, Stage: ev.Stage, Error: failure}},
			},
		}, nil
	case definition.RouteStage:
		wf.CurrentStage = route.Stage
		wf.Progress = definition.CalculateProgress(def, wf.CompletedStages())
		return Effects{
			Changed:  true,
			Dispatch: route.Stage,
			Events: []Emission{{
				Type:    envelope.EventStageFailed,
				Payload: StageEventPayload{Stage: ev.Stage, NextStage: route.Stage, Progress: wf.Progress, Error: failure},
			}},
		}, nil
	default: // RouteEnd: on_failure="skip" on the last stage
		return completeWorkflow(wf, now, Emission{
			Type:    envelope.EventStageFailed,
			Payload: StageEventPayload{Stage: ev.Stage, Progress: 100, Error: failure},
		}), nil
	}
}

func applyPause(wf *store.Workflow) (Effects, error) {
	if wf.Status != store.WorkflowInitiated && wf.Status != store.WorkflowRunning {
		return ignored(ReasonInvalidEvent), nil
	}
	wf.Status = store.WorkflowPaused
	return Effects{
		Changed: true,
		Events: []Emission{{
			Type:    envelope.EventWorkflowPaused,
			Payload: StatusEventPayload{Status: store.WorkflowPaused, Stage: wf.CurrentStage},
		}},
	}, nil
}

func applyResume(wf *store.Workflow, def *definition.Definition, now time.Time) (Effects, error) {
	if wf.Status != store.WorkflowPaused {
		return ignored(ReasonInvalidEvent), nil
	}
	wf.Status = store.WorkflowRunning
	eff := Effects{
		Changed: true,
		Replay:  drainQueue(wf),
	}
	if wf.CurrentStage == "" {
		// Paused before START ever applied; resuming starts the workflow.
		first, err := definition.FirstStage(def)
		if err != nil {
			return failFatal(wf, "", err, now), nil
		}
		wf.CurrentStage = first
		eff.Dispatch = first
	}
	eff.Events = []Emission{{
		Type:    envelope.EventWorkflowResumed,
		Payload: StatusEventPayload{Status: store.WorkflowRunning, Stage: wf.CurrentStage},
	}}
	return eff, nil
}

func applyCancel(wf *store.Workflow, now time.Time) (Effects, error) {
	wf.Status = store.WorkflowCancelled
	wf.CompletedAt = &now
	wf.PausedQueue = nil
	return Effects{
		Changed:     true,
		CancelTasks: true,
		Events: []Emission{{
			Type:    envelope.EventWorkflowCancelled,
			Payload: StatusEventPayload{Status: store.WorkflowCancelled, Stage: wf.CurrentStage, Progress: wf.Progress},
		}},
	}, nil
}

func applyRetry(wf *store.Workflow, def *definition.Definition, ev Event) (Effects, error) {
	from := ev.FromStage
	if from == "" {
		if wf.LastError != nil && wf.LastError.Stage != "" {
			from = wf.LastError.Stage
		} else {
			from = wf.CurrentStage
		}
	}
	if !stageInDefinition(def, from) {
		return Effects{}, apperr.Validation(fmt.Sprintf("stage %q is not in definition %q", from, def.Name))
	}
	wf.Status = store.WorkflowRunning
	wf.CurrentStage = from
	wf.LastError = nil
	wf.CompletedAt = nil
	return Effects{
		Changed:  true,
		Dispatch: from,
		Events: []Emission{{
			Type:    envelope.EventWorkflowResumed,
			Payload: StatusEventPayload{Status: store.WorkflowRunning, Stage: from, Action: "retry"},
		}},
	}, nil
}

// queueWhilePaused parks an in-flight result on the durable paused queue.
// Replay on resume preserves arrival order.
func queueWhilePaused(wf *store.Workflow, ev Event) (Effects, error) {
	raw := ev.Raw
	if len(raw) == 0 {
		// Synthetic events (timeouts) have no wire form; queue a minimal one.
		data, err := json.Marshal(map[string]any{"kind": string(ev.Kind), "stage": ev.Stage, "task_id": ev.TaskID})
		if err != nil {
			return Effects{}, err
		}
		raw = data
	}
	wf.PausedQueue = append(wf.PausedQueue, raw)
	return Effects{Changed: true, Queued: true}, nil
}

func completeWorkflow(wf *store.Workflow, now time.Time, stageEvent Emission) Effects {
	wf.Status = store.WorkflowCompleted
	wf.Progress = 100
	wf.CompletedAt = &now
	return Effects{
		Changed: true,
		Events: append([]Emission{stageEvent}, Emission{
			Type:    envelope.EventWorkflowCompleted,
			Payload: StatusEventPayload{Status: store.WorkflowCompleted, Stage: wf.CurrentStage, Progress: 100},
		}),
	}
}

// failFatal handles detected state-machine corruption (unroutable stage,
// broken definition): the workflow fails, the process does not.
func failFatal(wf *store.Workflow, stage string, err error, now time.Time) Effects {
	failure := &store.WorkflowError{Code: apperr.CodeInternal, Message: err.Error(), Stage: stage}
	wf.Status = store.WorkflowFailed
	wf.LastError = failure
	wf.CompletedAt = &now
	return Effects{
		Changed: true,
		Events: []Emission{{
			Type:    envelope.EventWorkflowFailed,
			Payload: StatusEventPayload{Status: store.WorkflowFailed, Stage: stage, Error: failure},
		}},
	}
}

func drainQueue(wf *store.Workflow) [][]byte {
	if len(wf.PausedQueue) == 0 {
		return nil
	}
	replay := make([][]byte, len(wf.PausedQueue))
	for i, raw := range wf.PausedQueue {
		replay[i] = raw
	}
	wf.PausedQueue = nil
	return replay
}

func stageInDefinition(def *definition.Definition, name string) bool {
	for i := range def.Stages {
		if def.Stages[i].Name == name {
			return true
		}
	}
	return false
}

func ignored(reason string) Effects {
	return Effects{Ignored: true, Reason: reason}
}
