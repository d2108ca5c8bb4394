package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
)

// EventType names a lifecycle event on the events topic.
type EventType string

// Lifecycle event catalog. Everything observable about a workflow, task, or
// agent is announced as exactly one of these.
const (
	EventWorkflowCreated   EventType = "workflow.created"
	EventWorkflowStarted   EventType = "workflow.started"
	EventStageCompleted    EventType = "stage.completed"
	EventStageFailed       EventType = "stage.failed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventWorkflowPaused    EventType = "workflow.paused"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventTaskCreated       EventType = "task.created"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskTimeout       EventType = "task.timeout"
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentHeartbeat    EventType = "agent.heartbeat"
	EventAgentOffline      EventType = "agent.offline"
)

var knownEvents = map[EventType]struct{}{
	EventWorkflowCreated:   {},
	EventWorkflowStarted:   {},
	EventStageCompleted:    {},
	EventStageFailed:       {},
	EventWorkflowCompleted: {},
	EventWorkflowFailed:    {},
	EventWorkflowCancelled: {},
	EventWorkflowPaused:    {},
	EventWorkflowResumed:   {},
	EventTaskCreated:       {},
	EventTaskCompleted:     {},
	EventTaskFailed:        {},
	EventTaskTimeout:       {},
	EventAgentRegistered:   {},
	EventAgentHeartbeat:    {},
	EventAgentOffline:      {},
}

// Known reports whether t names a catalogued lifecycle event.
func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// LifecycleEvent is broadcast on the events topic (and its non-durable
// mirror) for every observable state change. workflow_id is empty for
// agent-scoped events.
type LifecycleEvent struct {
	EventType  EventType       `json:"event_type" validate:"required"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	TraceID    string          `json:"trace_id" validate:"required"`
	Timestamp  time.Time       `json:"timestamp" validate:"required"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ParseEvent decodes and validates a lifecycle event from its wire form.
func ParseEvent(data []byte) (*LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, apperr.CodeValidationFailed, "lifecycle event is not valid JSON")
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks schema tags and that the event type is catalogued.
func (e *LifecycleEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return validationError("lifecycle", err)
	}
	if !e.EventType.Known() {
		return apperr.Validation(fmt.Sprintf("unknown event type %q", e.EventType))
	}
	return nil
}

// AgentRegisteredPayload is the payload for agent.registered events.
type AgentRegisteredPayload struct {
	AgentID    string   `json:"agent_id"`
	AgentTypes []string `json:"agent_types"`
	PlatformID string   `json:"platform_id,omitempty"`
	IntervalMs int      `json:"interval_ms,omitempty"`
}

// AgentHeartbeatPayload is the payload for agent.heartbeat events.
type AgentHeartbeatPayload struct {
	AgentID    string `json:"agent_id"`
	IntervalMs int    `json:"interval_ms,omitempty"`
}

// AgentOfflinePayload is the payload for agent.offline events, published
// once per online-to-offline transition by the registry sweeper.
type AgentOfflinePayload struct {
	AgentID         string    `json:"agent_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}
