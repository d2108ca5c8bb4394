package store

import (
	"encoding/json"
	"time"

	"github.com/stagecraft/stagecraft/internal/definition"
)

// WorkflowStatus is the persisted workflow state.
type WorkflowStatus string

const (
	WorkflowInitiated WorkflowStatus = "initiated"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Priority orders workflows for dispatch.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// WorkflowError captures the first fatal error of a failed workflow.
type WorkflowError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Workflow is one workflow execution. The row is mutated only through CAS on
// Version; the persisted status and current_stage are the authoritative
// state-machine position.
type Workflow struct {
	ID                   string                     `json:"id"`
	PlatformID           string                     `json:"platform_id,omitempty"`
	WorkflowDefinitionID string                     `json:"workflow_definition_id,omitempty"`
	SurfaceID            string                     `json:"surface_id,omitempty"`
	Name                 string                     `json:"name"`
	Type                 string                     `json:"type,omitempty"`
	Status               WorkflowStatus             `json:"status"`
	CurrentStage         string                     `json:"current_stage,omitempty"`
	Progress             int                        `json:"progress"`
	Priority             Priority                   `json:"priority"`
	Version              int64                      `json:"version"`
	StageOutputs         map[string]json.RawMessage `json:"stage_outputs,omitempty"`
	PausedQueue          []json.RawMessage          `json:"-"`
	LastError            *WorkflowError             `json:"last_error,omitempty"`
	TraceID              string                     `json:"trace_id"`
	CurrentSpanID        string                     `json:"current_span_id,omitempty"`
	InputData            json.RawMessage            `json:"input_data,omitempty"`
	CreatedBy            string                     `json:"created_by,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
	CompletedAt          *time.Time                 `json:"completed_at,omitempty"`
}

// CompletedStages returns the stages with recorded outputs, the basis for
// progress computation.
func (w *Workflow) CompletedStages() []string {
	stages := make([]string, 0, len(w.StageOutputs))
	for name := range w.StageOutputs {
		stages = append(stages, name)
	}
	return stages
}

// TaskStatus is the persisted agent-task state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// AgentTask is one attempted execution of one stage. At most one non-terminal
// task exists per (workflow_id, stage_name).
type AgentTask struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	WorkflowID   string          `json:"workflow_id"`
	StageName    string          `json:"stage_name"`
	AgentType    string          `json:"agent_type"`
	Status       TaskStatus      `json:"status"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	TimeoutMs    int             `json:"timeout_ms"`
	CreatedAt    time.Time       `json:"created_at"`
	AssignedAt   *time.Time      `json:"assigned_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Span statuses.
const (
	SpanOpen  = "open"
	SpanOK    = "ok"
	SpanError = "error"
)

// Span is one tracing record. The workflow root span has no parent; every
// task publish opens a child span that closes when its result arrives.
type Span struct {
	SpanID       string     `json:"span_id"`
	TraceID      string     `json:"trace_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	WorkflowID   string     `json:"workflow_id,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// WorkflowEvent is one appended audit row per applied lifecycle event.
type WorkflowEvent struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	EventType  string          `json:"event_type"`
	Stage      string          `json:"stage,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Platform layers.
const (
	LayerApplication    = "application"
	LayerData           = "data"
	LayerInfrastructure = "infrastructure"
	LayerEnterprise     = "enterprise"
)

// Platform is a named orchestration tenant owning definitions, surface
// bindings, and optionally platform-scoped agents.
type Platform struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Layer     string          `json:"layer"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WorkflowDefinition is the persisted form of a definition DAG.
// PlatformID is empty for global (legacy) definitions.
type WorkflowDefinition struct {
	ID         string             `json:"id"`
	PlatformID string             `json:"platform_id,omitempty"`
	Name       string             `json:"name"`
	Version    string             `json:"version"`
	Stages     []definition.Stage `json:"stages"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Definition converts the record into the engine's working form.
func (d *WorkflowDefinition) Definition() *definition.Definition {
	return &definition.Definition{
		ID:         d.ID,
		PlatformID: d.PlatformID,
		Name:       d.Name,
		Version:    d.Version,
		Stages:     d.Stages,
		Metadata:   d.Metadata,
	}
}

// SurfaceType is a trigger channel bound to a platform.
type SurfaceType string

const (
	SurfaceREST      SurfaceType = "REST"
	SurfaceWebhook   SurfaceType = "WEBHOOK"
	SurfaceCLI       SurfaceType = "CLI"
	SurfaceDashboard SurfaceType = "DASHBOARD"
	SurfaceMobileAPI SurfaceType = "MOBILE_API"
)

// Valid reports whether t names a known surface type.
func (t SurfaceType) Valid() bool {
	switch t {
	case SurfaceREST, SurfaceWebhook, SurfaceCLI, SurfaceDashboard, SurfaceMobileAPI:
		return true
	}
	return false
}

// PlatformSurface binds one surface type to a platform. Workflows may only
// enter through enabled bindings.
type PlatformSurface struct {
	ID          string          `json:"id"`
	PlatformID  string          `json:"platform_id"`
	SurfaceType SurfaceType     `json:"surface_type"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Agent statuses.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// AgentRegistration is one (agent, agent_type) capability row. PlatformID is
// empty for globally available agents.
type AgentRegistration struct {
	ID                  string    `json:"id"`
	AgentID             string    `json:"agent_id"`
	AgentType           string    `json:"agent_type"`
	PlatformID          string    `json:"platform_id,omitempty"`
	Status              string    `json:"status"`
	HeartbeatIntervalMs int       `json:"heartbeat_interval_ms"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
