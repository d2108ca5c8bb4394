package envelope

import (
	"encoding/json"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
)

// TaskEnvelope is the unit of work published to an agent-type topic. Built
// exclusively by the orchestration service; agents treat it as read-only.
type TaskEnvelope struct {
	MessageID       string          `json:"message_id" validate:"required,uuid"`
	TaskID          string          `json:"task_id" validate:"required,uuid"`
	WorkflowID      string          `json:"workflow_id" validate:"required,uuid"`
	AgentType       string          `json:"agent_type" validate:"required"`
	Priority        int             `json:"priority" validate:"gte=0,lte=10"`
	Status          Status          `json:"status" validate:"required,oneof=pending queued running completed failed cancelled timeout partial"`
	Constraints     Constraints     `json:"constraints"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Metadata        Metadata        `json:"metadata"`
	Trace           Trace           `json:"trace"`
	WorkflowContext WorkflowContext `json:"workflow_context"`
}

// Constraints bound a task's execution on the agent side.
type Constraints struct {
	TimeoutMs          int     `json:"timeout_ms" validate:"gte=0"`
	MaxRetries         int     `json:"max_retries" validate:"gte=0"`
	RequiredConfidence float64 `json:"required_confidence" validate:"gte=0,lte=1"`
}

// Metadata records provenance for the envelope.
type Metadata struct {
	CreatedAt       time.Time `json:"created_at" validate:"required"`
	CreatedBy       string    `json:"created_by" validate:"required"`
	EnvelopeVersion string    `json:"envelope_version" validate:"required"`
}

// Trace carries the distributed-tracing identifiers. Every task publish
// opens a fresh span under the workflow's current span.
type Trace struct {
	TraceID      string `json:"trace_id" validate:"required"`
	SpanID       string `json:"span_id" validate:"required"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// WorkflowContext gives the agent enough workflow state to act without a
// callback: prior stage outputs, the owning platform, and the entry surface.
type WorkflowContext struct {
	WorkflowType string                     `json:"workflow_type" validate:"required"`
	CurrentStage string                     `json:"current_stage" validate:"required"`
	StageOutputs map[string]json.RawMessage `json:"stage_outputs,omitempty"`
	PlatformID   string                     `json:"platform_id,omitempty"`
	SurfaceID    string                     `json:"surface_id,omitempty"`
}

// ParseTask decodes and validates a task envelope from its wire form.
func ParseTask(data []byte) (*TaskEnvelope, error) {
	var env TaskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, apperr.CodeValidationFailed, "task envelope is not valid JSON")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope against the canonical schema. Producers call
// this before publishing, consumers after decoding.
func (e *TaskEnvelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return validationError("task", err)
	}
	return nil
}
