package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
)

// ResultEnvelope is an agent's report for one task. The stage field names the
// workflow stage the task belonged to (not the agent type); routing depends
// on it.
type ResultEnvelope struct {
	TaskID     string            `json:"task_id" validate:"required,uuid"`
	WorkflowID string            `json:"workflow_id" validate:"required,uuid"`
	AgentID    string            `json:"agent_id" validate:"required"`
	AgentType  string            `json:"agent_type" validate:"required"`
	Success    bool              `json:"success"`
	Status     Status            `json:"status" validate:"required,oneof=pending queued running completed failed cancelled timeout partial"`
	Action     string            `json:"action" validate:"required"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Artifacts  []json.RawMessage `json:"artifacts,omitempty"`
	Metrics    Metrics           `json:"metrics"`
	Error      *ErrorDetail      `json:"error,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Timestamp  time.Time         `json:"timestamp" validate:"required"`
	Version    string            `json:"version" validate:"required,eq=1.0.0"`
	Stage      string            `json:"stage" validate:"required"`
}

// Metrics reports execution cost. duration_ms must be present even when zero;
// the remaining counters are optional.
type Metrics struct {
	DurationMs  *int64 `json:"duration_ms" validate:"required"`
	TokensUsed  *int64 `json:"tokens_used,omitempty"`
	APICalls    *int64 `json:"api_calls,omitempty"`
	MemoryBytes *int64 `json:"memory_bytes,omitempty"`
}

// ErrorDetail describes an agent-side failure. Retryable hints whether
// redispatching the same task can succeed.
type ErrorDetail struct {
	Code      string          `json:"code" validate:"required"`
	Message   string          `json:"message" validate:"required"`
	Details   json.RawMessage `json:"details,omitempty"`
	Stack     string          `json:"stack,omitempty"`
	Retryable bool            `json:"retryable"`
}

// EventID returns the stable deduplication id for this result.
func (e *ResultEnvelope) EventID() string {
	return EventID(e.TaskID, e.AgentID, e.Status)
}

// ParseResult decodes and validates a result envelope from its wire form.
func ParseResult(data []byte) (*ResultEnvelope, error) {
	var env ResultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, apperr.CodeValidationFailed, "result envelope is not valid JSON")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks schema tags plus the success/status consistency rules the
// tags cannot express.
func (e *ResultEnvelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return validationError("result", err)
	}
	switch e.Status {
	case StatusFailed, StatusTimeout, StatusCancelled:
		if e.Success {
			return apperr.Validation(fmt.Sprintf("result reports success with status %q", e.Status))
		}
	case StatusCompleted:
		if !e.Success {
			return apperr.Validation(`result reports status "completed" without success`)
		}
	}
	return nil
}
