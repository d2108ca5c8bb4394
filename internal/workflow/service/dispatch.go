package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/definition"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/store"
)

// taskPayload is the stable shape of an envelope's opaque payload: the
// workflow's input plus the stage's declared configuration.
type taskPayload struct {
	Input       json.RawMessage `json:"input,omitempty"`
	StageConfig json.RawMessage `json:"stage_config,omitempty"`
}

// taskEventPayload annotates task.* lifecycle events.
type taskEventPayload struct {
	TaskID     string `json:"task_id"`
	Stage      string `json:"stage"`
	AgentType  string `json:"agent_type"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// dispatchStage publishes one task envelope for the named stage: it records
// the task row and its span, publishes on the agent-type topic, arms the
// timeout watchdog, and announces task.created. retryCount is non-zero when
// redispatching after a retryable failure.
func (s *Service) dispatchStage(ctx context.Context, wf *store.Workflow, def *definition.Definition, stageName string, retryCount int) error {
	var stage *definition.Stage
	for i := range def.Stages {
		if def.Stages[i].Name == stageName {
			stage = &def.Stages[i]
			break
		}
	}
	if stage == nil {
		return fmt.Errorf("stage %q is not in definition %q", stageName, def.Name)
	}

	now := time.Now().UTC()
	timeoutMs := stage.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = int(s.config.DefaultTimeout / time.Millisecond)
	}
	maxRetries := stage.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.config.DefaultMaxRetries
	}

	task := &store.AgentTask{
		ID:           uuid.New().String(),
		TaskID:       uuid.New().String(),
		WorkflowID:   wf.ID,
		StageName:    stage.Name,
		AgentType:    stage.AgentType,
		Status:       store.TaskPending,
		Priority:     priorityWeight(wf.Priority),
		TraceID:      wf.TraceID,
		SpanID:       uuid.New().String(),
		ParentSpanID: wf.CurrentSpanID,
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
		TimeoutMs:    timeoutMs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if payload, err := json.Marshal(taskPayload{Input: wf.InputData, StageConfig: stage.Config}); err == nil {
		task.Payload = payload
	}

	env, err := s.buildTaskEnvelope(wf, stage, task)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal task envelope: %w", err)
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}
	span := &store.Span{
		SpanID:       task.SpanID,
		TraceID:      wf.TraceID,
		ParentSpanID: task.ParentSpanID,
		WorkflowID:   wf.ID,
		TaskID:       task.TaskID,
		Name:         "stage:" + stage.Name,
		Status:       store.SpanOpen,
		StartedAt:    now,
	}
	if err := s.store.CreateSpan(ctx, span); err != nil {
		s.logger.Warn("failed to record task span",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}

	if err := s.bus.Publish(ctx, s.topics.Tasks(stage.AgentType), data, bus.WithMirror()); err != nil {
		return fmt.Errorf("failed to publish task for stage %q: %w", stage.Name, err)
	}

	s.watchdog.arm(task.TaskID, wf.ID, stage.Name, now.Add(time.Duration(timeoutMs)*time.Millisecond))
	s.metrics.TasksDispatched.WithLabelValues(stage.AgentType).Inc()

	s.emit(ctx, envelope.EventTaskCreated, wf, taskEventPayload{
		TaskID:     task.TaskID,
		Stage:      stage.Name,
		AgentType:  stage.AgentType,
		RetryCount: retryCount,
	})

	s.logger.Info("task dispatched",
		zap.String("workflow_id", wf.ID),
		zap.String("trace_id", wf.TraceID),
		zap.String("task_id", task.TaskID),
		zap.String("stage", stage.Name),
		zap.String("agent_type", stage.AgentType),
		zap.Int("retry_count", retryCount))
	return nil
}

// buildTaskEnvelope is the sole producer of task envelopes. It embeds every
// prior stage output so the agent can act without a callback, and opens the
// task's span under the workflow's current span.
func (s *Service) buildTaskEnvelope(wf *store.Workflow, stage *definition.Stage, task *store.AgentTask) (*envelope.TaskEnvelope, error) {
	env := &envelope.TaskEnvelope{
		MessageID: uuid.New().String(),
		TaskID:    task.TaskID,
		WorkflowID: wf.ID,
		AgentType: stage.AgentType,
		Priority:  task.Priority,
		Status:    envelope.StatusPending,
		Constraints: envelope.Constraints{
			TimeoutMs:  task.TimeoutMs,
			MaxRetries: task.MaxRetries,
		},
		Payload: task.Payload,
		Metadata: envelope.Metadata{
			CreatedAt:       task.CreatedAt,
			CreatedBy:       s.config.CreatedBy,
			EnvelopeVersion: envelope.Version,
		},
		Trace: envelope.Trace{
			TraceID:      wf.TraceID,
			SpanID:       task.SpanID,
			ParentSpanID: task.ParentSpanID,
		},
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType: workflowTypeLabel(wf),
			CurrentStage: stage.Name,
			StageOutputs: wf.StageOutputs,
			PlatformID:   wf.PlatformID,
			SurfaceID:    wf.SurfaceID,
		},
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to publish malformed task envelope: %w", err)
	}
	return env, nil
}

// priorityWeight maps the workflow's priority class onto the envelope's
// 0..10 numeric scale.
func priorityWeight(p store.Priority) int {
	switch p {
	case store.PriorityLow:
		return 3
	case store.PriorityHigh:
		return 8
	case store.PriorityCritical:
		return 10
	default:
		return 5
	}
}
