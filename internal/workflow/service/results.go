package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/workflow/machine"
)

// handleResultDelivery consumes one message from the results topic. The
// message is acknowledged only after the transition it carries is durable;
// transient failures leave it pending for redelivery and poison envelopes
// are terminated to the dead-letter queue.
func (s *Service) handleResultDelivery(ctx context.Context, d *bus.Delivery) error {
	s.wg.Add(1)
	defer s.wg.Done()

	env, err := envelope.ParseResult(d.Data)
	if err != nil {
		s.reportPoison(ctx, d, err)
		return bus.Permanent(err)
	}
	ctx = appctx.WithWorkflowID(ctx, env.WorkflowID)

	// Progress reports touch only the task row; no machine transition.
	switch env.Status {
	case envelope.StatusPending, envelope.StatusQueued, envelope.StatusRunning:
		return s.recordTaskProgress(ctx, env)
	case envelope.StatusCancelled:
		return s.recordTaskCancelled(ctx, env)
	}

	// Cluster-wide idempotency: first writer wins, everyone else drops.
	eventID := env.EventID()
	fresh, err := s.kv.SetIfAbsent(ctx, kv.SeenKey(eventID), []byte("1"), s.config.DedupTTL)
	if err != nil {
		return err
	}
	if !fresh {
		s.metrics.DedupDrops.Inc()
		s.logger.Debug("duplicate result dropped",
			zap.String("workflow_id", env.WorkflowID),
			zap.String("task_id", env.TaskID),
			zap.String("event_id", eventID))
		return nil
	}

	ev := s.eventFromResult(ctx, env, d.Data)
	wf, def, eff, err := s.applyEvent(ctx, env.WorkflowID, ev)
	if err != nil {
		// The claim must not outlive a failed application, or the
		// redelivered message would be dropped as a duplicate.
		if delErr := s.kv.Delete(ctx, kv.SeenKey(eventID)); delErr != nil {
			s.logger.Warn("failed to release idempotency claim",
				zap.String("event_id", eventID), zap.Error(delErr))
		}
		if apperr.IsCode(err, apperr.CodeWorkflowNotFound) || apperr.IsKind(err, apperr.KindValidation) {
			s.reportPoison(ctx, d, err)
			return bus.Permanent(err)
		}
		return err
	}

	if !eff.Ignored {
		s.settleTask(ctx, ev)
	}
	if err := s.executeEffects(ctx, wf, def, ev, eff); err != nil {
		// The transition is durable; a lost dispatch is recovered by the
		// timeout watchdog, so the message is still acknowledged.
		s.logger.Error("result effects incomplete",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	return nil
}

// eventFromResult maps a validated result envelope onto a machine event.
// Partial success routes like success; the stage declared what to do with
// it. Retry eligibility needs the task row's attempt budget.
func (s *Service) eventFromResult(ctx context.Context, env *envelope.ResultEnvelope, raw []byte) machine.Event {
	switch env.Status {
	case envelope.StatusCompleted, envelope.StatusPartial:
		return machine.Event{
			Kind:    machine.StageComplete,
			Stage:   env.Stage,
			Output:  env.Result,
			EventID: env.EventID(),
			Raw:     raw,
			TaskID:  env.TaskID,
		}
	default:
		failure := &store.WorkflowError{Code: apperr.CodeInternal, Message: "agent reported failure"}
		if env.Status == envelope.StatusTimeout {
			failure = &store.WorkflowError{Code: apperr.CodeTimeout, Message: "agent reported timeout", Retryable: true}
		}
		if env.Error != nil {
			failure = &store.WorkflowError{
				Code:      env.Error.Code,
				Message:   env.Error.Message,
				Retryable: env.Error.Retryable,
			}
		}
		canRetry := false
		if failure.Retryable {
			if t, err := s.store.GetTask(ctx, env.TaskID); err == nil {
				canRetry = t.RetryCount < t.MaxRetries
			}
		}
		return machine.Event{
			Kind:     machine.StageFailed,
			Stage:    env.Stage,
			Failure:  failure,
			EventID:  env.EventID(),
			Raw:      raw,
			TaskID:   env.TaskID,
			CanRetry: canRetry,
		}
	}
}

// settleTask finalizes the task row and closes its span once its terminal
// result has been applied (or parked on the paused queue).
func (s *Service) settleTask(ctx context.Context, ev machine.Event) {
	if ev.TaskID == "" {
		return
	}
	s.watchdog.disarm(ev.TaskID)

	status := store.TaskCompleted
	spanStatus := store.SpanOK
	errMsg := ""
	var result json.RawMessage
	switch ev.Kind {
	case machine.StageComplete:
		result = ev.Output
	case machine.StageFailed, machine.Timeout:
		status = store.TaskFailed
		spanStatus = store.SpanError
		if ev.Kind == machine.Timeout {
			status = store.TaskTimeout
			errMsg = "task deadline exceeded"
		}
		if ev.Failure != nil {
			errMsg = ev.Failure.Message
			if ev.Failure.Code == apperr.CodeTimeout {
				status = store.TaskTimeout
			}
		}
	default:
		return
	}

	if err := s.store.UpdateTaskStatus(ctx, ev.TaskID, status, result, errMsg); err != nil {
		s.logger.Warn("failed to finalize task row",
			zap.String("task_id", ev.TaskID), zap.Error(err))
	}
	t, err := s.store.GetTask(ctx, ev.TaskID)
	if err != nil {
		return
	}
	if err := s.store.CloseSpan(ctx, t.SpanID, spanStatus); err != nil {
		s.logger.Warn("failed to close task span",
			zap.String("task_id", ev.TaskID),
			zap.String("span_id", t.SpanID), zap.Error(err))
	}
}

// recordTaskProgress applies a non-terminal status report to the task row.
func (s *Service) recordTaskProgress(ctx context.Context, env *envelope.ResultEnvelope) error {
	status := store.TaskPending
	switch env.Status {
	case envelope.StatusQueued:
		status = store.TaskAssigned
	case envelope.StatusRunning:
		status = store.TaskRunning
	}
	if err := s.store.UpdateTaskStatus(ctx, env.TaskID, status, nil, ""); err != nil {
		if apperr.IsCode(err, apperr.CodeTaskNotFound) {
			s.logger.Warn("progress report for unknown task",
				zap.String("task_id", env.TaskID),
				zap.String("workflow_id", env.WorkflowID))
			return nil
		}
		return err
	}
	return nil
}

// recordTaskCancelled acknowledges an agent's confirmation that it abandoned
// a cancelled task. The workflow transition happened on CANCEL already.
func (s *Service) recordTaskCancelled(ctx context.Context, env *envelope.ResultEnvelope) error {
	s.watchdog.disarm(env.TaskID)
	if err := s.store.UpdateTaskStatus(ctx, env.TaskID, store.TaskCancelled, nil, ""); err != nil && !apperr.IsCode(err, apperr.CodeTaskNotFound) {
		return err
	}
	return nil
}

// reportPoison announces a result envelope that cannot be applied. The
// workflow, when identifiable, gets a stage.failed lifecycle event; the
// message itself goes to the dead-letter queue for human inspection.
func (s *Service) reportPoison(ctx context.Context, d *bus.Delivery, cause error) {
	var probe struct {
		WorkflowID string `json:"workflow_id"`
		TaskID     string `json:"task_id"`
		Stage      string `json:"stage"`
	}
	_ = json.Unmarshal(d.Data, &probe)

	s.logger.Error("poison result envelope",
		zap.String("topic", d.Topic),
		zap.Int("attempt", d.Attempt),
		zap.String("workflow_id", probe.WorkflowID),
		zap.String("task_id", probe.TaskID),
		zap.Error(cause))

	if probe.WorkflowID == "" {
		return
	}
	wf, err := s.store.GetWorkflow(ctx, probe.WorkflowID)
	if err != nil {
		return
	}
	s.emit(ctx, envelope.EventStageFailed, wf, machine.StageEventPayload{
		Stage: probe.Stage,
		Error: &store.WorkflowError{
			Code:    apperr.CodeValidationFailed,
			Message: cause.Error(),
			Stage:   probe.Stage,
		},
	})
}
