package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/definition"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/workflow/machine"
)

// applyEvent runs one machine event against a workflow with full
// reload-recompute-CAS retry semantics: on a version conflict the row is
// reloaded and the transition recomputed, so a concurrent writer's changes
// are never overwritten. Effects are returned only after the row is durable.
func (s *Service) applyEvent(ctx context.Context, workflowID string, ev machine.Event) (*store.Workflow, *definition.Definition, machine.Effects, error) {
	for attempt := 0; ; attempt++ {
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, nil, machine.Effects{}, err
		}
		def, err := s.definitionFor(ctx, wf)
		if err != nil {
			return nil, nil, machine.Effects{}, err
		}

		eff, err := machine.Apply(wf, def, ev, time.Now().UTC())
		if err != nil {
			return nil, nil, machine.Effects{}, err
		}
		if !eff.Changed {
			return wf, def, eff, nil
		}

		err = s.store.UpdateWorkflowCAS(ctx, wf)
		if err == nil {
			return wf, def, eff, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, nil, machine.Effects{}, err
		}

		s.metrics.CASConflicts.Inc()
		if attempt+1 >= s.config.CASRetries {
			return nil, nil, machine.Effects{}, apperr.Wrap(err, apperr.KindTransient, apperr.CodeDependencyUnavailable,
				"workflow update kept losing the version race")
		}
		select {
		case <-time.After(casBackoff(s.config.CASBackoff, attempt)):
		case <-ctx.Done():
			return nil, nil, machine.Effects{}, ctx.Err()
		}
	}
}

// applyLoaded applies ev to an already-loaded row, falling back to the full
// reload loop if the row turns out to be stale.
func (s *Service) applyLoaded(ctx context.Context, wf *store.Workflow, def *definition.Definition, ev machine.Event) (*store.Workflow, machine.Effects, error) {
	eff, err := machine.Apply(wf, def, ev, time.Now().UTC())
	if err != nil {
		return nil, machine.Effects{}, err
	}
	if !eff.Changed {
		return wf, eff, nil
	}
	err = s.store.UpdateWorkflowCAS(ctx, wf)
	if err == nil {
		return wf, eff, nil
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		return nil, machine.Effects{}, err
	}
	s.metrics.CASConflicts.Inc()
	fresh, _, eff, err := s.applyEvent(ctx, wf.ID, ev)
	return fresh, eff, err
}

// casBackoff returns the sleep before the next CAS attempt: the base delay
// plus up to half of it in jitter, scaled by the attempt number.
func casBackoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt+1)
	return d + time.Duration(rand.Int63n(int64(base)/2+1))
}

// definitionFor loads the definition a workflow row executes under. Rows
// always carry their definition id; by-type resolution is kept as a fallback
// for rows imported from elsewhere.
func (s *Service) definitionFor(ctx context.Context, wf *store.Workflow) (*definition.Definition, error) {
	if wf.WorkflowDefinitionID != "" {
		rec, err := s.store.GetDefinition(ctx, wf.WorkflowDefinitionID)
		if err != nil {
			return nil, err
		}
		return rec.Definition(), nil
	}
	rec, err := s.store.GetDefinitionByName(ctx, "", wf.Type)
	if err != nil {
		return nil, err
	}
	return rec.Definition(), nil
}

// executeEffects performs the side effects of a persisted transition: event
// publishes, audit rows, task dispatch or cancellation, and paused-queue
// replay. The row is already durable when this runs; effect failures are
// logged and recovered by the watchdog rather than unwinding the transition.
func (s *Service) executeEffects(ctx context.Context, wf *store.Workflow, def *definition.Definition, ev machine.Event, eff machine.Effects) error {
	if eff.Ignored {
		s.logIgnored(wf, ev, eff.Reason)
		return nil
	}
	s.metrics.Transitions.WithLabelValues(string(ev.Kind), "applied").Inc()

	for _, em := range eff.Events {
		s.emit(ctx, em.Type, wf, em.Payload)
	}

	if wf.Status.Terminal() && wf.CurrentSpanID != "" {
		spanStatus := store.SpanOK
		if wf.Status == store.WorkflowFailed {
			spanStatus = store.SpanError
		}
		if err := s.store.CloseSpan(ctx, wf.CurrentSpanID, spanStatus); err != nil {
			s.logger.Warn("failed to close workflow span",
				zap.String("workflow_id", wf.ID),
				zap.String("span_id", wf.CurrentSpanID), zap.Error(err))
		}
	}

	if eff.CancelTasks {
		if n, err := s.store.MarkTasksCancelled(ctx, wf.ID); err != nil {
			s.logger.Warn("failed to cancel outstanding tasks",
				zap.String("workflow_id", wf.ID), zap.Error(err))
		} else if n > 0 {
			s.logger.Info("cancelled outstanding tasks",
				zap.String("workflow_id", wf.ID), zap.Int64("tasks", n))
		}
		s.watchdog.disarmWorkflow(wf.ID)
	}

	var firstErr error
	if eff.Dispatch != "" {
		retryCount := 0
		if eff.Retry {
			retryCount = s.nextRetryCount(ctx, wf.ID, ev)
		}
		if err := s.dispatchStage(ctx, wf, def, eff.Dispatch, retryCount); err != nil {
			s.logger.Error("failed to dispatch stage",
				zap.String("workflow_id", wf.ID),
				zap.String("stage", eff.Dispatch),
				zap.Error(err))
			firstErr = err
		}
	}

	if len(eff.Replay) > 0 {
		s.replayQueued(ctx, wf.ID, eff.Replay)
	}
	return firstErr
}

// nextRetryCount derives the attempt number for a retry dispatch from the
// failed task's row.
func (s *Service) nextRetryCount(ctx context.Context, workflowID string, ev machine.Event) int {
	if ev.TaskID == "" {
		return 1
	}
	t, err := s.store.GetTask(ctx, ev.TaskID)
	if err != nil {
		s.logger.Warn("retry dispatch could not load prior task",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", ev.TaskID), zap.Error(err))
		return 1
	}
	return t.RetryCount + 1
}

// replayQueued reapplies events parked while the workflow was paused, in
// arrival order. Queued entries were deduplicated and their task rows settled
// on first arrival, so the replay path feeds the machine directly.
func (s *Service) replayQueued(ctx context.Context, workflowID string, queued [][]byte) {
	for _, raw := range queued {
		ev, ok := s.decodeQueued(ctx, raw)
		if !ok {
			continue
		}
		wf, def, eff, err := s.applyEvent(ctx, workflowID, ev)
		if err != nil {
			s.logger.Error("failed to replay queued event",
				zap.String("workflow_id", workflowID),
				zap.String("kind", string(ev.Kind)), zap.Error(err))
			continue
		}
		if err := s.executeEffects(ctx, wf, def, ev, eff); err != nil {
			s.logger.Error("queued event effects failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
}

// decodeQueued turns one paused-queue entry back into a machine event. The
// entry is either a verbatim result envelope or the minimal synthetic form
// queued for timeouts.
func (s *Service) decodeQueued(ctx context.Context, raw []byte) (machine.Event, bool) {
	if env, err := envelope.ParseResult(raw); err == nil {
		return s.eventFromResult(ctx, env, raw), true
	}
	var synth struct {
		Kind   string `json:"kind"`
		Stage  string `json:"stage"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &synth); err != nil || synth.Kind == "" {
		s.logger.Warn("dropping undecodable queued event")
		return machine.Event{}, false
	}
	return machine.Event{
		Kind:   machine.Kind(synth.Kind),
		Stage:  synth.Stage,
		TaskID: synth.TaskID,
	}, true
}

// emit publishes one lifecycle event on the bus and appends the matching
// audit row. The workflow's trace rides the context so the publisher never
// has to synthesize one.
func (s *Service) emit(ctx context.Context, typ envelope.EventType, wf *store.Workflow, payload any) {
	ctx = appctx.WithTrace(ctx, appctx.Trace{TraceID: wf.TraceID, SpanID: wf.CurrentSpanID})
	if err := s.events.Emit(ctx, typ, wf.ID, payload); err != nil {
		s.logger.Warn("failed to publish lifecycle event",
			zap.String("event_type", string(typ)),
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	audit := &store.WorkflowEvent{
		WorkflowID: wf.ID,
		EventType:  string(typ),
		Stage:      stageOfPayload(payload),
		TraceID:    wf.TraceID,
		Payload:    raw,
	}
	if err := s.store.AppendEvent(ctx, audit); err != nil {
		s.logger.Warn("failed to append audit event",
			zap.String("event_type", string(typ)),
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}

func stageOfPayload(payload any) string {
	switch p := payload.(type) {
	case machine.StageEventPayload:
		return p.Stage
	case machine.StatusEventPayload:
		return p.Stage
	}
	return ""
}

func (s *Service) logIgnored(wf *store.Workflow, ev machine.Event, reason string) {
	s.metrics.Transitions.WithLabelValues(string(ev.Kind), "ignored").Inc()
	if reason == machine.ReasonStageMismatch {
		s.metrics.StageMismatches.Inc()
	}
	s.logger.Info("event.ignored",
		zap.String("workflow_id", wf.ID),
		zap.String("trace_id", wf.TraceID),
		zap.String("kind", string(ev.Kind)),
		zap.String("stage", ev.Stage),
		zap.String("status", string(wf.Status)),
		zap.String("current_stage", wf.CurrentStage),
		zap.String("reason", reason))
}
