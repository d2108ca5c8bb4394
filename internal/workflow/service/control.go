package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/workflow/machine"
)

// Cancel moves a workflow to cancelled, marking outstanding tasks cancelled.
// Late results for those tasks are absorbed by the terminal state.
func (s *Service) Cancel(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return s.control(ctx, workflowID, machine.Event{Kind: machine.Cancel})
}

// Pause parks a running (or not yet started) workflow. In-flight tasks keep
// running; their results queue durably and replay on resume.
func (s *Service) Pause(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return s.control(ctx, workflowID, machine.Event{Kind: machine.Pause})
}

// Resume restarts a paused workflow and reapplies queued results in arrival
// order.
func (s *Service) Resume(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return s.control(ctx, workflowID, machine.Event{Kind: machine.Resume})
}

// Retry redispatches a failed workflow from fromStage, or from the failed
// stage when fromStage is empty. A stage outside the definition is a
// validation error.
func (s *Service) Retry(ctx context.Context, workflowID, fromStage string) (*store.Workflow, error) {
	return s.control(ctx, workflowID, machine.Event{Kind: machine.Retry, FromStage: fromStage})
}

func (s *Service) control(ctx context.Context, workflowID string, ev machine.Event) (*store.Workflow, error) {
	unlock, err := s.lockWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, def, eff, err := s.applyEvent(ctx, workflowID, ev)
	if err != nil {
		return nil, err
	}
	if eff.Ignored {
		s.logIgnored(wf, ev, eff.Reason)
		return nil, controlRejected(wf, ev, eff.Reason)
	}
	if err := s.executeEffects(ctx, wf, def, ev, eff); err != nil {
		s.logger.Error("control effects incomplete",
			zap.String("workflow_id", wf.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
	return wf, nil
}

// lockWorkflow serializes control operations on one workflow across nodes.
// The lock is advisory; the row version CAS is the fence. When the KV store
// is unreachable the operation proceeds unlocked.
func (s *Service) lockWorkflow(ctx context.Context, workflowID string) (func(), error) {
	key := kv.WorkflowLockKey(workflowID)
	ok, err := s.kv.SetIfAbsent(ctx, key, []byte(s.consumerName(0)), s.config.LockTTL)
	if err != nil {
		s.logger.Warn("workflow lock unavailable, relying on version fencing",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindBusiness, apperr.CodeDuplicate,
			"another control operation on workflow %s is in progress", workflowID)
	}
	return func() {
		if err := s.kv.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to release workflow lock",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}, nil
}

// controlRejected maps an ignored control event onto the API error contract:
// terminal workflows conflict, everything else is an invalid transition.
func controlRejected(wf *store.Workflow, ev machine.Event, reason string) error {
	if reason == machine.ReasonTerminal {
		return apperr.Newf(apperr.KindBusiness, apperr.CodeWorkflowTerminal,
			"workflow %s is %s and accepts no further transitions", wf.ID, wf.Status)
	}
	return apperr.Newf(apperr.KindBusiness, apperr.CodeValidationFailed,
		"workflow %s cannot apply %s while %s", wf.ID, ev.Kind, wf.Status)
}

// GetWorkflow returns one workflow row.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return s.store.GetWorkflow(ctx, workflowID)
}

// ListWorkflows returns workflow rows matching the filter, newest first.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// ListTasks returns a workflow's task attempts in creation order.
func (s *Service) ListTasks(ctx context.Context, workflowID string) ([]*store.AgentTask, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListTasksByWorkflow(ctx, workflowID)
}

// GetTask returns one task attempt by its task id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*store.AgentTask, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListEvents returns a workflow's audit timeline in arrival order.
func (s *Service) ListEvents(ctx context.Context, workflowID string) ([]*store.WorkflowEvent, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListEventsByWorkflow(ctx, workflowID)
}
