package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/workflow/machine"
)

// watchdog tracks one timer per in-flight task and fires a synthetic timeout
// when no result arrives before the task's deadline. Every replica arms the
// same timers after a restart; the KV dedup record collapses concurrent
// firings to a single applied event.
type watchdog struct {
	svc    *Service
	logger *logger.Logger

	mu     sync.Mutex
	timers map[string]*watchdogEntry
}

type watchdogEntry struct {
	timer      *time.Timer
	workflowID string
	stage      string
}

func newWatchdog(svc *Service, log *logger.Logger) *watchdog {
	return &watchdog{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "watchdog")),
		timers: make(map[string]*watchdogEntry),
	}
}

// arm schedules (or reschedules) the deadline for one task.
func (w *watchdog) arm(taskID, workflowID, stage string, deadline time.Time) {
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.timers[taskID]; ok {
		e.timer.Stop()
	}
	w.timers[taskID] = &watchdogEntry{
		workflowID: workflowID,
		stage:      stage,
		timer: time.AfterFunc(delay, func() {
			w.fire(taskID, workflowID, stage)
		}),
	}
}

// disarm cancels the timer for one task, typically because its result
// arrived.
func (w *watchdog) disarm(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.timers[taskID]; ok {
		e.timer.Stop()
		delete(w.timers, taskID)
	}
}

// disarmWorkflow cancels every timer belonging to one workflow.
func (w *watchdog) disarmWorkflow(workflowID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for taskID, e := range w.timers {
		if e.workflowID == workflowID {
			e.timer.Stop()
			delete(w.timers, taskID)
		}
	}
}

func (w *watchdog) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for taskID, e := range w.timers {
		e.timer.Stop()
		delete(w.timers, taskID)
	}
}

func (w *watchdog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

func (w *watchdog) fire(taskID, workflowID, stage string) {
	w.mu.Lock()
	delete(w.timers, taskID)
	w.mu.Unlock()
	w.svc.handleTimeout(taskID, workflowID, stage)
}

// handleTimeout applies a synthetic timeout for a task whose deadline
// passed. The machine treats it as a stage failure with a retryable
// TIMEOUT error, honoring the task's remaining attempt budget.
func (s *Service) handleTimeout(taskID, workflowID, stage string) {
	s.mu.Lock()
	stopCh := s.stopCh
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := appctx.Detached(context.Background(), stopCh, 30*time.Second)
	defer cancel()
	ctx = appctx.WithWorkflowID(ctx, workflowID)

	log := s.logger.WithFields(
		zap.String("workflow_id", workflowID),
		zap.String("task_id", taskID),
		zap.String("stage", stage))

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		log.Warn("timeout for unknown task", zap.Error(err))
		return
	}
	if task.Status.Terminal() {
		// The result raced the deadline and won.
		return
	}

	eventID := envelope.EventID(taskID, "watchdog", envelope.StatusTimeout)
	fresh, err := s.kv.SetIfAbsent(ctx, kv.SeenKey(eventID), []byte("1"), s.config.DedupTTL)
	if err != nil {
		log.Error("timeout dedup check failed", zap.Error(err))
		return
	}
	if !fresh {
		// Another replica already applied this timeout.
		return
	}

	ev := machine.Event{
		Kind:     machine.Timeout,
		Stage:    stage,
		TaskID:   taskID,
		EventID:  eventID,
		CanRetry: task.RetryCount < task.MaxRetries,
	}
	wf, def, eff, err := s.applyEvent(ctx, workflowID, ev)
	if err != nil {
		if delErr := s.kv.Delete(ctx, kv.SeenKey(eventID)); delErr != nil {
			log.Warn("failed to release timeout claim", zap.Error(delErr))
		}
		log.Error("failed to apply task timeout", zap.Error(err))
		return
	}

	log.Warn("task deadline exceeded",
		zap.Int("timeout_ms", task.TimeoutMs),
		zap.Bool("retrying", eff.Retry))

	if !eff.Ignored {
		s.emit(ctx, envelope.EventTaskTimeout, wf, taskEventPayload{
			TaskID:    taskID,
			Stage:     stage,
			AgentType: task.AgentType,
		})
		s.settleTask(ctx, ev)
	}
	if err := s.executeEffects(ctx, wf, def, ev, eff); err != nil {
		log.Error("timeout effects incomplete", zap.Error(err))
	}
}
