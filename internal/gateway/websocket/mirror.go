package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/store"
)

// Broadcaster taps the non-durable events mirror and hands every decoded
// lifecycle event to the hub, annotated with its owning platform so
// platform-filtered observers can be served.
type Broadcaster struct {
	hub    *Hub
	store  *store.Store
	bus    bus.Bus
	topics bus.Topics

	ctx context.Context
	sub bus.Subscription

	mu        sync.Mutex
	platforms map[string]string // workflow_id -> platform_id

	logger *logger.Logger
}

// NewBroadcaster creates the mirror tap. Start must be called to subscribe.
func NewBroadcaster(hub *Hub, st *store.Store, b bus.Bus, topics bus.Topics, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		hub:       hub,
		store:     st,
		bus:       b,
		topics:    topics,
		platforms: make(map[string]string),
		logger:    log.WithFields(zap.String("component", "ws-broadcaster")),
	}
}

// Start taps the events mirror.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.ctx = ctx
	sub, err := b.bus.SubscribeMirror(ctx, b.topics.Events(), b.onEvent)
	if err != nil {
		return err
	}
	b.sub = sub
	b.logger.Info("tapped events mirror", zap.String("topic", b.topics.Events()))
	return nil
}

// Close releases the mirror subscription.
func (b *Broadcaster) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}

func (b *Broadcaster) onEvent(_ string, data []byte) {
	ev, err := envelope.ParseEvent(data)
	if err != nil {
		b.logger.Warn("dropping undecodable mirrored event", zap.Error(err))
		return
	}
	b.hub.BroadcastEvent(ev, b.platformFor(ev))
}

// platformFor resolves the owning platform of a workflow-scoped event. The
// row is read once per workflow and cached; terminal events evict, so the
// cache only carries live workflows.
func (b *Broadcaster) platformFor(ev *envelope.LifecycleEvent) string {
	if ev.WorkflowID == "" {
		return ""
	}

	b.mu.Lock()
	id, cached := b.platforms[ev.WorkflowID]
	b.mu.Unlock()

	if !cached {
		wf, err := b.store.GetWorkflow(b.ctx, ev.WorkflowID)
		if err != nil {
			return ""
		}
		id = wf.PlatformID
		b.mu.Lock()
		b.platforms[ev.WorkflowID] = id
		b.mu.Unlock()
	}

	if terminalEvent(ev.EventType) {
		b.mu.Lock()
		delete(b.platforms, ev.WorkflowID)
		b.mu.Unlock()
	}
	return id
}

func terminalEvent(t envelope.EventType) bool {
	switch t {
	case envelope.EventWorkflowCompleted, envelope.EventWorkflowFailed, envelope.EventWorkflowCancelled:
		return true
	}
	return false
}
