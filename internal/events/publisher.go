// Package events publishes lifecycle events on the broadcast topic. Every
// observable state change in the orchestrator goes through the Publisher so
// the durable events stream and its non-durable mirror stay consistent.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
)

// streamTTL bounds how long unconsumed events sit on the durable stream.
// The store keeps the permanent audit trail; the stream only feeds live
// consumers.
const streamTTL = 24 * time.Hour

// Publisher emits lifecycle events. The trace id is always read from the
// context: whoever starts an operation owns trace allocation, the publisher
// never invents one.
type Publisher struct {
	bus    bus.Bus
	topics bus.Topics
	logger *logger.Logger
}

// NewPublisher returns a Publisher emitting on the events topic of topics.
func NewPublisher(b bus.Bus, topics bus.Topics, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		topics: topics,
		logger: log.WithFields(zap.String("component", "event-publisher")),
	}
}

// Emit publishes one lifecycle event, mirrored for non-durable observers.
// workflowID may be empty for agent-scoped events. payload is marshaled as
// the event's opaque payload; pass nil for none.
func (p *Publisher) Emit(ctx context.Context, typ envelope.EventType, workflowID string, payload any) error {
	tr, _ := appctx.TraceFrom(ctx)

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	ev := envelope.LifecycleEvent{
		EventType:  typ,
		WorkflowID: workflowID,
		TraceID:    tr.TraceID,
		Timestamp:  time.Now().UTC(),
		Payload:    raw,
	}
	if err := ev.Validate(); err != nil {
		p.logger.Warn("refusing to publish malformed lifecycle event",
			zap.String("event_type", string(typ)),
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", typ, err)
	}
	if err := p.bus.Publish(ctx, p.topics.Events(), data, bus.WithMirror(), bus.WithTTL(streamTTL)); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("event_type", string(typ)),
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return err
	}
	return nil
}
