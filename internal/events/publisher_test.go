package events

import (
	"context"
	"testing"
	"time"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestEmitBroadcastsOnEventsTopicAndMirror(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryBus(config.BusConfig{PublishBuffer: 16, MaxDeliver: 5}, log, nil)
	defer func() { _ = b.Close() }()

	topics := bus.NewTopics("")
	p := NewPublisher(b, topics, log)

	durable := make(chan []byte, 1)
	mirror := make(chan []byte, 1)
	if _, err := b.Subscribe(context.Background(), topics.Events(), "observers", "c1", func(_ context.Context, d *bus.Delivery) error {
		durable <- d.Data
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := b.SubscribeMirror(context.Background(), topics.Events(), func(_ string, data []byte) {
		mirror <- data
	}); err != nil {
		t.Fatalf("SubscribeMirror failed: %v", err)
	}

	ctx := appctx.WithTrace(context.Background(), appctx.Trace{TraceID: "trace-42"})
	err := p.Emit(ctx, envelope.EventStageCompleted, "wf-1", map[string]any{"stage": "backend"})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	for name, ch := range map[string]chan []byte{"durable": durable, "mirror": mirror} {
		select {
		case data := <-ch:
			ev, perr := envelope.ParseEvent(data)
			if perr != nil {
				t.Fatalf("%s delivery not a valid event: %v", name, perr)
			}
			if ev.EventType != envelope.EventStageCompleted {
				t.Errorf("%s event_type = %q", name, ev.EventType)
			}
			if ev.TraceID != "trace-42" {
				t.Errorf("%s trace_id = %q, want trace-42", name, ev.TraceID)
			}
			if ev.WorkflowID != "wf-1" {
				t.Errorf("%s workflow_id = %q", name, ev.WorkflowID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s delivery", name)
		}
	}
}

func TestEmitRequiresTraceInContext(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryBus(config.BusConfig{PublishBuffer: 16, MaxDeliver: 5}, log, nil)
	defer func() { _ = b.Close() }()

	topics := bus.NewTopics("")
	p := NewPublisher(b, topics, log)

	received := make(chan []byte, 1)
	if _, err := b.SubscribeMirror(context.Background(), topics.Events(), func(_ string, data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("SubscribeMirror failed: %v", err)
	}

	// No trace in context: the publisher must refuse rather than invent one.
	if err := p.Emit(context.Background(), envelope.EventWorkflowCreated, "wf-1", nil); err == nil {
		t.Fatal("Emit without a trace should fail validation")
	}

	select {
	case <-received:
		t.Fatal("malformed event must not reach the topic")
	case <-time.After(100 * time.Millisecond):
	}
}
