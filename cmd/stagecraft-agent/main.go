// Package main implements a loopback agent for local development and e2e
// exercises. It subscribes to the task topics for its configured agent
// types, sleeps a configurable latency, and reports success results back to
// the orchestrator. No business logic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/events"
)

func main() {
	var (
		natsURL   = flag.String("nats-url", "nats://localhost:4222", "NATS server URL")
		namespace = flag.String("namespace", bus.DefaultNamespace, "topic namespace")
		types     = flag.String("types", "build", "comma-separated agent types to serve")
		agentID   = flag.String("agent-id", fmt.Sprintf("dev-agent-%d", os.Getpid()), "agent identifier")
		platform  = flag.String("platform", "", "platform id to register under (optional)")
		latency   = flag.Duration("latency", 500*time.Millisecond, "simulated work duration per task")
		heartbeat = flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevel,
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	agentTypes := splitTypes(*types)
	if len(agentTypes) == 0 {
		log.Error("no agent types configured")
		os.Exit(1)
	}

	b, err := bus.NewJetStreamBus(config.BusConfig{
		Provider:      "nats",
		URL:           *natsURL,
		Name:          *agentID,
		Namespace:     *namespace,
		MaxReconnects: -1,
		MaxDeliver:    5,
		AckWaitMs:     30000,
		PublishBuffer: 1024,
	}, log, nil)
	if err != nil {
		log.Error("Failed to connect to NATS", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}

	topics := bus.NewTopics(*namespace)
	a := &agent{
		id:        *agentID,
		types:     agentTypes,
		platform:  *platform,
		latency:   *latency,
		heartbeat: *heartbeat,
		bus:       b,
		topics:    topics,
		events:    events.NewPublisher(b, topics, log),
		logger:    log.WithFields(zap.String("agent_id", *agentID)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.register(ctx)

	var subs []bus.Subscription
	for _, at := range agentTypes {
		sub, err := b.Subscribe(ctx, topics.Tasks(at), "agents-"+at, *agentID, a.handleTask)
		if err != nil {
			log.Error("Failed to subscribe to task topic",
				zap.String("agent_type", at),
				zap.Error(err))
			_ = log.Sync()
			os.Exit(1)
		}
		subs = append(subs, sub)
	}
	go a.heartbeatLoop(ctx)

	log.Info("Dev agent running",
		zap.Strings("agent_types", agentTypes),
		zap.Duration("latency", *latency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Stopping dev agent...")
	cancel()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if err := b.Close(); err != nil {
		log.Warn("Bus close error", zap.Error(err))
	}
	log.Info("Dev agent stopped")
}

type agent struct {
	id        string
	types     []string
	platform  string
	latency   time.Duration
	heartbeat time.Duration

	bus    bus.Bus
	topics bus.Topics
	events *events.Publisher
	logger *logger.Logger
}

// handleTask simulates one unit of agent work: validate, wait, report
// success. Malformed envelopes are poison and must not be redelivered.
func (a *agent) handleTask(ctx context.Context, d *bus.Delivery) error {
	task, err := envelope.ParseTask(d.Data)
	if err != nil {
		a.logger.Warn("dropping malformed task envelope", zap.Error(err))
		return bus.Permanent(err)
	}

	a.logger.Info("task received",
		zap.String("task_id", task.TaskID),
		zap.String("workflow_id", task.WorkflowID),
		zap.String("stage", task.WorkflowContext.CurrentStage))

	select {
	case <-time.After(a.latency):
	case <-ctx.Done():
		return ctx.Err()
	}

	dur := a.latency.Milliseconds()
	res := &envelope.ResultEnvelope{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		AgentID:    a.id,
		AgentType:  task.AgentType,
		Success:    true,
		Status:     envelope.StatusCompleted,
		Action:     "execute",
		Result:     json.RawMessage(fmt.Sprintf(`{"ok":true,"agent_id":%q}`, a.id)),
		Metrics:    envelope.Metrics{DurationMs: &dur},
		Timestamp:  time.Now().UTC(),
		Version:    envelope.Version,
		Stage:      task.WorkflowContext.CurrentStage,
	}
	data, err := json.Marshal(res)
	if err != nil {
		return bus.Permanent(err)
	}
	return a.bus.Publish(ctx, a.topics.Results(), data)
}

func (a *agent) register(ctx context.Context) {
	a.emit(ctx, envelope.EventAgentRegistered, &envelope.AgentRegisteredPayload{
		AgentID:    a.id,
		AgentTypes: a.types,
		PlatformID: a.platform,
		IntervalMs: int(a.heartbeat.Milliseconds()),
	})
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.emit(ctx, envelope.EventAgentHeartbeat, &envelope.AgentHeartbeatPayload{
				AgentID:    a.id,
				IntervalMs: int(a.heartbeat.Milliseconds()),
			})
		}
	}
}

// emit publishes a self-originated lifecycle event under a fresh trace.
func (a *agent) emit(ctx context.Context, typ envelope.EventType, payload any) {
	evCtx := appctx.WithTrace(ctx, appctx.Trace{
		TraceID: uuid.New().String(),
		SpanID:  uuid.New().String(),
	})
	if err := a.events.Emit(evCtx, typ, "", payload); err != nil {
		a.logger.Warn("failed to emit lifecycle event",
			zap.String("event_type", string(typ)),
			zap.Error(err))
	}
}

func splitTypes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
