package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/events"
	"github.com/stagecraft/stagecraft/internal/store"
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

func newTestRegistry(t *testing.T) (*Registry, *store.Store, bus.Bus, bus.Topics) {
	t.Helper()
	log := newTestLogger(t)

	st, cleanup, err := store.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	b := bus.NewMemoryBus(config.BusConfig{PublishBuffer: 16, MaxDeliver: 5}, log, nil)
	t.Cleanup(func() { _ = b.Close() })

	topics := bus.NewTopics("")
	pub := events.NewPublisher(b, topics, log)
	r := New(st, pub, b, topics, nil, log, DefaultConfig())
	return r, st, b, topics
}

func register(t *testing.T, r *Registry, agentID string, types []string, platformID string, intervalMs int) {
	t.Helper()
	err := r.ApplyRegistration(context.Background(), &envelope.AgentRegisteredPayload{
		AgentID:    agentID,
		AgentTypes: types,
		PlatformID: platformID,
		IntervalMs: intervalMs,
	})
	if err != nil {
		t.Fatalf("failed to apply registration: %v", err)
	}
}

func TestValidateAgentGlobalAndScoped(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	register(t, r, "agent-1", []string{"scaffold", "backend"}, "", 30000)
	register(t, r, "agent-2", []string{"ml-training"}, "plat-1", 30000)

	if res := r.ValidateAgent("scaffold", ""); !res.Exists {
		t.Error("global type should resolve without a platform")
	}
	if res := r.ValidateAgent("scaffold", "plat-1"); !res.Exists {
		t.Error("global type should resolve for any platform")
	}
	if res := r.ValidateAgent("ml-training", "plat-1"); !res.Exists {
		t.Error("scoped type should resolve for its platform")
	}

	res := r.ValidateAgent("ml-training", "")
	if res.Exists {
		t.Error("scoped type must not resolve globally")
	}
	if res.Suggestion != "" {
		t.Errorf("exact name in another scope should not be suggested, got %q", res.Suggestion)
	}
}

func TestValidateAgentSuggestsCloseName(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	register(t, r, "agent-1", []string{"ml-training"}, "", 30000)

	res := r.ValidateAgent("ml-trainng", "")
	if res.Exists {
		t.Error("typo should not resolve")
	}
	if res.Suggestion != "ml-training" {
		t.Errorf("expected suggestion ml-training, got %q", res.Suggestion)
	}

	res = r.ValidateAgent("completely-different", "")
	if res.Exists || res.Suggestion != "" {
		t.Errorf("distant name should get no suggestion, got %+v", res)
	}
}

func TestValidateAgentBeforeLoad(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	res := r.ValidateAgent("scaffold", "")
	if res.Exists || res.Suggestion != "" {
		t.Errorf("empty registry should resolve nothing, got %+v", res)
	}
	if snap := r.Snapshot(); snap != nil {
		t.Errorf("expected nil snapshot before load, got %d agents", len(snap))
	}
}

func TestLoadAggregatesAgentRows(t *testing.T) {
	r, st, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rows := []*store.AgentRegistration{
		{AgentID: "agent-b", AgentType: "backend", HeartbeatIntervalMs: 15000},
		{AgentID: "agent-a", AgentType: "scaffold"},
		{AgentID: "agent-a", AgentType: "testing"},
		{AgentID: "agent-a", AgentType: "scaffold", PlatformID: "plat-1"},
	}
	for _, row := range rows {
		if err := st.UpsertRegistration(ctx, row); err != nil {
			t.Fatalf("failed to upsert registration: %v", err)
		}
	}
	if err := r.Load(ctx); err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(snap))
	}
	if snap[0].AgentID != "agent-a" || snap[1].AgentID != "agent-b" {
		t.Errorf("expected agents sorted by id, got %s, %s", snap[0].AgentID, snap[1].AgentID)
	}

	a := snap[0]
	if len(a.AgentTypes) != 2 || a.AgentTypes[0] != "scaffold" || a.AgentTypes[1] != "testing" {
		t.Errorf("expected deduplicated sorted types, got %v", a.AgentTypes)
	}
	if len(a.PlatformIDs) != 1 || a.PlatformIDs[0] != "plat-1" {
		t.Errorf("expected scoped platform recorded, got %v", a.PlatformIDs)
	}
	if a.Status != store.AgentOnline {
		t.Errorf("expected online status, got %s", a.Status)
	}
	if snap[1].HeartbeatIntervalMs != 15000 {
		t.Errorf("expected declared interval, got %d", snap[1].HeartbeatIntervalMs)
	}
}

func TestApplyHeartbeatBringsAgentBackOnline(t *testing.T) {
	r, st, _, _ := newTestRegistry(t)
	ctx := context.Background()

	register(t, r, "agent-1", []string{"scaffold"}, "", 30000)

	if _, err := st.SetAgentStatus(ctx, "agent-1", store.AgentOffline); err != nil {
		t.Fatalf("failed to set agent status: %v", err)
	}
	if err := r.Load(ctx); err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}
	if snap := r.Snapshot(); snap[0].Status != store.AgentOffline {
		t.Fatalf("expected offline before heartbeat, got %s", snap[0].Status)
	}

	at := time.Now().UTC()
	if err := r.ApplyHeartbeat(ctx, "agent-1", at); err != nil {
		t.Fatalf("failed to apply heartbeat: %v", err)
	}

	snap := r.Snapshot()
	if snap[0].Status != store.AgentOnline {
		t.Errorf("expected online after heartbeat, got %s", snap[0].Status)
	}
	if snap[0].LastHeartbeatAt.Before(at.Add(-time.Second)) {
		t.Errorf("expected heartbeat timestamp refreshed, got %v", snap[0].LastHeartbeatAt)
	}
}

func TestApplyHeartbeatFromUnregisteredAgentIsDropped(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	register(t, r, "agent-1", []string{"scaffold"}, "", 30000)

	if err := r.ApplyHeartbeat(ctx, "ghost", time.Now().UTC()); err != nil {
		t.Fatalf("unregistered heartbeat should not error: %v", err)
	}
	if snap := r.Snapshot(); len(snap) != 1 {
		t.Errorf("expected 1 agent, got %d", len(snap))
	}
}

func TestSweepMarksSilentAgentsOffline(t *testing.T) {
	r, st, b, topics := newTestRegistry(t)
	ctx := context.Background()

	// Declared interval 1s, last heartbeat 10s ago: well past the 3x threshold.
	err := st.UpsertRegistration(ctx, &store.AgentRegistration{
		AgentID:             "agent-1",
		AgentType:           "scaffold",
		HeartbeatIntervalMs: 1000,
		LastHeartbeatAt:     time.Now().UTC().Add(-10 * time.Second),
	})
	if err != nil {
		t.Fatalf("failed to upsert registration: %v", err)
	}
	if err := r.Load(ctx); err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}

	offline := make(chan []byte, 1)
	if _, err := b.SubscribeMirror(ctx, topics.Events(), func(_ string, data []byte) {
		offline <- data
	}); err != nil {
		t.Fatalf("SubscribeMirror failed: %v", err)
	}

	flipped, err := r.Sweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if flipped != 1 {
		t.Fatalf("expected 1 agent flipped, got %d", flipped)
	}
	if snap := r.Snapshot(); snap[0].Status != store.AgentOffline {
		t.Errorf("expected offline after sweep, got %s", snap[0].Status)
	}

	select {
	case data := <-offline:
		ev, perr := envelope.ParseEvent(data)
		if perr != nil {
			t.Fatalf("offline event not valid: %v", perr)
		}
		if ev.EventType != envelope.EventAgentOffline {
			t.Fatalf("expected agent.offline, got %s", ev.EventType)
		}
		var p envelope.AgentOfflinePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("failed to unmarshal payload: %v", err)
		}
		if p.AgentID != "agent-1" {
			t.Errorf("expected agent-1 in payload, got %s", p.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent.offline event")
	}

	// Already offline: the transition must not be announced twice.
	flipped, err = r.Sweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if flipped != 0 {
		t.Errorf("expected no flips on second sweep, got %d", flipped)
	}
	select {
	case <-offline:
		t.Fatal("agent.offline published twice for one transition")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweepHonorsDeclaredInterval(t *testing.T) {
	r, st, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// 60s interval: a 2 minute silence is within the 3x threshold.
	err := st.UpsertRegistration(ctx, &store.AgentRegistration{
		AgentID:             "agent-slow",
		AgentType:           "ml-training",
		HeartbeatIntervalMs: 60000,
		LastHeartbeatAt:     time.Now().UTC().Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("failed to upsert registration: %v", err)
	}
	if err := r.Load(ctx); err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}

	flipped, err := r.Sweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if flipped != 0 {
		t.Errorf("expected no flips within threshold, got %d", flipped)
	}
	if snap := r.Snapshot(); snap[0].Status != store.AgentOnline {
		t.Errorf("expected agent still online, got %s", snap[0].Status)
	}
}

func TestStartConsumesAgentLifecycleEvents(t *testing.T) {
	r, _, b, topics := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("failed to start registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })

	if err := r.Start(ctx); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	pub := events.NewPublisher(b, topics, newTestLogger(t))
	evCtx := appctx.WithTrace(ctx, appctx.Trace{TraceID: "trace-reg"})
	err := pub.Emit(evCtx, envelope.EventAgentRegistered, "", &envelope.AgentRegisteredPayload{
		AgentID:    "agent-9",
		AgentTypes: []string{"scaffold"},
		IntervalMs: 30000,
	})
	if err != nil {
		t.Fatalf("failed to publish registration event: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if r.ValidateAgent("scaffold", "").Exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for registration to apply")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("failed to stop registry: %v", err)
	}
	if err := r.Stop(); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}
