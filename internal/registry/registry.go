// Package registry tracks which agent types are available to execute stages.
// It keeps an immutable snapshot behind an atomic pointer, rebuilt from the
// store at boot, on registration events, and on heartbeats, so readers
// validate agent types without taking a lock. A periodic sweeper marks agents
// offline when their heartbeats go silent.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/events"
	"github.com/stagecraft/stagecraft/internal/metrics"
	"github.com/stagecraft/stagecraft/internal/store"
)

// Config holds registry tuning.
type Config struct {
	ConsumerGroup   string        // durable group on the events topic
	ConsumerID      string        // stable member name, defaults to hostname
	SweepInterval   time.Duration // how often to scan for silent agents
	RefreshInterval time.Duration // how often to rebuild the snapshot from the store
	OfflineAfter    time.Duration // fallback threshold for agents with no declared interval
}

// DefaultConfig returns default registry configuration.
func DefaultConfig() Config {
	return Config{
		ConsumerGroup:   "registry-group",
		SweepInterval:   30 * time.Second,
		RefreshInterval: 60 * time.Second,
		OfflineAfter:    90 * time.Second,
	}
}

// Resolution is the outcome of validating an agent type against the registry.
// When the type is unknown, Suggestion may carry a close registered name.
type Resolution struct {
	Exists     bool
	Suggestion string
}

// AgentInfo is the read model for one agent, aggregated across its
// capability rows.
type AgentInfo struct {
	AgentID             string    `json:"agent_id"`
	AgentTypes          []string  `json:"agent_types"`
	PlatformIDs         []string  `json:"platform_ids,omitempty"`
	Status              string    `json:"status"`
	HeartbeatIntervalMs int       `json:"heartbeat_interval_ms"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
}

// snapshot is an immutable view of the registry. A new snapshot is built and
// swapped in whole; nothing mutates one after it is published.
type snapshot struct {
	scoped map[string]map[string]struct{} // platform_id ("" = global) -> agent types
	agents map[string]*AgentInfo
	list   []*AgentInfo // sorted by agent id
	types  []string     // sorted distinct type names, for suggestions
	online int
}

// Registry resolves agent types and tracks liveness. Reads are lock-free;
// snapshot rebuilds are serialized.
type Registry struct {
	store   *store.Store
	events  *events.Publisher
	bus     bus.Bus
	topics  bus.Topics
	metrics *metrics.Metrics
	logger  *logger.Logger
	cfg     Config

	snap   atomic.Pointer[snapshot]
	loadMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	sub     bus.Subscription
	wg      sync.WaitGroup
}

// New creates a Registry. Zero config fields fall back to DefaultConfig.
func New(st *store.Store, pub *events.Publisher, b bus.Bus, topics bus.Topics, m *metrics.Metrics, log *logger.Logger, cfg Config) *Registry {
	if log == nil {
		log = logger.Default()
	}
	def := DefaultConfig()
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = def.ConsumerGroup
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = def.OfflineAfter
	}
	return &Registry{
		store:   st,
		events:  pub,
		bus:     b,
		topics:  topics,
		metrics: m,
		logger:  log.WithFields(zap.String("component", "registry")),
		cfg:     cfg,
	}
}

// Load rebuilds the snapshot from the store and swaps it in.
func (r *Registry) Load(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	regs, err := r.store.ListRegistrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild registry snapshot: %w", err)
	}
	snap := buildSnapshot(regs)
	r.snap.Store(snap)
	if r.metrics != nil {
		r.metrics.AgentsOnline.Set(float64(snap.online))
	}
	return nil
}

// ValidateAgent reports whether any agent serves agentType. Platform-scoped
// registrations take precedence over global ones; a miss includes a close
// registered name when one exists. Offline agents still count as registered:
// their work queues outlive a silent heartbeat.
func (r *Registry) ValidateAgent(agentType, platformID string) Resolution {
	snap := r.snap.Load()
	if snap == nil {
		return Resolution{}
	}
	if platformID != "" {
		if _, ok := snap.scoped[platformID][agentType]; ok {
			return Resolution{Exists: true}
		}
	}
	if _, ok := snap.scoped[""][agentType]; ok {
		return Resolution{Exists: true}
	}
	return Resolution{Suggestion: snap.suggest(agentType)}
}

// ResolveAgent reports whether any agent serves agentType, scoped to
// platformID. Satisfies definition.AgentResolver.
func (r *Registry) ResolveAgent(agentType, platformID string) bool {
	return r.ValidateAgent(agentType, platformID).Exists
}

// Snapshot returns the current agent read models, sorted by agent id. The
// slice is shared with the snapshot and must be treated as read-only.
func (r *Registry) Snapshot() []*AgentInfo {
	snap := r.snap.Load()
	if snap == nil {
		return nil
	}
	return snap.list
}

// ApplyRegistration persists an agent's capability rows and rebuilds the
// snapshot. One row per declared type; re-registration refreshes in place.
func (r *Registry) ApplyRegistration(ctx context.Context, p *envelope.AgentRegisteredPayload) error {
	if p.AgentID == "" || len(p.AgentTypes) == 0 {
		r.logger.Warn("ignoring registration without agent_id or agent_types",
			zap.String("agent_id", p.AgentID))
		return nil
	}
	now := time.Now().UTC()
	for _, agentType := range p.AgentTypes {
		reg := &store.AgentRegistration{
			AgentID:             p.AgentID,
			AgentType:           agentType,
			PlatformID:          p.PlatformID,
			Status:              store.AgentOnline,
			HeartbeatIntervalMs: p.IntervalMs,
			LastHeartbeatAt:     now,
		}
		if err := r.store.UpsertRegistration(ctx, reg); err != nil {
			return err
		}
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", p.AgentID),
		zap.Strings("agent_types", p.AgentTypes),
		zap.String("platform_id", p.PlatformID))
	return r.Load(ctx)
}

// ApplyHeartbeat refreshes an agent's liveness and rebuilds the snapshot.
// Heartbeats from agents that never registered are logged and dropped.
func (r *Registry) ApplyHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	if agentID == "" {
		r.logger.Warn("ignoring heartbeat without agent_id")
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rows, err := r.store.TouchHeartbeat(ctx, agentID, at)
	if err != nil {
		return err
	}
	if rows == 0 {
		r.logger.Warn("heartbeat from unregistered agent", zap.String("agent_id", agentID))
		return nil
	}
	return r.Load(ctx)
}

// handleEvent consumes the events topic. Only agent lifecycle events matter
// here; everything else is acknowledged untouched. Malformed events are
// dropped with a warning: redelivery cannot fix them and the registry does
// not own this topic's dead-letter queue.
func (r *Registry) handleEvent(ctx context.Context, d *bus.Delivery) error {
	ev, err := envelope.ParseEvent(d.Data)
	if err != nil {
		r.logger.Warn("dropping unparseable lifecycle event", zap.Error(err))
		return nil
	}
	ctx = appctx.WithTrace(ctx, appctx.Trace{TraceID: ev.TraceID})

	switch ev.EventType {
	case envelope.EventAgentRegistered:
		var p envelope.AgentRegisteredPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			r.logger.Warn("dropping malformed agent.registered payload", zap.Error(err))
			return nil
		}
		return r.ApplyRegistration(ctx, &p)
	case envelope.EventAgentHeartbeat:
		var p envelope.AgentHeartbeatPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			r.logger.Warn("dropping malformed agent.heartbeat payload", zap.Error(err))
			return nil
		}
		return r.ApplyHeartbeat(ctx, p.AgentID, ev.Timestamp)
	default:
		return nil
	}
}

// suggest returns the closest registered type within Levenshtein distance 1.
// types is sorted, so the suggestion is deterministic.
func (s *snapshot) suggest(agentType string) string {
	for _, t := range s.types {
		if levenshtein.ComputeDistance(agentType, t) == 1 {
			return t
		}
	}
	return ""
}

func buildSnapshot(regs []*store.AgentRegistration) *snapshot {
	snap := &snapshot{
		scoped: make(map[string]map[string]struct{}),
		agents: make(map[string]*AgentInfo),
	}
	typeSet := make(map[string]struct{})
	agentTypes := make(map[string]map[string]struct{})
	agentScopes := make(map[string]map[string]struct{})

	for _, reg := range regs {
		caps, ok := snap.scoped[reg.PlatformID]
		if !ok {
			caps = make(map[string]struct{})
			snap.scoped[reg.PlatformID] = caps
		}
		caps[reg.AgentType] = struct{}{}
		typeSet[reg.AgentType] = struct{}{}

		info, ok := snap.agents[reg.AgentID]
		if !ok {
			info = &AgentInfo{AgentID: reg.AgentID, Status: reg.Status}
			snap.agents[reg.AgentID] = info
			agentTypes[reg.AgentID] = make(map[string]struct{})
			agentScopes[reg.AgentID] = make(map[string]struct{})
		}
		agentTypes[reg.AgentID][reg.AgentType] = struct{}{}
		if reg.PlatformID != "" {
			agentScopes[reg.AgentID][reg.PlatformID] = struct{}{}
		}
		if reg.Status == store.AgentOnline {
			info.Status = store.AgentOnline
		}
		if info.HeartbeatIntervalMs == 0 && reg.HeartbeatIntervalMs > 0 {
			info.HeartbeatIntervalMs = reg.HeartbeatIntervalMs
		}
		if reg.LastHeartbeatAt.After(info.LastHeartbeatAt) {
			info.LastHeartbeatAt = reg.LastHeartbeatAt
		}
	}

	for id, info := range snap.agents {
		info.AgentTypes = sortedKeys(agentTypes[id])
		info.PlatformIDs = sortedKeys(agentScopes[id])
		snap.list = append(snap.list, info)
		if info.Status == store.AgentOnline {
			snap.online++
		}
	}
	sort.Slice(snap.list, func(i, j int) bool { return snap.list[i].AgentID < snap.list[j].AgentID })
	snap.types = sortedKeys(typeSet)
	return snap
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
