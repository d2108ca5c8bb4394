// Package service implements the orchestration service: the only component
// that creates workflows, dispatches task envelopes, consumes agent results,
// and persists state transitions. It composes the state machine (pure
// transitions), the definition engine (routing), the registry (agent
// validation), the KV store (cluster-wide dedup), and the bus (durable
// messaging); all writes go through the store's CAS so concurrent consumers
// on other nodes cannot clobber each other.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/events"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/metrics"
	"github.com/stagecraft/stagecraft/internal/registry"
	"github.com/stagecraft/stagecraft/internal/store"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// ServiceConfig holds orchestration service tuning.
type ServiceConfig struct {
	ConsumerGroup     string        // durable group on the results topic
	ConsumerID        string        // stable member name
	ResultWorkers     int           // parallel result subscriptions
	DefaultTimeout    time.Duration // task deadline when the stage declares none
	DefaultMaxRetries int           // task retry budget when the stage declares none
	CASRetries        int           // reload attempts on version conflict
	CASBackoff        time.Duration // base backoff between CAS attempts
	DedupTTL          time.Duration // idempotency record lifetime
	LockTTL           time.Duration // control-operation lock lifetime
	CreatedBy         string        // stamped into envelope metadata
}

// DefaultServiceConfig returns default configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ConsumerGroup:     "orchestrator-group",
		ResultWorkers:     4,
		DefaultTimeout:    300 * time.Second,
		DefaultMaxRetries: 3,
		CASRetries:        5,
		CASBackoff:        50 * time.Millisecond,
		DedupTTL:          48 * time.Hour,
		LockTTL:           30 * time.Second,
		CreatedBy:         "orchestrator",
	}
}

// ConfigFromApp maps the application config onto service tuning.
func ConfigFromApp(cfg config.OrchestratorConfig) ServiceConfig {
	sc := DefaultServiceConfig()
	if cfg.ConsumerGroup != "" {
		sc.ConsumerGroup = cfg.ConsumerGroup
	}
	if cfg.ConsumerID != "" {
		sc.ConsumerID = cfg.ConsumerID
	}
	if cfg.ResultWorkers > 0 {
		sc.ResultWorkers = cfg.ResultWorkers
	}
	if cfg.DefaultTimeoutMs > 0 {
		sc.DefaultTimeout = cfg.DefaultTimeout()
	}
	if cfg.DefaultMaxRetries > 0 {
		sc.DefaultMaxRetries = cfg.DefaultMaxRetries
	}
	if cfg.CASRetries > 0 {
		sc.CASRetries = cfg.CASRetries
	}
	if cfg.CASBackoffMs > 0 {
		sc.CASBackoff = cfg.CASBackoff()
	}
	if cfg.DedupTTLHours > 0 {
		sc.DedupTTL = cfg.DedupTTL()
	}
	if cfg.LockTTLSeconds > 0 {
		sc.LockTTL = cfg.LockTTL()
	}
	return sc
}

// Service is the orchestration core. One instance runs per node; instances
// share work through the results consumer group and agree on state through
// CAS and the KV dedup records.
type Service struct {
	config   ServiceConfig
	store    *store.Store
	bus      bus.Bus
	topics   bus.Topics
	kv       kv.Store
	registry *registry.Registry
	events   *events.Publisher
	metrics  *metrics.Metrics
	logger   *logger.Logger

	watchdog *watchdog

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	subs      []bus.Subscription
	wg        sync.WaitGroup
}

// NewService creates the orchestration service. Zero config fields fall back
// to DefaultServiceConfig.
func NewService(
	cfg ServiceConfig,
	st *store.Store,
	b bus.Bus,
	topics bus.Topics,
	kvStore kv.Store,
	reg *registry.Registry,
	pub *events.Publisher,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	def := DefaultServiceConfig()
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = def.ConsumerGroup
	}
	if cfg.ResultWorkers <= 0 {
		cfg.ResultWorkers = def.ResultWorkers
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = def.CASRetries
	}
	if cfg.CASBackoff <= 0 {
		cfg.CASBackoff = def.CASBackoff
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.CreatedBy == "" {
		cfg.CreatedBy = def.CreatedBy
	}

	s := &Service{
		config:   cfg,
		store:    st,
		bus:      b,
		topics:   topics,
		kv:       kvStore,
		registry: reg,
		events:   pub,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "orchestration")),
	}
	s.watchdog = newWatchdog(s, log)
	return s
}

// Start subscribes the result workers and re-arms timeout watchdogs for tasks
// that were in flight when the previous process stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting orchestration service",
		zap.String("group", s.config.ConsumerGroup),
		zap.Int("result_workers", s.config.ResultWorkers))

	for i := 0; i < s.config.ResultWorkers; i++ {
		sub, err := s.bus.Subscribe(ctx, s.topics.Results(), s.config.ConsumerGroup, s.consumerName(i), s.handleResultDelivery)
		if err != nil {
			s.teardownLocked()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	if err := s.rearmWatchdogs(ctx); err != nil {
		s.logger.Warn("failed to re-arm task watchdogs", zap.Error(err))
	}

	s.logger.Info("orchestration service started")
	return nil
}

// Stop unsubscribes the result workers, waits for in-flight handlers, and
// stops the watchdog timers. Safe to call once after a successful Start.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	close(s.stopCh)
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.logger.Info("stopping orchestration service")

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe result worker", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.watchdog.stopAll()

	s.logger.Info("orchestration service stopped")
	return nil
}

// Status reports the service's runtime state for health endpoints.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	Group     string        `json:"group"`
	Watchdogs int           `json:"watchdogs"`
}

// Status returns the current runtime state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running: s.running,
		Group:   s.config.ConsumerGroup,
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
		st.Watchdogs = s.watchdog.count()
	}
	return st
}

func (s *Service) consumerName(worker int) string {
	id := s.config.ConsumerID
	if id == "" {
		id = "orchestrator"
	}
	if worker == 0 {
		return id
	}
	return fmt.Sprintf("%s-%d", id, worker)
}

// rearmWatchdogs restores deadlines for tasks that were pending or running
// when the previous process exited. The deadline counts from the original
// creation time; tasks already past it time out on the first tick.
func (s *Service) rearmWatchdogs(ctx context.Context) error {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		s.watchdog.arm(t.TaskID, t.WorkflowID, t.StageName, deadlineFor(t.CreatedAt, t.TimeoutMs, s.config.DefaultTimeout))
	}
	if len(tasks) > 0 {
		s.logger.Info("re-armed task watchdogs", zap.Int("tasks", len(tasks)))
	}
	return nil
}

func deadlineFor(created time.Time, timeoutMs int, fallback time.Duration) time.Time {
	d := fallback
	if timeoutMs > 0 {
		d = time.Duration(timeoutMs) * time.Millisecond
	}
	return created.Add(d)
}

// teardownLocked reverts a partial Start.
func (s *Service) teardownLocked() {
	s.mu.Lock()
	s.running = false
	subs := s.subs
	s.subs = nil
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
