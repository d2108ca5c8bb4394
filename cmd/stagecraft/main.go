// Package main is the entry point for the Stagecraft orchestration core.
// One binary runs the whole control plane: the message plane, the workflow
// state machines, the agent registry, and the HTTP/WebSocket surface share
// a single process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/common/tracing"
	"github.com/stagecraft/stagecraft/internal/events"
	httpapi "github.com/stagecraft/stagecraft/internal/gateway/http"
	wsgateway "github.com/stagecraft/stagecraft/internal/gateway/websocket"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/metrics"
	"github.com/stagecraft/stagecraft/internal/registry"
	"github.com/stagecraft/stagecraft/internal/stats"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/surface"
	"github.com/stagecraft/stagecraft/internal/workflow/service"
)

// Exit codes: 0 graceful, 1 unhandled failure, 2 bad configuration,
// 3 dependency unreachable at boot.
const (
	exitFailure    = 1
	exitConfig     = 2
	exitDependency = 3
)

// Boot-time connection attempts for external dependencies. An orchestrator
// starting alongside its broker should not lose the race.
const (
	bootAttempts = 3
	bootBackoff  = 2 * time.Second
)

func main() {
	// .env is optional; deployments configure through the environment.
	_ = godotenv.Load()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Stagecraft...",
		zap.String("bus", cfg.Bus.Provider),
		zap.String("kv", cfg.KV.Provider),
		zap.String("database", cfg.Database.Driver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Metrics registry
	m := metrics.New()

	// 4. Database
	st, closeStore, err := store.Open(cfg.Database, log)
	if err != nil {
		fatal(log, exitDependency, "Failed to open database", err)
	}

	// 5. Message bus
	b, err := connectBus(cfg.Bus, log, m)
	if err != nil {
		fatal(log, exitDependency, "Failed to connect message bus", err)
	}
	topics := bus.NewTopics(cfg.Bus.Namespace)

	// 6. KV store
	kvStore, err := connectKV(cfg.KV, log)
	if err != nil {
		fatal(log, exitDependency, "Failed to connect kv store", err)
	}

	// 7. Lifecycle event publisher
	pub := events.NewPublisher(b, topics, log)

	// 8. Agent registry (capability snapshot + heartbeat sweeper)
	reg := registry.New(st, pub, b, topics, m, log, registryConfig(cfg))
	if err := reg.Load(ctx); err != nil {
		log.Warn("Failed to load agent snapshot", zap.Error(err))
	}
	if err := reg.Start(ctx); err != nil {
		fatal(log, exitDependency, "Failed to start agent registry", err)
	}

	// 9. Orchestration service
	svc := service.NewService(service.ConfigFromApp(cfg.Orchestrator), st, b, topics, kvStore, reg, pub, m, log)
	if err := svc.SeedLegacyDefinitions(ctx); err != nil {
		log.Warn("Failed to seed built-in workflow definitions", zap.Error(err))
	}
	if err := svc.Start(ctx); err != nil {
		fatal(log, exitDependency, "Failed to start orchestration service", err)
	}

	// 10. Intake surfaces (REST + webhook) and read models
	router := surface.NewRouter(surface.Config{
		WebhookSecret:  cfg.Webhook.GitHubSecret,
		IdempotencyTTL: cfg.Orchestrator.DedupTTL(),
	}, svc, kvStore, log)
	statsSvc := stats.New(st, log)

	// 11. HTTP gateway with the WebSocket mirror mounted on the same engine
	server := httpapi.New(httpapi.ConfigFromApp(cfg), svc, router, statsSvc, reg, st, b, topics, kvStore, m, log)
	gateway := wsgateway.NewGateway(st, b, topics, m, log)
	gateway.SetupRoutes(server.Engine())
	if err := gateway.Start(ctx); err != nil {
		fatal(log, exitDependency, "Failed to start websocket gateway", err)
	}

	serverErr := server.Start()

	log.Info("Stagecraft started",
		zap.String("addr", server.Addr()),
		zap.String("api", "/api/v1"),
		zap.String("websocket", "/ws"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	// Surface first, event consumers next, result workers after that, then
	// connections. Results are kept running until the workers stop so agent
	// replies already in flight still land. Each step gets its own deadline;
	// a step that blows the deadline is abandoned and the rest still run.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info("Shutting down Stagecraft...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
		exitCode = exitFailure
	}

	phaseTimeout := cfg.Server.ShutdownTimeoutDuration()

	phase(log, phaseTimeout, "http-drain", func() error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), phaseTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	phase(log, phaseTimeout, "event-consumers", func() error {
		gateway.Stop()
		return reg.Stop()
	})

	phase(log, phaseTimeout, "result-workers", func() error {
		return svc.Stop()
	})

	phase(log, phaseTimeout, "connections", func() error {
		cancel()
		firstErr := b.Close()
		if err := kvStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := closeStore(); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	})

	flushCtx, flushCancel := context.WithTimeout(context.Background(), phaseTimeout)
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}
	flushCancel()

	log.Info("Stagecraft stopped")
	if exitCode != 0 {
		_ = log.Sync()
		os.Exit(exitCode)
	}
}

// fatal logs a boot failure and exits with the given code.
func fatal(log *logger.Logger, code int, msg string, err error) {
	log.Error(msg, zap.Error(err))
	_ = log.Sync()
	os.Exit(code)
}

// phase runs one shutdown step against the configured deadline. A step that
// exceeds it is abandoned so the remaining steps still get their turn.
func phase(log *logger.Logger, timeout time.Duration, name string, fn func() error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			log.Error("Shutdown step failed", zap.String("step", name), zap.Error(err))
		}
	case <-time.After(timeout):
		log.Error("Shutdown step exceeded deadline",
			zap.String("step", name),
			zap.Duration("timeout", timeout))
	}
}

// connectBus dials the configured bus backend. NATS gets a few bounded
// attempts before boot is abandoned.
func connectBus(cfg config.BusConfig, log *logger.Logger, m *metrics.Metrics) (bus.Bus, error) {
	if cfg.Provider == "memory" {
		log.Info("Using in-memory message bus")
		return bus.NewMemoryBus(cfg, log, m), nil
	}

	var lastErr error
	for attempt := 1; attempt <= bootAttempts; attempt++ {
		b, err := bus.NewJetStreamBus(cfg, log, m)
		if err == nil {
			return bus.NewBreakerBus(b, log), nil
		}
		lastErr = err
		log.Warn("NATS connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < bootAttempts {
			time.Sleep(bootBackoff * time.Duration(attempt))
		}
	}
	return nil, lastErr
}

// connectKV dials the configured key-value backend with the same bounded
// retry policy as the bus.
func connectKV(cfg config.KVConfig, log *logger.Logger) (kv.Store, error) {
	if cfg.Provider == "memory" {
		log.Info("Using in-memory kv store")
		return kv.NewMemoryStore(), nil
	}

	var lastErr error
	for attempt := 1; attempt <= bootAttempts; attempt++ {
		s, err := kv.NewRedisStore(cfg, log)
		if err == nil {
			return s, nil
		}
		lastErr = err
		log.Warn("Redis connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < bootAttempts {
			time.Sleep(bootBackoff * time.Duration(attempt))
		}
	}
	return nil, lastErr
}

// registryConfig maps application config onto registry settings.
func registryConfig(cfg *config.Config) registry.Config {
	rc := registry.DefaultConfig()
	rc.ConsumerID = cfg.Orchestrator.ConsumerID
	rc.OfflineAfter = cfg.Orchestrator.HeartbeatTimeout()
	return rc
}

