// Package httpapi serves the management and surface HTTP API: workflow
// creation and control, read models for tasks, traces, stats, and agents,
// platform administration, the GitHub webhook surface, health probes, and
// the Prometheus endpoint. Handlers stay thin; semantics live in the
// workflow service, the surface router, and the store.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/httpmw"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/metrics"
	"github.com/stagecraft/stagecraft/internal/registry"
	"github.com/stagecraft/stagecraft/internal/stats"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/surface"
	"github.com/stagecraft/stagecraft/internal/workflow/service"
)

const serverName = "stagecraft"

// Config holds HTTP server settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Debug leaves gin in debug mode and enables verbose route logging.
	Debug bool
}

// ConfigFromApp maps the application config onto server settings.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		Debug:        cfg.Logging.Level == "debug",
	}
}

// Server is the HTTP gateway. It owns the gin engine and the net/http
// server; the WebSocket gateway mounts itself on the same engine before
// Start.
type Server struct {
	cfg      Config
	svc      *service.Service
	surface  *surface.Router
	stats    *stats.Service
	registry *registry.Registry
	store    *store.Store
	bus      bus.Bus
	topics   bus.Topics
	kv       kv.Store
	metrics  *metrics.Metrics
	logger   *logger.Logger

	engine     *gin.Engine
	httpServer *http.Server
}

// New creates the HTTP gateway and registers all routes.
func New(
	cfg Config,
	svc *service.Service,
	router *surface.Router,
	statsSvc *stats.Service,
	reg *registry.Registry,
	st *store.Store,
	b bus.Bus,
	topics bus.Topics,
	kvStore kv.Store,
	m *metrics.Metrics,
	log *logger.Logger,
) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		surface:  router,
		stats:    statsSvc,
		registry: reg,
		store:    st,
		bus:      b,
		topics:   topics,
		kv:       kvStore,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "http-gateway")),
	}
	s.engine = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLog:     zap.NewStdLog(s.logger.Zap()),
	}
	return s
}

// Engine exposes the gin engine so the WebSocket gateway can mount /ws.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) buildRouter() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(s.logger, s.metrics, serverName))

	router.GET("/health", s.handleHealth)
	router.GET("/health/ready", s.handleHealthReady)
	router.GET("/health/detailed", s.handleHealthDetailed)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")

	api.POST("/workflows", s.handleCreateWorkflow)
	api.GET("/workflows", s.handleListWorkflows)
	api.GET("/workflows/:id", s.handleGetWorkflow)
	api.POST("/workflows/:id/cancel", s.handleCancelWorkflow)
	api.POST("/workflows/:id/retry", s.handleRetryWorkflow)
	api.POST("/workflows/:id/pause", s.handlePauseWorkflow)
	api.POST("/workflows/:id/resume", s.handleResumeWorkflow)
	api.GET("/workflows/:id/tasks", s.handleListWorkflowTasks)
	api.GET("/workflows/:id/events", s.handleListWorkflowEvents)
	api.GET("/tasks/:id", s.handleGetTask)

	api.GET("/traces", s.handleListTraces)
	api.GET("/traces/:id", s.handleGetTrace)
	api.GET("/traces/:id/spans", s.handleListTraceSpans)

	api.GET("/stats/overview", s.handleStatsOverview)
	api.GET("/stats/agents", s.handleStatsAgents)
	api.GET("/stats/timeseries", s.handleStatsTimeseries)
	api.GET("/stats/workflows", s.handleStatsWorkflows)

	api.GET("/agents", s.handleListAgents)

	api.POST("/platforms", s.handleCreatePlatform)
	api.GET("/platforms", s.handleListPlatforms)
	api.GET("/platforms/:id", s.handleGetPlatform)
	api.PUT("/platforms/:id", s.handleUpdatePlatform)
	api.DELETE("/platforms/:id", s.handleDeletePlatform)

	api.POST("/platforms/:id/definitions", s.handleCreateDefinition)
	api.GET("/platforms/:id/definitions", s.handleListDefinitions)
	api.GET("/platforms/:id/definitions/:def_id", s.handleGetDefinition)
	api.PUT("/platforms/:id/definitions/:def_id", s.handleUpdateDefinition)
	api.DELETE("/platforms/:id/definitions/:def_id", s.handleDeleteDefinition)

	api.GET("/platforms/:id/surfaces", s.handleListSurfaces)
	api.PUT("/platforms/:id/surfaces/:type", s.handleUpsertSurface)
	api.DELETE("/platforms/:id/surfaces/:type", s.handleDeleteSurface)

	api.POST("/github/webhook", s.handleGitHubWebhook)

	return router
}

// Start begins serving in the background. Listen failures after boot are
// reported on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops accepting new connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware allows cross-origin dashboard and WebSocket access.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Idempotency-Key, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
