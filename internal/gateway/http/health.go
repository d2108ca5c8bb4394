package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 5 * time.Second

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serverName,
	})
}

// handleHealthReady is the readiness probe: 503 until every dependency
// answers and the orchestration service is running.
func (s *Server) handleHealthReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	ready := s.svc.Status().Running
	for _, dep := range s.dependencyChecks(ctx) {
		if dep.err != nil {
			ready = false
		}
	}
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleHealthDetailed reports per-dependency latency, the orchestration and
// registry state, and the results dead-letter depth.
func (s *Server) handleHealthDetailed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := s.svc.Status()
	healthy := status.Running

	deps := gin.H{}
	for _, dep := range s.dependencyChecks(ctx) {
		entry := gin.H{"status": "ok", "latency_ms": dep.latency.Milliseconds()}
		if dep.err != nil {
			healthy = false
			entry = gin.H{"status": "error", "error": dep.err.Error()}
		}
		deps[dep.name] = entry
	}

	dlq := gin.H{}
	if depth, err := s.bus.DLQDepth(ctx, s.topics.Results()); err == nil {
		dlq["results"] = depth
	} else {
		dlq["results_error"] = err.Error()
	}

	code := http.StatusOK
	overall := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(code, gin.H{
		"status": overall,
		"orchestration": gin.H{
			"running":   status.Running,
			"uptime":    status.Uptime.String(),
			"group":     status.Group,
			"watchdogs": status.Watchdogs,
		},
		"registry": gin.H{
			"sweeping": s.registry.IsRunning(),
			"agents":   len(s.registry.Snapshot()),
		},
		"dependencies": deps,
		"dlq":          dlq,
	})
}

type dependencyCheck struct {
	name    string
	latency time.Duration
	err     error
}

// dependencyChecks probes the database, bus, and KV store concurrently.
// Probe failures land in the per-check err field; the group never cancels,
// every dependency reports.
func (s *Server) dependencyChecks(ctx context.Context) []dependencyCheck {
	checks := []dependencyCheck{{name: "database"}, {name: "bus"}, {name: "kv"}}
	probes := []func(context.Context) (time.Duration, error){
		s.store.Health,
		s.bus.Health,
		s.kv.Health,
	}

	var g errgroup.Group
	for i := range checks {
		i := i
		g.Go(func() error {
			checks[i].latency, checks[i].err = probes[i](ctx)
			return nil
		})
	}
	_ = g.Wait()
	return checks
}
