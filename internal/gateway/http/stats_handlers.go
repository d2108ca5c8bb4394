package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/stagecraft/internal/registry"
)

func (s *Server) handleStatsOverview(c *gin.Context) {
	overview, err := s.stats.Overview(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (s *Server) handleStatsAgents(c *gin.Context) {
	agents, err := s.stats.Agents(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

func (s *Server) handleStatsTimeseries(c *gin.Context) {
	series, err := s.stats.Timeseries(c.Request.Context(), c.Query("range"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (s *Server) handleStatsWorkflows(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	workflows, err := s.stats.RecentWorkflows(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

// handleListAgents returns the registry's current read model.
func (s *Server) handleListAgents(c *gin.Context) {
	agents := s.registry.Snapshot()
	if agents == nil {
		agents = []*registry.AgentInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}
