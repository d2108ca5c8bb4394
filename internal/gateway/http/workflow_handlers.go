package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/surface"
)

// handleCreateWorkflow creates a workflow through the REST surface. The raw
// body goes to the surface router so signature and shape handling stay in
// one place; an Idempotency-Key header dedupes repeated submissions.
func (s *Server) handleCreateWorkflow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, apperr.Validation("failed to read request body"))
		return
	}
	wf, err := s.surface.CreateREST(c.Request.Context(), body, surface.Entry{
		Source:         c.ClientIP(),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	filter := store.WorkflowFilter{
		Status:     c.Query("status"),
		Type:       c.Query("type"),
		PlatformID: c.Query("platform_id"),
		Query:      c.Query("query"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	workflows, err := s.svc.ListWorkflows(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	wf, err := s.svc.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (s *Server) handleCancelWorkflow(c *gin.Context) {
	if _, err := s.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRetryWorkflow redispatches a failed workflow. The optional body
// {"from_stage": "..."} restarts from an earlier stage.
func (s *Server) handleRetryWorkflow(c *gin.Context) {
	var req struct {
		FromStage string `json:"from_stage"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, apperr.Validation("request body is not valid JSON: "+err.Error()))
			return
		}
	}
	if _, err := s.svc.Retry(c.Request.Context(), c.Param("id"), req.FromStage); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePauseWorkflow(c *gin.Context) {
	if _, err := s.svc.Pause(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResumeWorkflow(c *gin.Context) {
	if _, err := s.svc.Resume(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListWorkflowTasks(c *gin.Context) {
	tasks, err := s.svc.ListTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*store.AgentTask{}
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleListWorkflowEvents(c *gin.Context) {
	events, err := s.svc.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if events == nil {
		events = []*store.WorkflowEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  len(events),
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
