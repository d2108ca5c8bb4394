package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/stagecraft/internal/store"
)

func (s *Server) handleListTraces(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	traces, err := s.store.ListTraces(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if traces == nil {
		traces = []*store.TraceSummary{}
	}
	c.JSON(http.StatusOK, gin.H{
		"traces": traces,
		"total":  len(traces),
	})
}

func (s *Server) handleGetTrace(c *gin.Context) {
	trace, err := s.store.GetTrace(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

// handleListTraceSpans returns a trace's spans in start order. Unknown
// traces 404 rather than returning an empty list.
func (s *Server) handleListTraceSpans(c *gin.Context) {
	traceID := c.Param("id")
	if _, err := s.store.GetTrace(c.Request.Context(), traceID); err != nil {
		s.respondError(c, err)
		return
	}
	spans, err := s.store.ListSpans(c.Request.Context(), traceID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if spans == nil {
		spans = []*store.Span{}
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id": traceID,
		"spans":    spans,
		"total":    len(spans),
	})
}
