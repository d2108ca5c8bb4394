package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/surface"
)

// handleGitHubWebhook accepts GitHub deliveries on the webhook surface. The
// platform binding rides in the hook URL's query string; the body signature
// must match the configured secret. Deliveries that do not map to a workflow
// (pings, ref deletions, unsupported events) are acknowledged as ignored so
// GitHub does not retry them.
func (s *Server) handleGitHubWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, apperr.Validation("failed to read request body"))
		return
	}
	binding := surface.WebhookBinding{
		PlatformID:   c.Query("platform_id"),
		Type:         c.Query("type"),
		DefinitionID: c.Query("workflow_definition_id"),
	}
	wf, err := s.surface.CreateWebhook(
		c.Request.Context(),
		c.GetHeader(surface.EventHeader),
		c.GetHeader(surface.SignatureHeader),
		binding,
		body,
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if wf == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":      "accepted",
		"workflow_id": wf.ID,
		"trace_id":    wf.TraceID,
	})
}
