package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
)

// respondError maps a taxonomy error onto the wire contract:
// {"error": {"code", "message", "details?"}} with the taxonomy status code.
func (s *Server) respondError(c *gin.Context, err error) {
	ae := apperr.From(err)
	status := ae.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	body := gin.H{"code": ae.Code, "message": ae.Message}
	if len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	c.JSON(status, gin.H{"error": body})
}
