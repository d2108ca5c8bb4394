package httpmw

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stagecraft/stagecraft/internal/common/appctx"
)

// RequestIDHeader is the response header carrying the per-request identifier.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request a unique identifier, stores it in the
// request context for log correlation, and echoes it in the response header.
// An inbound X-Request-ID is honored so callers can correlate across hops.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := appctx.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(RequestIDHeader, id)

		c.Next()
	}
}
