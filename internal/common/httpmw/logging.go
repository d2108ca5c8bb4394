package httpmw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/metrics"
)

// RequestLogger logs each request after its handler completes and feeds the
// gateway HTTP metrics. Server errors log at error level, client errors at
// warn, the rest at debug so steady-state traffic stays quiet.
func RequestLogger(log *logger.Logger, m *metrics.Metrics, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		if m != nil {
			m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
		}
		if id, ok := appctx.RequestIDFrom(c.Request.Context()); ok {
			fields = append(fields, zap.String("request_id", id))
		}

		switch {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
