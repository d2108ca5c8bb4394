package httpmw

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/tracing"
)

// OtelTracing wraps each request in a server span. Probe and scrape paths
// stay untraced. When tracing is disabled (no OTEL_EXPORTER_OTLP_ENDPOINT at
// startup) the spans are no-ops.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if route == "/metrics" || strings.HasPrefix(route, "/health") {
			c.Next()
			return
		}

		spanName := fmt.Sprintf("%s %s", c.Request.Method, route)
		ctx, span := tracer.Start(c.Request.Context(), spanName,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", c.Writer.Size()),
		}
		if id, ok := appctx.RequestIDFrom(c.Request.Context()); ok {
			attrs = append(attrs, attribute.String("request.id", id))
		}
		span.SetAttributes(attrs...)
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
