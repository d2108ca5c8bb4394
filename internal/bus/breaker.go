package bus

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/common/logger"
)

// BreakerBus wraps a Bus with a circuit breaker on the publish path. When the
// backend degrades, publishers fail fast with a retryable error instead of
// stacking up timeouts; subscriptions and health checks pass through.
type BreakerBus struct {
	Bus
	cb     *gobreaker.CircuitBreaker
	logger *logger.Logger
}

// NewBreakerBus decorates inner with a publish circuit breaker. The breaker
// opens after five consecutive publish failures and probes again after 15s.
func NewBreakerBus(inner Bus, log *logger.Logger) *BreakerBus {
	settings := gobreaker.Settings{
		Name:        "bus-publish",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Publish circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerBus{
		Bus:    inner,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: log,
	}
}

// Publish routes through the breaker. An open breaker surfaces as a transient
// dependency error so callers apply their usual retry policy.
func (b *BreakerBus) Publish(ctx context.Context, topic string, data []byte, opts ...PublishOption) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Bus.Publish(ctx, topic, data, opts...)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.Transient(err, "message bus unavailable")
	}
	return err
}
