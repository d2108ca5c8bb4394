package bus

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/metrics"
)

const (
	reconnectBase = 100 * time.Millisecond
	reconnectCap  = 30 * time.Second

	// mirrorPrefix keeps mirrored publishes out of the durable streams.
	mirrorPrefix = "mirror."

	fetchBatch = 16
)

// JetStreamBus implements Bus on NATS JetStream: one durable stream per
// topic, durable pull consumers per group, explicit acknowledgement strictly
// after handler return, and adapter-side dead-letter routing once a message
// exhausts its delivery budget.
type JetStreamBus struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	logger  *logger.Logger
	config  config.BusConfig
	topics  Topics
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]bool // topics with a verified stream
	closed  bool
}

// NewJetStreamBus connects to NATS and initializes the JetStream context
// with a bounded in-flight publish window.
func NewJetStreamBus(cfg config.BusConfig, log *logger.Logger, m *metrics.Metrics) (*JetStreamBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect
		// Exponential backoff 100ms..30s with 10% jitter.
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			d := reconnectBase << uint(attempts)
			if d > reconnectCap || d <= 0 {
				d = reconnectCap
			}
			jitter := time.Duration(rand.Int63n(int64(d) / 10))
			return d + jitter
		}),

		// Connection status handlers
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
			} else {
				log.Error("NATS error", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(cfg.PublishBuffer))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	log.Info("Connected to NATS JetStream", zap.String("url", cfg.URL))

	return &JetStreamBus{
		conn:    conn,
		js:      js,
		logger:  log,
		config:  cfg,
		topics:  NewTopics(cfg.Namespace),
		metrics: m,
		streams: make(map[string]bool),
	}, nil
}

// subjectFor maps a topic name onto a NATS subject ("orchestrator:tasks:x"
// becomes "orchestrator.tasks.x").
func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// streamFor maps a topic name onto a JetStream stream name.
func streamFor(topic string) string {
	return strings.ToUpper(strings.NewReplacer(":", "_", ".", "_", "-", "_").Replace(topic))
}

// durableFor maps a consumer group onto a JetStream durable name.
func durableFor(group string) string {
	return strings.NewReplacer(":", "_", ".", "_").Replace(group)
}

// ensureStream creates the topic's stream if it does not exist yet and
// reconciles retention when the caller carries a TTL.
func (b *JetStreamBus) ensureStream(topic string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.streams[topic] {
		return nil
	}

	name := streamFor(topic)
	if info, err := b.js.StreamInfo(name); err == nil {
		// Subscribers create streams with unlimited retention; the first
		// publisher carrying a TTL tightens it.
		if ttl > 0 && info.Config.MaxAge != ttl {
			cfg := info.Config
			cfg.MaxAge = ttl
			if _, err := b.js.UpdateStream(&cfg); err != nil {
				return fmt.Errorf("failed to update stream %s: %w", name, err)
			}
		}
		b.streams[topic] = true
		return nil
	}

	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subjectFor(topic)},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    ttl, // zero means unlimited
	}
	if _, err := b.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	b.streams[topic] = true
	b.logger.Debug("Created stream", zap.String("stream", name), zap.String("topic", topic))
	return nil
}

// Publish appends the payload to the topic's stream, waiting for the server
// acknowledgement so durability is confirmed before the call returns.
func (b *JetStreamBus) Publish(ctx context.Context, topic string, data []byte, opts ...PublishOption) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	o := applyPublishOptions(opts)

	if err := b.ensureStream(topic, o.ttl); err != nil {
		return err
	}

	start := time.Now()
	_, err := b.js.Publish(subjectFor(topic), data, nats.Context(ctx))
	if b.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		b.metrics.PublishTotal.WithLabelValues(topic, outcome).Inc()
		b.metrics.PublishDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		b.logger.Error("Failed to publish",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	if o.mirror {
		// Advisory fan-out; loss is tolerated, but buffer overflow during
		// reconnect is still surfaced to the caller's logs.
		if err := b.conn.Publish(mirrorPrefix+subjectFor(topic), data); err != nil {
			b.logger.Warn("Failed to mirror publish",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}

	b.logger.Debug("Published", zap.String("topic", topic), zap.Int("bytes", len(data)))
	return nil
}

// Subscribe joins a durable pull consumer group on the topic. New groups
// start at the stream tail (DeliverNew), so first boot does not replay
// historical backlog. The fetch loop runs until ctx is cancelled or the
// subscription is unsubscribed.
func (b *JetStreamBus) Subscribe(ctx context.Context, topic, group, consumerID string, h Handler) (Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if group == "" {
		return nil, ErrInvalidGroup
	}
	if err := b.ensureStream(topic, 0); err != nil {
		return nil, err
	}

	sub, err := b.js.PullSubscribe(
		subjectFor(topic),
		durableFor(group),
		nats.BindStream(streamFor(topic)),
		nats.AckWait(b.config.AckWait()),
		nats.DeliverNew(),
		nats.AckExplicit(),
		// Server-side backstop one past our budget; DLQ routing below fires first.
		nats.MaxDeliver(b.config.MaxDeliver+1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	js := &jetStreamSubscription{topic: topic, sub: sub, cancel: cancel, done: make(chan struct{})}

	b.logger.Info("Subscribed",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("consumer_id", consumerID),
	)

	go b.fetchLoop(loopCtx, js, h)

	return js, nil
}

// fetchLoop drains the pull consumer, dispatching each message through the
// ack/nack/DLQ policy.
func (b *JetStreamBus) fetchLoop(ctx context.Context, js *jetStreamSubscription, h Handler) {
	defer close(js.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msgs, err := js.sub.Fetch(fetchBatch, nats.Context(ctx))
			if err != nil {
				// Timeouts on an empty stream are expected; anything else is
				// logged and retried after a short pause.
				if ctx.Err() != nil {
					return
				}
				if err != nats.ErrTimeout && err != context.DeadlineExceeded {
					b.logger.Warn("Fetch failed", zap.String("topic", js.topic), zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			for _, msg := range msgs {
				b.processMessage(ctx, js.topic, msg, h)
			}
		}
	}
}

// processMessage runs the handler and applies the acknowledgement rule:
// ack only after the handler returns nil; nack (redeliver) on transient
// errors; route to the DLQ and terminate on permanent errors or once the
// delivery budget is exhausted.
func (b *JetStreamBus) processMessage(ctx context.Context, topic string, msg *nats.Msg, h Handler) {
	attempt := 1
	var ts time.Time
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
		ts = meta.Timestamp
	}

	d := &Delivery{Topic: topic, Data: msg.Data, Attempt: attempt, Timestamp: ts}
	err := h(ctx, d)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Warn("Ack failed", zap.String("topic", topic), zap.Error(ackErr))
		}
		b.countDelivery(topic, "ack")
		return
	}

	if IsPermanent(err) {
		b.routeToDLQ(ctx, d, err.Error())
		if termErr := msg.Term(); termErr != nil {
			b.logger.Warn("Term failed", zap.String("topic", topic), zap.Error(termErr))
		}
		b.countDelivery(topic, "term")
		return
	}

	if attempt >= b.config.MaxDeliver {
		b.routeToDLQ(ctx, d, fmt.Sprintf("delivery budget exhausted: %v", err))
		if termErr := msg.Term(); termErr != nil {
			b.logger.Warn("Term failed", zap.String("topic", topic), zap.Error(termErr))
		}
		b.countDelivery(topic, "term")
		return
	}

	b.logger.Warn("Handler failed, message will be redelivered",
		zap.String("topic", topic),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	if nakErr := msg.Nak(); nakErr != nil {
		b.logger.Warn("Nak failed", zap.String("topic", topic), zap.Error(nakErr))
	}
	b.countDelivery(topic, "nack")
}

func (b *JetStreamBus) countDelivery(topic, outcome string) {
	if b.metrics != nil {
		b.metrics.DeliveriesTotal.WithLabelValues(topic, outcome).Inc()
	}
}

// routeToDLQ parks the failed delivery on the topic's dead-letter queue with
// failure metadata attached.
func (b *JetStreamBus) routeToDLQ(ctx context.Context, d *Delivery, reason string) {
	dlqTopic := b.topics.DLQ(d.Topic)
	payload, err := EncodeDLQ(d, reason)
	if err != nil {
		b.logger.Error("Failed to encode DLQ message", zap.String("topic", d.Topic), zap.Error(err))
		return
	}
	if err := b.Publish(ctx, dlqTopic, payload); err != nil {
		b.logger.Error("Failed to route message to DLQ",
			zap.String("topic", d.Topic),
			zap.String("dlq_topic", dlqTopic),
			zap.Error(err),
		)
		return
	}
	if b.metrics != nil {
		b.metrics.DLQTotal.WithLabelValues(d.Topic).Inc()
	}
	b.logger.Warn("Message routed to DLQ",
		zap.String("topic", d.Topic),
		zap.String("dlq_topic", dlqTopic),
		zap.Int("deliveries", d.Attempt),
		zap.String("reason", reason),
	)
}

// SubscribeMirror taps the non-durable mirror channel via core NATS.
func (b *JetStreamBus) SubscribeMirror(ctx context.Context, topic string, h MirrorHandler) (Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	sub, err := b.conn.Subscribe(mirrorPrefix+subjectFor(topic), func(msg *nats.Msg) {
		h(topic, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to mirror of %s: %w", topic, err)
	}
	b.logger.Debug("Subscribed to mirror", zap.String("topic", topic))
	return &coreSubscription{topic: topic, sub: sub}, nil
}

// Health reports the round-trip latency to the NATS server.
func (b *JetStreamBus) Health(ctx context.Context) (time.Duration, error) {
	if b.conn == nil || !b.conn.IsConnected() {
		return 0, ErrNotConnected
	}
	rtt, err := b.conn.RTT()
	if err != nil {
		return 0, fmt.Errorf("failed to measure RTT: %w", err)
	}
	return rtt, nil
}

// DLQDepth reports how many messages are parked on a topic's dead-letter queue.
func (b *JetStreamBus) DLQDepth(ctx context.Context, topic string) (int64, error) {
	info, err := b.js.StreamInfo(streamFor(b.topics.DLQ(topic)))
	if err != nil {
		if err == nats.ErrStreamNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read DLQ stream info: %w", err)
	}
	return int64(info.State.Msgs), nil
}

// Close drains the connection so pending messages are processed before closing.
func (b *JetStreamBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
	return nil
}

// jetStreamSubscription wraps a durable pull consumer slot.
type jetStreamSubscription struct {
	topic  string
	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *jetStreamSubscription) Unsubscribe() error {
	err := ErrAlreadyClosed
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.sub.Unsubscribe()
	})
	return err
}

func (s *jetStreamSubscription) Topic() string { return s.topic }

// coreSubscription wraps a plain NATS subscription (mirror taps).
type coreSubscription struct {
	topic string
	sub   *nats.Subscription
}

func (s *coreSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *coreSubscription) Topic() string      { return s.topic }
