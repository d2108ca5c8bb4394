package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/metrics"
)

const (
	defaultMemoryBuffer     = 10000
	defaultMemoryMaxDeliver = 5
)

// MemoryBus implements Bus with in-process queues for tests and
// single-process development. It mirrors the durable adapter's semantics:
// consumer groups with round-robin load balancing, attempt counting with
// redelivery on handler error, dead-letter routing once the delivery budget
// is exhausted, and best-effort mirror fan-out. Nothing is persisted, so
// groups trivially start at the tail; redelivery is immediate rather than
// after a visibility timeout.
type MemoryBus struct {
	logger  *logger.Logger
	topics  Topics
	metrics *metrics.Metrics

	maxDeliver int
	buffer     int

	mu      sync.Mutex
	groups  map[string]map[string]*memoryGroup // topic -> group name -> group
	mirrors map[string][]*memoryMirror
	parked  map[string][][]byte // DLQ topic -> parked payloads
	closed  bool
}

// NewMemoryBus creates an in-memory bus with the same tuning knobs as the
// durable adapter.
func NewMemoryBus(cfg config.BusConfig, log *logger.Logger, m *metrics.Metrics) *MemoryBus {
	buffer := cfg.PublishBuffer
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = defaultMemoryMaxDeliver
	}
	return &MemoryBus{
		logger:     log,
		topics:     NewTopics(cfg.Namespace),
		metrics:    m,
		maxDeliver: maxDeliver,
		buffer:     buffer,
		groups:     make(map[string]map[string]*memoryGroup),
		mirrors:    make(map[string][]*memoryMirror),
		parked:     make(map[string][][]byte),
	}
}

// Publish enqueues the payload for every consumer group on the topic. Each
// group receives its own copy; members within a group share it. Publishes to
// dead-letter topics are additionally parked for depth inspection.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte, opts ...PublishOption) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	o := applyPublishOptions(opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*memoryGroup
	for _, g := range b.groups[topic] {
		targets = append(targets, g)
	}
	if b.topics.IsDLQ(topic) {
		b.parked[topic] = append(b.parked[topic], data)
	}
	taps := append([]*memoryMirror(nil), b.mirrors[topic]...)
	b.mu.Unlock()

	now := time.Now().UTC()
	for _, g := range targets {
		d := &Delivery{Topic: topic, Data: data, Attempt: 1, Timestamp: now}
		select {
		case g.queue <- d:
		default:
			b.countPublish(topic, "error")
			return ErrPublishBuffer
		}
	}
	b.countPublish(topic, "ok")

	if o.mirror {
		for _, tap := range taps {
			go tap.handler(topic, data)
		}
	}

	b.logger.Debug("Published", zap.String("topic", topic), zap.Int("bytes", len(data)))
	return nil
}

// Subscribe joins (or creates) the named consumer group on a topic. The
// group's dispatch goroutine hands each message to one member at a time.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group, consumerID string, h Handler) (Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if group == "" {
		return nil, ErrInvalidGroup
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	byGroup, ok := b.groups[topic]
	if !ok {
		byGroup = make(map[string]*memoryGroup)
		b.groups[topic] = byGroup
	}
	g, ok := byGroup[group]
	if !ok {
		g = &memoryGroup{
			bus:   b,
			topic: topic,
			name:  group,
			queue: make(chan *Delivery, b.buffer),
			quit:  make(chan struct{}),
		}
		byGroup[group] = g
		go g.dispatch()
	}

	sub := &memorySubscription{group: g, ctx: ctx, handler: h, consumerID: consumerID}
	g.mu.Lock()
	g.members = append(g.members, sub)
	g.mu.Unlock()

	b.logger.Info("Subscribed",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("consumer_id", consumerID),
	)
	return sub, nil
}

// SubscribeMirror taps mirrored publishes on a topic.
func (b *MemoryBus) SubscribeMirror(ctx context.Context, topic string, h MirrorHandler) (Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	tap := &memoryMirror{bus: b, topic: topic, handler: h}
	b.mirrors[topic] = append(b.mirrors[topic], tap)

	b.logger.Debug("Subscribed to mirror", zap.String("topic", topic))
	return tap, nil
}

// Health reports zero latency while the bus is open.
func (b *MemoryBus) Health(ctx context.Context) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return 0, nil
}

// DLQDepth reports how many messages are parked on a topic's dead-letter queue.
func (b *MemoryBus) DLQDepth(ctx context.Context, topic string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.parked[b.topics.DLQ(topic)])), nil
}

// Close stops all group dispatchers and rejects further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, byGroup := range b.groups {
		for _, g := range byGroup {
			g.stopDispatch()
		}
	}
	b.groups = make(map[string]map[string]*memoryGroup)
	b.mirrors = make(map[string][]*memoryMirror)

	b.logger.Info("Memory bus closed")
	return nil
}

func (b *MemoryBus) countPublish(topic, outcome string) {
	if b.metrics != nil {
		b.metrics.PublishTotal.WithLabelValues(topic, outcome).Inc()
	}
}

func (b *MemoryBus) countDelivery(topic, outcome string) {
	if b.metrics != nil {
		b.metrics.DeliveriesTotal.WithLabelValues(topic, outcome).Inc()
	}
}

// routeToDLQ parks the failed delivery on the topic's dead-letter queue with
// failure metadata attached.
func (b *MemoryBus) routeToDLQ(d *Delivery, reason string) {
	dlqTopic := b.topics.DLQ(d.Topic)
	payload, err := EncodeDLQ(d, reason)
	if err != nil {
		b.logger.Error("Failed to encode DLQ message", zap.String("topic", d.Topic), zap.Error(err))
		return
	}
	if err := b.Publish(context.Background(), dlqTopic, payload); err != nil {
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

// removeMember drops a subscription from its group, tearing the group down
// when the last member leaves.
func (b *MemoryBus) removeMember(g *memoryGroup, s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g.mu.Lock()
	for i, m := range g.members {
		if m == s {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		g.stopDispatch()
		if byGroup, ok := b.groups[g.topic]; ok {
			delete(byGroup, g.name)
			if len(byGroup) == 0 {
				delete(b.groups, g.topic)
			}
		}
	}
}

// memoryGroup is one consumer group on one topic: a buffered queue drained by
// a single dispatch goroutine that load-balances across members.
type memoryGroup struct {
	bus   *MemoryBus
	topic string
	name  string
	queue chan *Delivery
	quit  chan struct{}
	stop  sync.Once

	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

func (g *memoryGroup) stopDispatch() {
	g.stop.Do(func() { close(g.quit) })
}

func (g *memoryGroup) dispatch() {
	for {
		select {
		case <-g.quit:
			return
		case d := <-g.queue:
			g.deliver(d)
		}
	}
}

// deliver hands the message to one member and applies the acknowledgement
// rule: done on nil, DLQ and terminate on permanent errors or an exhausted
// delivery budget, otherwise requeue with the attempt count bumped.
func (g *memoryGroup) deliver(d *Delivery) {
	sub := g.nextMember()
	if sub == nil {
		g.bus.logger.Debug("No active members, message dropped",
			zap.String("topic", g.topic),
			zap.String("group", g.name),
		)
		return
	}

	err := sub.handler(sub.ctx, d)
	if err == nil {
		g.bus.countDelivery(g.topic, "ack")
		return
	}

	if IsPermanent(err) {
		g.bus.routeToDLQ(d, err.Error())
		g.bus.countDelivery(g.topic, "term")
		return
	}

	if d.Attempt >= g.bus.maxDeliver {
		g.bus.routeToDLQ(d, fmt.Sprintf("delivery budget exhausted: %v", err))
		g.bus.countDelivery(g.topic, "term")
		return
	}

	g.bus.logger.Warn("Handler failed, message will be redelivered",
		zap.String("topic", g.topic),
		zap.Int("attempt", d.Attempt),
		zap.Error(err),
	)
	g.bus.countDelivery(g.topic, "nack")

	redelivery := *d
	redelivery.Attempt++
	select {
	case g.queue <- &redelivery:
	default:
		g.bus.logger.Error("Queue full, redelivery dropped",
			zap.String("topic", g.topic),
			zap.String("group", g.name),
		)
	}
}

// nextMember picks the next live member round-robin, skipping members whose
// context is done or that have unsubscribed.
func (g *memoryGroup) nextMember() *memorySubscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.members)
	for i := 0; i < n; i++ {
		idx := (g.next + i) % n
		m := g.members[idx]
		if m.alive() {
			g.next = (idx + 1) % n
			return m
		}
	}
	return nil
}

type memorySubscription struct {
	group      *memoryGroup
	ctx        context.Context
	handler    Handler
	consumerID string

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.group.bus.removeMember(s.group, s)
	return nil
}

func (s *memorySubscription) Topic() string { return s.group.topic }

func (s *memorySubscription) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.ctx.Err() == nil
}

// memoryMirror is a best-effort tap on mirrored publishes.
type memoryMirror struct {
	bus     *MemoryBus
	topic   string
	handler MirrorHandler

	mu     sync.Mutex
	closed bool
}

func (m *memoryMirror) Unsubscribe() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	m.mu.Unlock()

	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	taps := m.bus.mirrors[m.topic]
	for i, tap := range taps {
		if tap == m {
			m.bus.mirrors[m.topic] = append(taps[:i], taps[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memoryMirror) Topic() string { return m.topic }
