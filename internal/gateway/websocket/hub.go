// Package websocket is the observer gateway: it fans the non-durable events
// mirror out to connected clients, each with an optional trace or platform
// filter. Mirror delivery is advisory; a dropped frame costs an observer one
// update and nothing else.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/metrics"
	ws "github.com/stagecraft/stagecraft/pkg/websocket"
)

// event pairs a lifecycle event with the platform it resolved to. platformID
// is empty for agent-scoped events and unresolvable workflows.
type event struct {
	ev         *envelope.LifecycleEvent
	platformID string
}

// Hub tracks connected observers and fans lifecycle events out to the ones
// whose filters match.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan event
	done       chan struct{}

	dispatcher *ws.Dispatcher
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the hub. Run must be started before clients register.
func NewHub(dispatcher *ws.Dispatcher, m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan event, 256),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
		metrics:    m,
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run is the hub's main loop. It owns the client set; all membership changes
// and fan-outs happen here.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.setGauge(count)
			h.logger.Debug("observer connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.remove(client)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// closeAll disconnects every observer.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.setGauge(0)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	count := len(h.clients)
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		count = len(h.clients)
	}
	h.mu.Unlock()
	h.setGauge(count)
	h.logger.Debug("observer disconnected", zap.String("client_id", client.ID))
}

// fanOut marshals the event frame once and hands it to every client whose
// filter matches. Slow clients are skipped; their write pump cleans up.
func (h *Hub) fanOut(e event) {
	msg, err := ws.NewNotification(string(e.ev.EventType), e.ev)
	if err != nil {
		h.logger.Error("failed to build event frame", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal event frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.matches(e.ev.TraceID, e.platformID) {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
}

// Register adds a client to the hub. A no-op once the hub has stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub. A no-op once the hub has
// stopped; closeAll already disconnected everyone.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastEvent queues one lifecycle event for fan-out, dropping it when
// the broadcast buffer is full.
func (h *Hub) BroadcastEvent(ev *envelope.LifecycleEvent, platformID string) {
	select {
	case h.broadcast <- event{ev: ev, platformID: platformID}:
	default:
		h.logger.Warn("broadcast buffer full, dropping event",
			zap.String("event_type", string(ev.EventType)))
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) setGauge(n int) {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}
