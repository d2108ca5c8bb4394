package websocket

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/metrics"
	"github.com/stagecraft/stagecraft/internal/store"
	ws "github.com/stagecraft/stagecraft/pkg/websocket"
)

// Gateway bundles the observer hub, its events-mirror tap, and the HTTP
// upgrade handler.
type Gateway struct {
	Hub         *Hub
	Dispatcher  *ws.Dispatcher
	Handler     *Handler
	Broadcaster *Broadcaster

	cancel context.CancelFunc
	logger *logger.Logger
}

// NewGateway wires the gateway against the events mirror.
func NewGateway(st *store.Store, b bus.Bus, topics bus.Topics, m *metrics.Metrics, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, m, log)
	handler := NewHandler(hub, log)
	broadcaster := NewBroadcaster(hub, st, b, topics, log)

	RegisterHealthHandler(dispatcher, hub)

	return &Gateway{
		Hub:         hub,
		Dispatcher:  dispatcher,
		Handler:     handler,
		Broadcaster: broadcaster,
		logger:      log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Start runs the hub and taps the events mirror.
func (g *Gateway) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	go g.Hub.Run(runCtx)
	if err := g.Broadcaster.Start(runCtx); err != nil {
		cancel()
		return err
	}
	return nil
}

// Stop releases the mirror tap and disconnects all observers.
func (g *Gateway) Stop() {
	g.Broadcaster.Close()
	if g.cancel != nil {
		g.cancel()
	}
}

// SetupRoutes mounts the upgrade endpoint on the engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
