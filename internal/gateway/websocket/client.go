package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/logger"
	ws "github.com/stagecraft/stagecraft/pkg/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the peer. Observers only send small
	// control frames.
	maxMessageSize = 64 * 1024
)

// Filter narrows which lifecycle events a client receives. The zero value
// receives everything.
type Filter struct {
	TraceID    string `json:"trace_id"`
	PlatformID string `json:"platform_id"`
}

// Client is one observer connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu     sync.RWMutex
	filter Filter

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// SetFilter replaces the client's event filter.
func (c *Client) SetFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// matches reports whether an event with the given trace and platform passes
// the client's filter.
func (c *Client) matches(traceID, platformID string) bool {
	c.mu.RLock()
	f := c.filter
	c.mu.RUnlock()

	if f.TraceID != "" && f.TraceID != traceID {
		return false
	}
	if f.PlatformID != "" && f.PlatformID != platformID {
		return false
	}
	return true
}

// ReadPump pumps control frames from the connection into the hub until the
// peer goes away.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes one request frame. Filter changes are handled on
// the client itself; everything else goes through the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received frame",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	if msg.Action == ws.ActionEventsFilter {
		c.handleFilter(msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// handleFilter applies an events.filter request.
func (c *Client) handleFilter(msg *ws.Message) {
	var f Filter
	if err := msg.ParsePayload(&f); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	f.TraceID = strings.TrimSpace(f.TraceID)
	f.PlatformID = strings.TrimSpace(f.PlatformID)
	c.SetFilter(f)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":     true,
		"trace_id":    f.TraceID,
		"platform_id": f.PlatformID,
	})
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to build error frame", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps queued frames to the connection and keeps the peer alive
// with pings. One pump per connection; the hub closes send to end it.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames, newline-separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
