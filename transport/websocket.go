package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vinayprograms/presencekit/presence"
)

// maxClientMessage bounds inbound frames. Clients only listen, so anything
// beyond control traffic is discarded.
const maxClientMessage = 512

// WebSocketHub pushes status notifications to WebSocket clients as JSON
// text frames.
type WebSocketHub struct {
	config   Config
	upgrader *websocket.Upgrader
	b        *broadcaster
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// NewWebSocketHub creates a WebSocket hub. Mount it at GET /api/ws.
// A nil upgrader uses NewWebSocketUpgrader.
func NewWebSocketHub(cfg Config, upgrader *websocket.Upgrader) *WebSocketHub {
	cfg = cfg.withDefaults()
	if upgrader == nil {
		upgrader = NewWebSocketUpgrader()
	}
	return &WebSocketHub{
		config:   cfg,
		upgrader: upgrader,
		b:        newBroadcaster(cfg.ClientBuffer),
	}
}

// Broadcast queues n for every connected client.
func (h *WebSocketHub) Broadcast(n presence.Notification) {
	h.b.broadcast(n)
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	return h.b.count()
}

// Dropped returns how many notifications were skipped for slow clients.
func (h *WebSocketHub) Dropped() int64 {
	return h.b.dropped.Load()
}

// Close disconnects all clients with a normal closure.
func (h *WebSocketHub) Close() error {
	h.b.close()
	return nil
}

// ServeHTTP upgrades the request and streams notifications until the
// client disconnects or the hub is closed.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ch, err := h.b.add()
	if err != nil {
		http.Error(w, "Hub closed", http.StatusServiceUnavailable)
		return
	}
	defer h.b.remove(id)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxClientMessage)
	if h.config.KeepAlive > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * h.config.KeepAlive))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * h.config.KeepAlive))
		})
	}

	gone := make(chan struct{})
	go h.readLoop(conn, gone)

	var keepAlive <-chan time.Time
	if h.config.KeepAlive > 0 {
		ticker := time.NewTicker(h.config.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			h.closeConn(conn, websocket.CloseGoingAway)
			return
		case <-keepAlive:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				h.closeConn(conn, websocket.CloseNormalClosure)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				h.config.Logger.Debug("websocket write failed", map[string]interface{}{
					"client": id,
					"error":  err.Error(),
				})
				return
			}
		}
	}
}

// readLoop discards client frames so control messages are processed, and
// closes gone when the connection fails.
func (h *WebSocketHub) readLoop(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) closeConn(conn *websocket.Conn, code int) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
}
