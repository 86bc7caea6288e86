package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vinayprograms/presencekit/presence"
)

// SSEHub streams status notifications to browsers as Server-Sent Events.
// Each notification is written as an event named after its target
// ("statusChanged") carrying the notification JSON.
type SSEHub struct {
	config Config
	b      *broadcaster
}

// NewSSEHub creates an SSE hub. Mount it at the events endpoint
// (GET /api/events).
func NewSSEHub(cfg Config) *SSEHub {
	cfg = cfg.withDefaults()
	return &SSEHub{
		config: cfg,
		b:      newBroadcaster(cfg.ClientBuffer),
	}
}

// Broadcast queues n for every connected client.
func (h *SSEHub) Broadcast(n presence.Notification) {
	h.b.broadcast(n)
}

// Clients returns the number of connected clients.
func (h *SSEHub) Clients() int {
	return h.b.count()
}

// Dropped returns how many notifications were skipped for slow clients.
func (h *SSEHub) Dropped() int64 {
	return h.b.dropped.Load()
}

// Close disconnects all clients. Later connections are refused.
func (h *SSEHub) Close() error {
	h.b.close()
	return nil
}

// ServeHTTP handles a single SSE connection until the client goes away or
// the hub is closed.
func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	id, ch, err := h.b.add()
	if err != nil {
		http.Error(w, "Hub closed", http.StatusServiceUnavailable)
		return
	}
	defer h.b.remove(id)

	rc := http.NewResponseController(w)
	deadlines := true
	write := func(format string, args ...interface{}) error {
		if deadlines {
			if err := rc.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout)); err != nil {
				deadlines = false
			}
		}
		if _, err := fmt.Fprintf(w, format, args...); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	var keepAlive <-chan time.Time
	if h.config.KeepAlive > 0 {
		ticker := time.NewTicker(h.config.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	h.config.Logger.Debug("sse client connected", map[string]interface{}{
		"client": id,
		"remote": r.RemoteAddr,
	})
	defer h.config.Logger.Debug("sse client disconnected", map[string]interface{}{
		"client": id,
	})

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive:
			if err := write(": keepalive\n\n"); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if err := write("id: %s\nevent: %s\ndata: %s\n\n", n.EventID, eventName(n), data); err != nil {
				return
			}
		}
	}
}

func eventName(n presence.Notification) string {
	if n.Target == "" {
		return presence.TargetStatusChanged
	}
	return n.Target
}
