package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/presencekit/presence"
)

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

// --- Unit Tests ---

func TestNewWebSocketUpgrader(t *testing.T) {
	u := NewWebSocketUpgrader()
	if u.ReadBufferSize != 1024 || u.WriteBufferSize != 1024 {
		t.Errorf("buffers = %d/%d, want 1024/1024", u.ReadBufferSize, u.WriteBufferSize)
	}
	if !u.CheckOrigin(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("default upgrader should accept any origin")
	}
}

func TestWebSocketHub_RejectsPlainHTTP(t *testing.T) {
	hub := NewWebSocketHub(DefaultConfig(), nil)
	defer hub.Close()

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ws", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if hub.Clients() != 0 {
		t.Errorf("clients = %d, want 0 after failed upgrade", hub.Clients())
	}
}

// --- Integration Tests ---

func TestWebSocketHub_PushesNotifications(t *testing.T) {
	hub := NewWebSocketHub(Config{}, nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn := dialHub(t, server)
	defer conn.Close()

	waitForClients(t, hub.Clients, 1)
	hub.Broadcast(testNotification("sensor-7", presence.StatusOffline))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n presence.Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if n.DeviceID != "sensor-7" || n.Status != presence.StatusOffline {
		t.Errorf("notification = %+v", n)
	}
	if n.Target != presence.TargetStatusChanged {
		t.Errorf("target = %q, want statusChanged", n.Target)
	}
}

func TestWebSocketHub_MultipleClients(t *testing.T) {
	hub := NewWebSocketHub(Config{}, nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	c1 := dialHub(t, server)
	defer c1.Close()
	c2 := dialHub(t, server)
	defer c2.Close()

	waitForClients(t, hub.Clients, 2)
	hub.Broadcast(testNotification("d1", presence.StatusOnline))

	for i, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var n presence.Notification
		if err := c.ReadJSON(&n); err != nil {
			t.Fatalf("client %d ReadJSON: %v", i, err)
		}
		if n.DeviceID != "d1" {
			t.Errorf("client %d got %q", i, n.DeviceID)
		}
	}
}

func TestWebSocketHub_CloseSendsNormalClosure(t *testing.T) {
	hub := NewWebSocketHub(Config{}, nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server)
	defer conn.Close()

	waitForClients(t, hub.Clients, 1)
	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage error = %v, want normal closure", err)
	}
}

func TestWebSocketHub_ClientDisconnect(t *testing.T) {
	hub := NewWebSocketHub(Config{}, nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn := dialHub(t, server)
	waitForClients(t, hub.Clients, 1)
	conn.Close()

	waitForClients(t, hub.Clients, 0)
}
