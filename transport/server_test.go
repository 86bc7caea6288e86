package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestServer_Routes(t *testing.T) {
	sse := NewSSEHub(Config{})
	defer sse.Close()
	srv := NewServer(ServerConfig{
		API:       NewAPI(APIConfig{Reader: &stubReader{}}),
		SSE:       sse,
		WebSocket: NewWebSocketHub(Config{}, nil),
	})
	h := srv.Handler()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/api/devices", http.StatusOK},
		{http.MethodGet, "/api/ws", http.StatusBadRequest},
		{http.MethodPost, "/api/events", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nowhere", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestServer_WithoutHubs(t *testing.T) {
	srv := NewServer(ServerConfig{API: NewAPI(APIConfig{Reader: &stubReader{}})})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when SSE is not configured", rec.Code)
	}
}

// --- Integration Tests ---

func TestServer_StartAndShutdown(t *testing.T) {
	srv := NewServer(ServerConfig{
		Addr: "127.0.0.1:0",
		API:  NewAPI(APIConfig{Reader: &stubReader{}}),
	})
	if srv.Addr() != nil {
		t.Error("Addr should be nil before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/health")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	if _, err := http.Get("http://" + srv.Addr().String() + "/api/health"); err == nil {
		t.Error("request after Shutdown should fail")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	srv := NewServer(ServerConfig{})
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Start = %v, want nil", err)
	}
}

func TestServer_BindFailure(t *testing.T) {
	first := NewServer(ServerConfig{Addr: "127.0.0.1:0"})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Shutdown(context.Background())

	second := NewServer(ServerConfig{Addr: first.Addr().String()})
	if err := second.Start(context.Background()); err == nil {
		t.Error("binding an address in use should fail")
	}
}
