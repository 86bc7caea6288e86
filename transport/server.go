package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vinayprograms/presencekit/logging"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr to listen on. Default: ":8080"
	Addr string

	// API serves /api/devices. Optional.
	API *API

	// SSE serves GET /api/events. Optional.
	SSE *SSEHub

	// WebSocket serves GET /api/ws. Optional.
	WebSocket *WebSocketHub

	// ReadHeaderTimeout for incoming requests. Default: 10s
	ReadHeaderTimeout time.Duration

	// Logger for server events. Default: discard.
	Logger *logging.Logger
}

// Server hosts the API and both notification hubs on one listener.
type Server struct {
	config ServerConfig

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates a server. It does not listen until Start.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Server{config: cfg}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.config.API != nil {
		s.config.API.Register(mux)
	}
	if s.config.SSE != nil {
		mux.Handle("GET /api/events", s.config.SSE)
	}
	if s.config.WebSocket != nil {
		mux.Handle("GET /api/ws", s.config.WebSocket)
	}
	return mux
}

// Start binds the listener and serves in the background. Request contexts
// derive from ctx, so cancelling it ends long-lived streams.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.Addr, err)
	}

	s.addr = ln.Addr()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.config.Logger.Error("http server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	s.config.Logger.Info("http server listening", map[string]interface{}{
		"addr": s.addr.String(),
	})
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and waits for active ones until ctx
// expires. Streaming clients should be released first by closing the hubs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
