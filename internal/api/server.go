package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 3 * time.Second

// Server is the local control surface: the HTTP router plus the dashboard
// state hub.
type Server struct {
	router   *chi.Mux
	hub      *StateHub
	limiter  *IPRateLimiter
	state    StateProvider
	interval time.Duration

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates the control server. Nothing runs until Start; tests
// that only need the HTTP endpoints can use NewRouter directly.
func NewServer(cfg RouterConfig, broadcastInterval time.Duration) *Server {
	limiter := cfg.limiter() // shared with the router built below
	s := &Server{
		hub:      NewStateHub(cfg.CORSOrigins),
		limiter:  limiter,
		state:    cfg.State,
		interval: broadcastInterval,
		router:   NewRouter(cfg),
	}
	// The hub belongs to the server, so /ws is mounted here rather than in NewRouter
	s.router.Get("/ws", s.hub.HandleWebSocket)
	return s
}

// Start runs the hub, the state broadcast loop and the HTTP listener. It
// returns after ctx is done and the listener has shut down, or when the
// listener fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	s.hub.StartBroadcastLoop(ctx, s.interval, func() any {
		return s.state.Snapshot().View()
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	log.Printf("🌐 Control server on %s (state stream at /ws)", addr)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop shuts the listener down, waiting at most a few seconds for in-flight
// requests. Safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	return nil
}

// Router returns the HTTP handler for use with httptest
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the dashboard state hub
func (s *Server) Hub() *StateHub {
	return s.hub
}

// Stats reports dashboard and rate limiter counters
func (s *Server) Stats() map[string]any {
	return map[string]any{
		"dashboards": s.hub.Stats(),
		"rateLimit":  s.limiter.Stats(),
	}
}
