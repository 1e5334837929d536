package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/process-runner/internal/history"
	"github.com/nerrad567/process-runner/internal/infrastructure/config"
	"github.com/nerrad567/process-runner/internal/infrastructure/logging"
	"github.com/nerrad567/process-runner/internal/process"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by components reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *process.Registry
	History  history.Repository        // optional: /runners/{id}/history returns 503 without it
	Checks   map[string]HealthChecker // optional: named components reported on /health
	Version  string
}

// Server is the HTTP control surface for the registered runners.
//
// It serves the REST routes, streams engine events to WebSocket clients and
// owns one event subscription per attached runner.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	registry  *process.Registry
	history   history.Repository
	checks    map[string]HealthChecker
	version   string
	startTime time.Time

	hub     *Hub
	handler http.Handler
	server  *http.Server

	mu   sync.Mutex
	subs map[string]*process.Subscription
	wg   sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The router and WebSocket hub are built immediately so Handler can be used
// without a listener; the server does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("runner registry is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		registry:  deps.Registry,
		history:   deps.History,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
		subs:      make(map[string]*process.Subscription),
	}
	s.hub = NewHub(deps.Logger)
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Attach relays the engine's events to WebSocket clients subscribed to id.
// Attaching the same id twice replaces the earlier subscription. The relay
// ends on its own when the engine is closed.
func (s *Server) Attach(id string, e *process.Engine) {
	id = process.NormaliseID(id)
	sub := e.Subscribe(s.wsCfg.SendBuffer)

	s.mu.Lock()
	if old, ok := s.subs[id]; ok {
		old.Close()
	}
	s.subs[id] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range sub.Events() {
			s.hub.Broadcast(id, ev)
		}
	}()
}

// Detach stops relaying id's events.
func (s *Server) Detach(id string) {
	id = process.NormaliseID(id)
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Start begins listening for HTTP connections in a background goroutine.
// The listener is bound before Start returns so a busy port is reported
// to the caller.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// disconnects every WebSocket client and ends the event relays.
func (s *Server) Close() error {
	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.logger.Info("API server shutting down")
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("shutting down API server: %w", err)
		}
	}

	s.mu.Lock()
	for id, sub := range s.subs {
		sub.Close()
		delete(s.subs, id)
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.hub.closeAll()
	return shutdownErr
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
