package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check on /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/runners", func(r chi.Router) {
			r.Get("/", s.handleListRunners)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRunner)
				r.Post("/start", s.handleStartRunner)
				r.Post("/stop", s.handleStopRunner)
				r.Post("/restart", s.handleRestartRunner)
				r.Post("/send", s.handleSendMessage)
				r.Get("/history", s.handleRunnerHistory)
				r.Get("/ws", s.handleRunnerWebSocket)
			})
		})

		// Multi-runner stream; clients pick runners with subscribe messages.
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports the server status and every configured component check.
// Any failing check turns the response into 503 "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := map[string]any{
		"status":  status,
		"version": s.version,
		"runners": s.registry.Len(),
	}
	if len(components) > 0 {
		body["components"] = components
	}
	writeJSON(w, code, body)
}
