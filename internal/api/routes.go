package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/glean-browser/eventsink/internal/api/middleware"
)

const healthCheckTimeout = 2 * time.Second

type (
	// StatusResponse is the body of successful replies: {"status": "..."}.
	StatusResponse struct {
		Status string `json:"status"`
	}

	// Route represents an HTTP route with its path and handler.
	Route struct {
		Path    string       // The mux pattern (e.g., "GET /api/health", "/api/events")
		Handler http.Handler // The handler for this route
	}
)

// setupRoutes registers all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.registerRoutes(
		mux,
		Route{"GET /api/health", http.HandlerFunc(s.handleHealth)}, // liveness, never touches storage
		Route{"GET /api/ready", http.HandlerFunc(s.handleReady)},   // readiness, pings storage
		Route{"/api/events", s.eventsHandler()},                    // every method; the handler gates
		Route{"/", http.HandlerFunc(s.handleNotFound)},             // catch-all 404
	)
}

func (s *Server) registerRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)
	}
}

// eventsHandler wraps handleEvents with the middleware that applies to /api/events only.
// CORS sits outside rate limiting so preflights are always answered and 429s carry CORS headers.
func (s *Server) eventsHandler() http.Handler {
	return middleware.Apply(http.HandlerFunc(s.handleEvents),
		middleware.WithCORS(s.config.ToCORSConfig()),
		middleware.WithRateLimit(s.rateLimiter, s.logger, s.clientKey),
	)
}

// handleHealth reports process liveness. It always answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, StatusResponse{Status: "healthy"})
}

// handleReady reports whether the event store can take writes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Warn("Readiness check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		writeError(w, r, s.logger, http.StatusServiceUnavailable, msgStorageUnavailable)

		return
	}

	s.writeJSON(w, r, http.StatusOK, StatusResponse{Status: "ready"})
}

// handleNotFound answers every unregistered path.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, s.logger, http.StatusNotFound, msgNotFound)
}

// writeJSON marshals body and writes it with status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		writeError(w, r, s.logger, http.StatusInternalServerError, msgInternalError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
