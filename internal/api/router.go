package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// State endpoints
			r.Route("/states", func(r chi.Router) {
				r.Get("/", s.handleListStates)

				r.Route("/{entityID}", func(r chi.Router) {
					r.Get("/", s.handleGetState)
					r.Post("/", s.handleSetState)
					r.Delete("/", s.handleRemoveState)
				})
			})

			// Service endpoints
			r.Route("/services", func(r chi.Router) {
				r.Get("/", s.handleListServices)
				r.Post("/{domain}/{service}", s.handleCallService)
			})

			// Event publication
			r.Post("/events/{topic}", s.handlePublishEvent)

			// History queries
			r.Get("/history/{entityID}", s.handleHistory)

			// WebSocket event stream (auth via access_token query parameter)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"state":   string(s.core.State()),
		"version": s.version,
	})
}
