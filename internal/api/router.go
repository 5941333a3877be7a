package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	r.Use(s.metricsMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/printers", s.handleListPrinters)
		r.Get("/{name}/status", s.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)

			r.Get("/events", s.handleEvents)
			r.Get("/audit", s.handleListAuditLogs)

			r.Post("/{name}/connect", s.handleConnect)
			r.Post("/{name}/disconnect", s.handleDisconnect)
			r.Post("/{name}/print", s.handlePrint)
			r.Post("/{name}/pause", s.handlePause)
			r.Post("/{name}/resume", s.handleResume)
			r.Post("/{name}/stop", s.handleStop)
			r.Get("/{name}/camera", s.handleCamera)
		})
	})

	return r
}

// handleHealth reports liveness. It never touches printers.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"printers": s.manager.Registry().Names(),
		"version":  s.version,
	})
}
