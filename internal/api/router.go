package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter mounts the WebSocket endpoint and, when enabled, the
// read-only REST API under /api/v1.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(middleware.CleanPath)
	r.Use(s.corsMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	if s.ws != nil && s.cfg.WebSocketPath != "" {
		r.Handle(s.cfg.WebSocketPath, s.ws)
	}
	if !s.cfg.API.Enabled {
		return r
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.GetHead)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/encoders", s.handleListEncoders)
			r.Get("/encoders/{node}", s.handleGetEncoder)
			r.Get("/commands", s.handleListCommands)
			r.Get("/renames", s.handleListRenames)
		})
	})
	return r
}
