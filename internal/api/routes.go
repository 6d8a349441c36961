package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/cache/reset", s.HandleResetCache)
		r.Route("/devices/{dev_eui}", func(r chi.Router) {
			r.Post("/close", s.HandleCloseConnection)
			r.Post("/downlink", s.HandleSendDownlink)
		})
	})
}
