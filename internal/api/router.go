package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/focusqueue/internal/api/middleware"
)

// NewRouter assembles the HTTP surface: producer endpoints for enqueueing
// and inspecting items, plus the stats and health endpoints.
func NewRouter(items *ItemHandler, stats *StatsHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.TraceMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/items", items.Enqueue)
		r.Get("/items/{id}", items.Get)
		r.Get("/stats", stats.Stats)
		r.Get("/health", stats.Health)
	})

	return r
}
