package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shoalstore/shoal/pkg/metrics"
)

// NewRouter wires the middleware stack and the route tree.
//
// Middleware order matters: the request id must exist before logging,
// and admission control runs after logging so shed requests still get a
// log line and a metric.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.admission)

	r.Get("/ping", h.Ping)
	r.Head("/ping", h.Ping)
	r.Handle("/metrics", metrics.Handler())

	// Everything else is the object namespace.
	r.NotFound(h.Entry)
	r.MethodNotAllowed(h.Entry)

	return r
}
