// Package adminapi is the optional diagnostics/administration HTTP surface
// (component G), grounded on the teacher's transport/rest router/handler
// split: chi routing, a {"data":...}/{"error":{...}} envelope, and a
// promhttp-exposed /metrics endpoint.
package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the admin router's dependencies, assembled by cmd/eventbusd.
type Deps struct {
	Handler        *Handler
	JWTSecret      string
	JWTIssuer      string
	RateLimitLimit int
	RateLimitEvery time.Duration
}

// NewRouter builds the admin HTTP surface. When JWTSecret is set, every
// /admin/v1 route requires a bearer JWT; with an empty JWTSecret the group
// is served without authentication. /healthz and /metrics stay open for orchestrator probes and
// scrapers, matching the teacher's "operational endpoints outside /api"
// split.
func NewRouter(d Deps) http.Handler {
	if d.Handler == nil {
		panic("adminapi.NewRouter: nil handler")
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	if d.RateLimitLimit > 0 {
		r.Use(httprate.LimitAll(d.RateLimitLimit, d.RateLimitEvery))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin/v1", func(r chi.Router) {
		if d.JWTSecret != "" {
			r.Use(authMiddleware(d.JWTSecret, d.JWTIssuer))
		}

		r.Get("/events/in-processing", d.Handler.GetInProcessing)
		r.Get("/events/ready", d.Handler.GetReady)
		r.Get("/events/ready-or-in-processing", d.Handler.GetReadyOrInProcessing)
		r.Post("/events", d.Handler.Post)
	})

	return r
}
