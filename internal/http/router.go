package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/seat-holds/internal/idempotency"
	"github.com/robertarktes/seat-holds/internal/observability"
	"github.com/robertarktes/seat-holds/internal/rateLimit"
)

// RouterOptions carries the optional collaborators; a nil limiter or
// idempotency store disables that middleware.
type RouterOptions struct {
	Auth        *Authenticator
	RateLimiter *rateLimit.RateLimiter
	Limits      RateLimits
	Idempotency *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(opts.Auth, false))
		r.Get("/v1/shows", h.ListShows)
		r.Get("/v1/shows/{id}", h.GetShow)
		r.Get("/v1/ws", h.Socket)
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(opts.Auth, true))
		if opts.RateLimiter != nil {
			r.Use(RateLimitMiddleware(opts.RateLimiter, opts.Limits, logger))
		}
		if opts.Idempotency != nil {
			r.Use(IdempotencyMiddleware(opts.Idempotency, logger))
		}
		r.Post("/v1/reservations/reserve", h.Reserve)
		r.Post("/v1/reservations/book", h.Book)
		r.Post("/v1/reservations/cancel", h.Cancel)
		r.Get("/v1/reservations/pending", h.PendingHolds)
	})

	return r
}
