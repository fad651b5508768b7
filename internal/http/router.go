package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/seat-allocation/internal/idempotency"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/rateLimit"
)

type RouterConfig struct {
	// Per window. Zero disables throttling.
	RatePerAgent int
	RatePerIP    int
	RateWindow   time.Duration
}

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/performances/{id}/availability", h.GetAvailability)

	r.Route("/v1/transactions/placeOrder", func(r chi.Router) {
		if rl != nil && cfg.RatePerAgent > 0 && cfg.RatePerIP > 0 {
			r.Use(RateLimitMiddleware(rl, cfg.RatePerAgent, cfg.RatePerIP, cfg.RateWindow))
		}
		if idemp != nil {
			r.Use(IdempotencyMiddleware(idemp))
		}

		r.Post("/start", h.StartTransaction)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/customerContact", h.SetCustomerContact)
			r.Post("/actions/authorize/seatReservation", h.CreateSeatReservation)
			r.Delete("/actions/authorize/seatReservation/{actionId}", h.CancelSeatReservation)
			r.Post("/actions/authorize/payment", h.AuthorizePayment)
			r.Delete("/actions/authorize/payment/{actionId}", h.CancelPayment)
			r.Post("/confirm", h.Confirm)
		})
	})

	return r
}
