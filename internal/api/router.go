package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/redis"
)

// NewRouter builds the service's HTTP router. limiter guards the provider
// webhook and may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	h.Routes(r, RateLimitMiddleware(limiter, logger, "webhook", IPKeyFunc))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
