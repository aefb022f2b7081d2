// Package httptransport assembles the HTTP surface: middleware chain,
// operator API, the unauthenticated carrier webhook route, and operational
// endpoints.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	disputehandler "creditflow/internal/dispute/handler"
	letterhandler "creditflow/internal/letter/handler"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/platform/middleware"
	"creditflow/internal/transport/http/shared"
	webhookhandler "creditflow/internal/webhook/handler"
)

// Config carries everything the router needs.
type Config struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	JWTSigningKey  string
	RequestTimeout time.Duration

	// RateLimiter guards the carrier webhook route; nil disables limiting.
	RateLimiter *middleware.RateLimiter

	Disputes *disputehandler.Handler
	Letters  *letterhandler.Handler
	Webhooks *webhookhandler.Handler

	// Health reports backing-store reachability for the readiness probe.
	Health func(ctx context.Context) error
}

// NewRouter wires the full route tree.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(instrument(cfg.Metrics))
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				shared.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// The carrier authenticates with an HMAC signature, not a bearer token.
	r.Group(func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Limit)
		}
		cfg.Webhooks.RegisterCarrier(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(cfg.JWTSigningKey, cfg.Logger))
		cfg.Disputes.Register(r)
		cfg.Letters.Register(r)
		cfg.Webhooks.Register(r)
	})

	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.RequestDuration.WithLabelValues(route, strconv.Itoa(sw.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}
