package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/driftmark/gamecore/internal/config"
	"github.com/driftmark/gamecore/internal/metrics"
	"github.com/driftmark/gamecore/internal/transport/http/handlers"
	gwmw "github.com/driftmark/gamecore/internal/transport/http/middleware"
)

// NewGateway wires the gateway's public surface: the auth REST bridge, the
// WebSocket entry point and the ops endpoints.
func NewGateway(
	auth *handlers.AuthHandler,
	health *handlers.HealthHandler,
	ws http.HandlerFunc,
	cfg *config.Gateway,
) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.RequestID)
	r.Use(gwmw.SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gwmw.AccessLog)

	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	r.Route("/v1/auth", func(r chi.Router) {
		if cfg.RLEnabled {
			r.Use(httprate.LimitByIP(cfg.RLLimit, cfg.RLWindow))
		}
		r.Post("/register", auth.Register)
		r.Post("/login", auth.Login)
		r.Post("/refresh", auth.Refresh)
		r.Post("/logout", auth.Logout)
		r.Post("/validate", auth.Validate)
	})

	// The socket does its own auth in-band; rate limiting a long-lived
	// upgrade by IP would only punish reconnects.
	r.Get("/v1/connect", ws)

	return r
}

// NewAuth is the auth service's ops-only listener. All real traffic arrives
// over the bus; HTTP exists for probes and scraping.
func NewAuth(health *handlers.HealthHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gwmw.AccessLog)

	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	return r
}
