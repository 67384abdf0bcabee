package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/trading-auth/app"
	"github.com/upb/trading-auth/middleware"
	"github.com/upb/trading-auth/services/roles"
	"github.com/upb/trading-auth/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Every non-public path is authenticated and checked against the route policy
	r.Use(deps.Session.Handler)

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	if deps.Metrics != nil && cfg.Observability.MetricsAddr == "" {
		r.With(deps.Session.RequireCapability(roles.AuditRead)).Handle(cfg.Observability.MetricsPath, deps.Metrics.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.LoginThrottle.Handler).Post("/login", deps.AuthHandler.HandleLogin)
			r.With(deps.LoginThrottle.Handler).Post("/refresh", deps.AuthHandler.HandleRefresh)
			r.Post("/logout", deps.AuthHandler.HandleLogout)
			r.Get("/me", deps.AuthHandler.HandleMe)
			r.Post("/revoke", deps.AuthHandler.HandleRevoke)
		})

		r.With(deps.Session.RequireCapability(roles.AuditRead)).Get("/audit", deps.AuditHandler.HandleList)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}

// SetupMetricsRoutes returns the handler for the internal metrics listener,
// or nil when metrics are disabled or served on the main router
func SetupMetricsRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	if deps.Metrics == nil || cfg.Observability.MetricsAddr == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle(cfg.Observability.MetricsPath, deps.Metrics.Handler())
	return r
}
