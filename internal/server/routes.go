package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"

	"github.com/postqueue/postqueue/internal/appid"
	"go.uber.org/zap"

	"github.com/postqueue/postqueue/internal/observability"
	"github.com/postqueue/postqueue/internal/server/handlers"
	servermw "github.com/postqueue/postqueue/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	// Standard health endpoints
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	// Version endpoint
	s.router.Get("/version", handlers.VersionHandler)

	// Metrics endpoint (in server package to access HandleError)
	s.router.Get("/metrics", MetricsHandler)

	// Admin signal endpoint (optional, requires POSTQUEUE_ADMIN_TOKEN)
	s.registerAdminEndpoint()

	if s.publishing != nil {
		s.registerPublishingRoutes()
	}
}

// registerPublishingRoutes mounts the post, publish and rate limit API.
func (s *Server) registerPublishingRoutes() {
	p := s.publishing
	s.router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(servermw.BearerSecret(s.cronSecret))
			r.Post("/cron/publish-scheduled", p.RunScheduled)
			r.Get("/cron/publish-scheduled", p.DryRunScheduled)
		})

		r.Post("/posts", p.CreatePost)
		r.Get("/posts", p.ListPosts)
		r.Get("/posts/{id}", p.GetPost)
		r.Post("/posts/{id}/publish", p.PublishNow)

		r.Post("/preflight", p.Preflight)
		r.Get("/rate-limits", p.RateLimits)
	})
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	// Get admin token from environment (identity-aware)
	identity, _ := appid.Get(context.Background())
	envPrefix := adminEnvPrefix(identity)

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	// Create HTTP signal handler with bearer token auth and rate limiting
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	// Register admin endpoint
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}

const defaultEnvPrefix = "POSTQUEUE_"

// adminEnvPrefix returns the identity's env prefix, or POSTQUEUE_ when the
// identity could not be loaded.
func adminEnvPrefix(identity *appidentity.Identity) string {
	if identity != nil && identity.EnvPrefix != "" {
		return identity.EnvPrefix
	}
	return defaultEnvPrefix
}
