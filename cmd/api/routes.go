package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"moneymanager/internal/shared/config"
	"moneymanager/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(cfg.Server.AllowedHosts))
	r.Use(middleware.Tracing)
	r.Use(middleware.NoStore)

	// Health check
	r.Get("/health", deps.HealthHandler.HandleHealth)

	// Salt Edge webhooks
	deps.CallbackHandler.Routes(r)

	// Manual sync and connection management
	deps.SyncHandler.Routes(r)

	var handler http.Handler = r
	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		logger.Info().Msg("TLS security middleware enabled (HSTS)")
	}

	return handler
}
