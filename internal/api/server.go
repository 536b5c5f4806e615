package api

import (
	"context"
	"net/http"
	"time"

	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/accesslink"
	"example.com/eduwallet/services/partners/internal/api/handlers"
	"example.com/eduwallet/services/partners/internal/cache"
	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/dispatch"
	"example.com/eduwallet/services/partners/internal/ledger"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/search"
	"example.com/eduwallet/services/partners/internal/services"
	"example.com/eduwallet/services/partners/internal/tracing"
	"example.com/eduwallet/services/partners/internal/webhooks"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Dependencies are the components the HTTP server routes to. Elastic may be
// nil; Cache and Tracer may be disabled instances.
type Dependencies struct {
	Ledger     *ledger.Ledger
	Processor  *webhooks.Processor
	Dispatcher *dispatch.Dispatcher
	Registry   *services.Registry
	Catalog    *services.Catalog
	Verifier   *credentials.Verifier
	Tokens     *accesslink.TokenIssuer
	Cache      *cache.RedisCache
	Elastic    *search.ElasticClient
	Tracer     *tracing.Tracer
	Metrics    *metrics.Metrics
}

// Server represents the HTTP server
type Server struct {
	config     config.Config
	deps       Dependencies
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, deps Dependencies) *Server {
	if deps.Cache == nil {
		deps.Cache = cache.Disabled()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}

	server := &Server{
		config: cfg,
		deps:   deps,
	}
	server.router = server.setupRouter()

	var handler http.Handler = server.router
	if cfg.Server.CorsEnabled {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CorsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", apiKeyHeader, requestIDKey},
		}).Handler(handler)
	}

	server.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.Timeout,
	}

	return server
}

// Handler exposes the routed handler, for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	if s.deps.Tracer != nil {
		router.Use(s.deps.Tracer.Middleware())
		router.Use(tracing.ContextMiddleware())
	}

	metricsHandler := handlers.NewMetricsHandler(s.deps.Metrics, s.healthChecks())
	metricsHandler.RegisterRoutes(router)

	v1 := router.Group("/api/v1")

	webhookHandler := handlers.NewWebhookHandler(s.deps.Verifier, s.deps.Processor, s.deps.Metrics, s.config.Webhook.MaxBodyBytes)
	webhookHandler.RegisterRoutes(v1)

	partner := v1.Group("/partner", APIKeyAuth(s.deps.Verifier, s.deps.Cache, s.deps.Metrics))
	partnerHandler := handlers.NewPartnerHandler(s.deps.Ledger, s.deps.Catalog, s.deps.Tokens)
	partnerHandler.RegisterRoutes(partner)

	admin := v1.Group("/admin", AdminAuth(s.config.Server.AdminToken))
	adminHandler := handlers.NewAdminHandler(s.deps.Registry, s.deps.Ledger, s.deps.Dispatcher, s.deps.Elastic)
	adminHandler.RegisterRoutes(admin)

	return router
}

func (s *Server) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"database": s.deps.Ledger.Store().Ping,
	}
	if s.deps.Cache.Enabled() {
		checks["redis"] = s.deps.Cache.Ping
	}
	if s.deps.Elastic != nil {
		checks["elasticsearch"] = s.deps.Elastic.Ping
	}
	return checks
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
