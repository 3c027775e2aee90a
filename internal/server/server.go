package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/handler"
	"github.com/faucetdb/warden/internal/mcp"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/openapi"
	"github.com/faucetdb/warden/internal/ratelimit"
	"github.com/faucetdb/warden/internal/server/middleware"
	"github.com/faucetdb/warden/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host                string
	Port                int
	ShutdownTimeout     time.Duration
	CORSOrigins         []string
	APIKeyHeader        string
	IPRequestsPerMinute int // per-IP limit on system routes, 0 disables
	Version             string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8080,
		ShutdownTimeout:     30 * time.Second,
		CORSOrigins:         []string{"*"},
		APIKeyHeader:        middleware.DefaultAPIKeyHeader,
		IPRequestsPerMinute: 300,
	}
}

// Store is the persistence the server reads directly. *config.Store
// implements it.
type Store interface {
	handler.SystemStore
	Ping(ctx context.Context) error
}

// Deps are the components the server routes to. Integrations and MCP may
// be nil; Audit may be nil.
type Deps struct {
	Store        Store
	Keys         *service.APIKeyService
	Verifier     *service.IdentityVerifier
	Guard        *service.Guard
	Limiter      ratelimit.Limiter
	Breakers     *circuitbreaker.Registry
	Audit        service.AuditSink
	Integrations *handler.IntegrationHandler
	MCP          *mcp.MCPServer
}

// Server is the top-level HTTP server for Warden.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = middleware.DefaultAPIKeyHeader
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.APIKeyHeader, "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Unauthenticated endpoints ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	sysHandler := handler.NewSystemHandler(s.deps.Store, s.deps.Keys, s.deps.Guard, s.deps.Breakers, s.deps.Audit, s.logger)

	r.Route("/api/v1", func(r chi.Router) {

		// System APIs, bearer identity. Per-organization checks happen in
		// the handlers since the target organization comes from the
		// request.
		r.Route("/system", func(r chi.Router) {
			if s.cfg.IPRequestsPerMinute > 0 {
				r.Use(middleware.RateLimit(s.cfg.IPRequestsPerMinute))
			}
			r.Use(chimw.Compress(5))
			r.Use(middleware.Authenticate(s.deps.Verifier))

			r.Get("/api-key", sysHandler.ListAPIKeys)
			r.Post("/api-key", sysHandler.CreateAPIKey)
			r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
			r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)
			r.Get("/audit", sysHandler.ListAuditEvents)

			// Breakers belong to no organization; the handlers check
			// breakers:read and breakers:write.
			r.Get("/circuit-breaker", sysHandler.ListCircuitBreakers)
			r.Post("/circuit-breaker/reset", sysHandler.ResetCircuitBreakers)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireSuperuser(s.deps.Guard))

				r.Get("/organization", sysHandler.ListOrganizations)
				r.Post("/organization", sysHandler.CreateOrganization)

				if s.deps.MCP != nil {
					r.Handle("/mcp", s.deps.MCP.Handler())
				}
			})
		})

		// Ordinary API traffic, authenticated by API key and metered per key.
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthenticateAPIKey(s.deps.Keys, s.cfg.APIKeyHeader))
			r.Use(middleware.KeyQuota(s.deps.Limiter, s.logger))

			r.Get("/self", handler.Self)

			if s.deps.Integrations != nil {
				r.With(middleware.RequireKeyPermission(s.deps.Guard, model.CapCallIntegrations)).
					HandleFunc("/integrations/{service}/*", s.deps.Integrations.Proxy)
			}
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. An unreachable key store makes the
// server unready since keys cannot be validated. Open breakers only mark it
// degraded.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	for _, b := range s.deps.Breakers.List() {
		checks["breaker:"+b.Service] = string(b.State)
		if b.State != circuitbreaker.StateClosed && status == "ok" {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleOpenAPI serves the OpenAPI document for this server.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	var integrations []string
	if s.deps.Integrations != nil {
		integrations = s.deps.Integrations.Services()
	}
	doc := openapi.Generate(scheme+"://"+r.Host, s.cfg.Version, integrations)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before flushing key usage and closing the limiter.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close flushes pending key usage and releases the limiter.
func (s *Server) Close() {
	s.deps.Keys.Close()
	if err := s.deps.Limiter.Close(); err != nil {
		s.logger.Warn("close rate limiter", "error", err)
	}
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
