package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg *domain.Config, p *pipeline.Pipeline, cache domain.Cache, bus domain.EventBus, version string, opts ...HandlerOption) *Server {
	handler := NewHandler(p, cache, bus, version, opts...)
	handler.maxUpload = cfg.Server.MaxUploadSize
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant)
	router.Get("/", handler.Root)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Ledger submission is the expensive path.
		r.Group(func(r chi.Router) {
			if cfg.RateLimit.Enabled {
				r.Use(NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst).Middleware)
			}
			if n := cfg.Server.MaxConcurrentAnalyses; n > 0 {
				r.Use(middleware.ThrottleBacklog(n, 4*n, 30*time.Second))
			}
			r.Post("/upload-transactions", handler.UploadTransactions)
			r.Post("/analyses", handler.Analyze)
			r.Post("/analyses/async", handler.AnalyzeAsync)
		})

		// Results
		r.Get("/analyses/{id}", handler.GetAnalysis)
		r.Get("/report", handler.GetReport)
		r.Get("/rings", handler.GetRings)
		r.Get("/accounts/{id}", handler.GetAccount)
		r.Post("/explain-node", handler.ExplainNode)

		// Account rules
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)

		r.Get("/stats", handler.Stats)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg.Server,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
