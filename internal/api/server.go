package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(metrics.Middleware)     // Prometheus request metrics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Operational endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	// Scoring
	router.Post("/score", handler.Score)
	router.Post("/score/batch", handler.ScoreBatch)
	router.Post("/score/raw", handler.ScoreRaw)

	// Audit ledger
	router.Route("/audit", func(r chi.Router) {
		r.Get("/", handler.ListAudit)
		r.Get("/{seq}", handler.GetAudit)
		r.Post("/{seq}/replay", handler.ReplayAudit)
		r.Get("/tx/{txId}", handler.AuditByTx)
	})

	// Policy management
	router.Get("/policy", handler.GetPolicy)
	router.Put("/policy", handler.PutPolicy)
	router.Post("/policy/reload", handler.ReloadPolicy)
	router.Get("/models", handler.ListModels)

	// Counterparty risk tables
	router.Get("/counterparties/{chain}", handler.GetCounterparties)
	router.Put("/counterparties/{chain}", handler.PutCounterparties)
	router.Put("/counterparties/{chain}/{address}", handler.PutCounterpartyRisk)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
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
