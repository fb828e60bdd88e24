package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/cache"
	"github.com/raaihank/embedkit/internal/config"
	"github.com/raaihank/embedkit/internal/embeddings"
	"github.com/raaihank/embedkit/internal/logger"
	"github.com/raaihank/embedkit/internal/metrics"
)

// Version is reported by /info. Overridden at build time.
var Version = "0.1.0"

// EmbeddingService is what the transports need from the embedding layer.
type EmbeddingService interface {
	Generate(ctx context.Context, req *embeddings.EmbeddingRequest) (*embeddings.EmbeddingResponse, error)
	HealthCheck(ctx context.Context) error
	ModelName() string
	Device() string
	GetModelInfo() embeddings.ModelInfo
	GetStats() *embeddings.ModelStats
}

// CacheStatsSource reports embedding cache statistics for /info.
type CacheStatsSource interface {
	GetStats(ctx context.Context) (*cache.CacheStats, error)
}

// Server represents the HTTP embedding server
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	service   EmbeddingService
	metrics   *metrics.Metrics
	limiter   *RateLimiter
	router    *mux.Router
	server    *http.Server
	wsHub     *Hub
	cache     CacheStatsSource
	startTime time.Time
}

// New creates a new server instance. m may be nil to disable metrics.
func New(cfg *config.Config, log *logger.Logger, svc EmbeddingService, m *metrics.Metrics) *Server {
	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		service:   svc,
		metrics:   m,
		router:    mux.NewRouter(),
		wsHub:     NewHub(&cfg.WebSocket, log.WithComponent("websocket").Logger),
		startTime: time.Now(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTimeout)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.loggingMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	s.router.Handle("/embeddings", s.rateLimitMiddleware(http.HandlerFunc(s.handleEmbeddings))).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.config.WebSocket.Enabled {
		s.router.Handle(s.config.WebSocket.Path, s.rateLimitMiddleware(http.HandlerFunc(s.handleWebSocket))).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})
}

// SetCacheStats adds cache statistics to /info.
func (s *Server) SetCacheStats(src CacheStatsSource) {
	s.cache = src
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the HTTP server and blocks until it stops. Background
// maintenance stops when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting embedding server",
		zap.String("addr", s.server.Addr),
		zap.String("model", s.service.ModelName()),
		zap.String("device", s.service.Device()),
		zap.Bool("rate_limit", s.limiter != nil),
		zap.Bool("websocket", s.config.WebSocket.Enabled),
	)

	if s.limiter != nil {
		go s.limiter.Run(ctx, s.config.RateLimit.CleanupInterval)
	}

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server and closes WebSocket clients
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping embedding server")
	s.wsHub.Close()
	return s.server.Shutdown(ctx)
}

// GetWebSocketHub returns the WebSocket hub
func (s *Server) GetWebSocketHub() *Hub {
	return s.wsHub
}
