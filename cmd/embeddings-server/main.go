package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/embedkit/internal/cache"
	"github.com/raaihank/embedkit/internal/config"
	"github.com/raaihank/embedkit/internal/embeddings"
	"github.com/raaihank/embedkit/internal/logger"
	"github.com/raaihank/embedkit/internal/metrics"
	"github.com/raaihank/embedkit/internal/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("embedkit %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			fmt.Fprintf(os.Stderr, "Invalid PORT %q\n", port)
			os.Exit(1)
		}
		cfg.Server.Port = p
	}
	if err := config.ApplyDeviceOverride(cfg, "DEVICE"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	server.Version = version
	log.Info("Starting embedkit",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
		zap.String("model", cfg.Model.ModelName),
		zap.String("device", cfg.Model.Device),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server starts without a model; /health then reports unhealthy.
	handle, loadTime, err := embeddings.LoadHandle(ctx, cfg.Model, log.WithComponent("loader").Logger)
	if err != nil {
		log.Error("Failed to load model, serving without it", zap.Error(err))
	}

	opts := []embeddings.ServiceOption{embeddings.WithLoadTime(loadTime)}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics)
		opts = append(opts, embeddings.WithMetrics(m))
	}

	var embeddingCache *cache.EmbeddingCache
	if cfg.Cache.Enabled {
		embeddingCache, err = cache.NewEmbeddingCache(&cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, embeddings.WithCache(embeddingCache))
		}
	}

	svc := embeddings.NewService(cfg.Model, handle, log.WithComponent("embeddings").Logger, opts...)
	defer svc.Close()

	err = config.Watch(func(newConfig *config.Config) {
		if err := log.SetLevel(newConfig.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.Error(err))
		}
		svc.SetDefaultBatchSize(newConfig.Model.BatchSize)
		log.Info("Configuration reloaded",
			zap.String("log_level", newConfig.Logging.Level),
			zap.Int("batch_size", newConfig.Model.BatchSize),
		)
	}, func(err error) {
		log.Warn("Ignoring invalid configuration change", zap.Error(err))
	})
	if err != nil {
		log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	srv := server.New(cfg, log, svc, m)
	if embeddingCache != nil {
		srv.SetCacheStats(embeddingCache)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr()))
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server shutdown complete")
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
