package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/cache"
	"github.com/raaihank/embedkit/internal/config"
	"github.com/raaihank/embedkit/internal/embeddings"
	"github.com/raaihank/embedkit/internal/logger"
	"github.com/raaihank/embedkit/internal/vector"
)

var (
	cfg        *config.Config
	configPath string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	rootCmd := &cobra.Command{
		Use:   "embed",
		Short: "Generate sentence embeddings",
		Long: "Reads {\"input\": [...], \"batch_size\": n} from stdin and writes " +
			"{\"embeddings\": [...], \"model\": ..., \"dimension\": ...} to stdout.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := config.ApplyDeviceOverride(cfg, "EMBEDDINGS_DEVICE"); err != nil {
				cfg = nil
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()

			load := func(ctx context.Context) generator {
				return newService(ctx, log)
			}
			err := runGenerate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), load)
			if err != nil {
				log.Error("Embedding generation failed", zap.Error(err))
			}
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	rootCmd.AddCommand(
		ingestCmd(),
		searchCmd(),
		statsCmd(),
		cacheCmd(),
	)

	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	stop()
	if err != nil {
		if cfg == nil {
			// Config failed before any JSON could be written.
			writeError(os.Stdout, err)
		}
		os.Exit(1)
	}
}

type generator interface {
	Generate(ctx context.Context, req *embeddings.EmbeddingRequest) (*embeddings.EmbeddingResponse, error)
	Close() error
}

// runGenerate answers one JSON request read from in. The model is loaded
// only once the request is valid. Every failure is also written to out as
// {"error": ..., "embeddings": null}.
func runGenerate(ctx context.Context, in io.Reader, out io.Writer, load func(context.Context) generator) error {
	req, err := readRequest(in)
	if err != nil {
		writeError(out, err)
		return err
	}

	gen := load(ctx)
	defer gen.Close()

	resp, err := gen.Generate(ctx, req)
	if err != nil {
		writeError(out, err)
		return err
	}
	return json.NewEncoder(out).Encode(resp)
}

func readRequest(in io.Reader) (*embeddings.EmbeddingRequest, error) {
	var req embeddings.EmbeddingRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON input: %v", embeddings.ErrInvalidInput, err)
	}
	if req.Input == nil {
		return nil, fmt.Errorf("%w: input must be an array of strings", embeddings.ErrInvalidInput)
	}
	if len(req.Input) == 0 {
		return nil, fmt.Errorf("%w: input cannot be empty", embeddings.ErrInvalidInput)
	}
	if req.BatchSize != nil && *req.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be a positive integer, got %d", embeddings.ErrInvalidInput, *req.BatchSize)
	}
	return &req, nil
}

func writeError(out io.Writer, err error) {
	json.NewEncoder(out).Encode(embeddings.NewErrorResponse(err))
}

// newLogger logs to stderr so stdout carries only the JSON result.
func newLogger() *logger.Logger {
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return &logger.Logger{Logger: zap.NewNop()}
	}
	return log
}

// newService loads the model once. A load failure leaves the service
// without a model so requests fail with a model-unavailable error.
func newService(ctx context.Context, log *logger.Logger) *embeddings.Service {
	handle, loadTime, err := embeddings.LoadHandle(ctx, cfg.Model, log.WithComponent("loader").Logger)
	if err != nil {
		log.Error("Failed to load model", zap.Error(err))
	}

	opts := []embeddings.ServiceOption{embeddings.WithLoadTime(loadTime)}
	if cfg.Cache.Enabled {
		c, err := cache.NewEmbeddingCache(&cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, embeddings.WithCache(c))
		}
	}
	return embeddings.NewService(cfg.Model, handle, log.WithComponent("embeddings").Logger, opts...)
}

func newStore(ctx context.Context, log *logger.Logger) (*vector.Store, error) {
	st, err := vector.NewStore(&cfg.Database, log.WithComponent("vector").Logger)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
