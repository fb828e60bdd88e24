package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EmbeddingRequest is the request body shared by every transport.
type EmbeddingRequest struct {
	Input     []string `json:"input"`
	BatchSize *int     `json:"batch_size,omitempty"`
}

// EmbeddingResponse is returned on success.
type EmbeddingResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	Dimension  int         `json:"dimension"`
}

// ErrorResponse is returned on failure. Embeddings is always null.
type ErrorResponse struct {
	Error      string    `json:"error"`
	Embeddings *struct{} `json:"embeddings"`
}

// NewErrorResponse wraps err for the wire.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error()}
}

// Cache stores embeddings keyed by model and text.
type Cache interface {
	// GetMany returns one entry per text; misses are nil.
	GetMany(ctx context.Context, model string, texts []string) ([][]float32, error)
	SetMany(ctx context.Context, model string, texts []string, vectors [][]float32) error
	Ping(ctx context.Context) error
	Close() error
}

// MetricsRecorder receives service-level measurements.
type MetricsRecorder interface {
	ObserveInference(duration time.Duration, texts int)
	ObserveCache(hits, misses int)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCache enables the read-through embedding cache.
func WithCache(c Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = r }
}

// WithLoadTime records how long the model took to load.
func WithLoadTime(d time.Duration) ServiceOption {
	return func(s *Service) { s.stats.ModelLoadTime = d }
}

// Service validates requests, consults the cache and runs the pipeline.
type Service struct {
	config   ModelConfig
	pipeline *Pipeline
	cache    Cache
	metrics  MetricsRecorder
	logger   *zap.Logger

	mu               sync.RWMutex
	defaultBatchSize int
	stats            *ModelStats
}

// NewService creates a service for handle. A nil or unready handle is
// accepted; requests then fail with ErrModelNotLoaded.
func NewService(config ModelConfig, handle *Handle, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	s := &Service{
		config:           config,
		pipeline:         NewPipeline(handle, config.MaxLength, logger),
		logger:           logger,
		defaultBatchSize: batchSize,
		stats:            &ModelStats{StartTime: time.Now()},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate handles one embedding request. Cached vectors are reused and only
// the misses reach the model.
func (s *Service) Generate(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if !s.pipeline.Handle().Ready() {
		return nil, fmt.Errorf("%w: model or tokenizer not initialized", ErrModelNotLoaded)
	}
	if req == nil || req.Input == nil {
		return nil, fmt.Errorf("%w: input must be an array of strings", ErrInvalidInput)
	}
	if len(req.Input) == 0 {
		return nil, fmt.Errorf("%w: input cannot be empty", ErrInvalidInput)
	}
	batchSize := s.DefaultBatchSize()
	if req.BatchSize != nil {
		batchSize = *req.BatchSize
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be a positive integer, got %d", ErrInvalidInput, batchSize)
	}

	if s.config.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ModelTimeout)
		defer cancel()
	}

	start := time.Now()
	model := s.ModelName()
	embeddings := s.lookupCache(ctx, model, req.Input)

	var missIdx []int
	var missTexts []string
	for i, v := range embeddings {
		if v == nil {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, req.Input[i])
		}
	}
	hits := len(req.Input) - len(missIdx)

	tokens := 0
	if len(missTexts) > 0 {
		res, err := s.pipeline.Run(ctx, missTexts, batchSize)
		if err != nil {
			s.updateStats(int64(len(missTexts)), 0, time.Since(start), false, hits, len(missIdx))
			if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeoutError) {
				err = fmt.Errorf("%w: %w", ErrTimeoutError, err)
			}
			return nil, err
		}
		for j, i := range missIdx {
			embeddings[i] = res.Embeddings[j]
		}
		tokens = res.Tokens
		if s.metrics != nil {
			s.metrics.ObserveInference(res.Duration, len(missTexts))
		}
		s.storeCache(ctx, model, missTexts, res.Embeddings)
	}

	duration := time.Since(start)
	s.updateStats(int64(len(req.Input)), tokens, duration, true, hits, len(missIdx))

	s.logger.Debug("Embeddings generated",
		zap.Int("texts", len(req.Input)),
		zap.Int("cache_hits", hits),
		zap.Int("batch_size", batchSize),
		zap.Duration("duration", duration))

	dimension := 0
	if len(embeddings) > 0 {
		dimension = len(embeddings[0])
	}
	return &EmbeddingResponse{
		Embeddings: embeddings,
		Model:      model,
		Dimension:  dimension,
	}, nil
}

// Embed is a convenience wrapper using the default batch size.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := s.Generate(ctx, &EmbeddingRequest{Input: texts})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (s *Service) lookupCache(ctx context.Context, model string, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if s.cache == nil {
		return out
	}
	cached, err := s.cache.GetMany(ctx, model, texts)
	if err != nil || len(cached) != len(texts) {
		s.logger.Warn("Cache lookup failed, embedding all texts", zap.Error(err))
		return out
	}
	dims := s.pipeline.Dimension()
	for i, v := range cached {
		if v != nil && len(v) == dims {
			out[i] = v
		}
	}
	return out
}

func (s *Service) storeCache(ctx context.Context, model string, texts []string, vectors [][]float32) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetMany(ctx, model, texts, vectors); err != nil {
		s.logger.Warn("Failed to cache embeddings", zap.Error(err), zap.Int("count", len(texts)))
	}
}

// DefaultBatchSize returns the batch size applied when a request omits it.
func (s *Service) DefaultBatchSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultBatchSize
}

// SetDefaultBatchSize changes the default batch size. Non-positive values are ignored.
func (s *Service) SetDefaultBatchSize(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.defaultBatchSize = n
	s.mu.Unlock()
}

// ModelName returns the identifier reported in responses.
func (s *Service) ModelName() string {
	if h := s.pipeline.Handle(); h != nil && h.ModelName != "" {
		return h.ModelName
	}
	return s.config.ModelName
}

// Device returns the device the model runs on, or "" when not loaded.
func (s *Service) Device() string {
	if h := s.pipeline.Handle(); h != nil {
		return h.Device
	}
	return ""
}

// Ready reports whether the model is loaded.
func (s *Service) Ready() bool {
	return s.pipeline.Handle().Ready()
}

// GetStats returns a snapshot of service statistics.
func (s *Service) GetStats() *ModelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := *s.stats
	return &stats
}

// ModelInfo describes the served model.
type ModelInfo struct {
	Loaded           bool   `json:"loaded"`
	ModelName        string `json:"model_name"`
	Device           string `json:"device"`
	Dimension        int    `json:"dimension"`
	MaxLength        int    `json:"max_length"`
	DefaultBatchSize int    `json:"default_batch_size"`
	CacheEnabled     bool   `json:"cache_enabled"`
}

// GetModelInfo returns information about the loaded model.
func (s *Service) GetModelInfo() ModelInfo {
	maxLength := s.config.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return ModelInfo{
		Loaded:           s.Ready(),
		ModelName:        s.ModelName(),
		Device:           s.Device(),
		Dimension:        s.pipeline.Dimension(),
		MaxLength:        maxLength,
		DefaultBatchSize: s.DefaultBatchSize(),
		CacheEnabled:     s.cache != nil,
	}
}

// HealthCheck reports ErrModelNotLoaded when the model is unavailable.
// Cache problems are logged but do not fail the check.
func (s *Service) HealthCheck(ctx context.Context) error {
	if !s.Ready() {
		return fmt.Errorf("%w: model not loaded", ErrModelNotLoaded)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			s.logger.Warn("Cache health check failed", zap.Error(err))
		}
	}
	return nil
}

// Close releases the cache connection and the model.
func (s *Service) Close() error {
	s.logger.Info("Closing embedding service")

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}
	return s.pipeline.Handle().Close()
}

// updateStats updates service statistics thread-safely
func (s *Service) updateStats(texts int64, tokens int, duration time.Duration, success bool, hits, misses int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalInferences++
	s.stats.TotalTexts += texts
	s.stats.TotalTokens += int64(tokens)
	s.stats.CacheHits += int64(hits)
	s.stats.CacheMisses += int64(misses)
	s.stats.LastInferenceTime = time.Now()

	if success {
		s.stats.SuccessfulRuns++
		s.stats.AvgInferenceTime = (time.Duration(s.stats.SuccessfulRuns-1)*s.stats.AvgInferenceTime + duration) /
			time.Duration(s.stats.SuccessfulRuns)
	} else {
		s.stats.FailedRuns++
	}

	if total := s.stats.SuccessfulRuns + s.stats.FailedRuns; total > 0 {
		s.stats.ErrorRate = float64(s.stats.FailedRuns) / float64(total)
	}
	if s.stats.TotalTexts > 0 {
		s.stats.AvgTokensPerText = float64(s.stats.TotalTokens) / float64(s.stats.TotalTexts)
	}
	if lookups := s.stats.CacheHits + s.stats.CacheMisses; lookups > 0 && s.cache != nil {
		s.stats.CacheHitRatio = float64(s.stats.CacheHits) / float64(lookups)
	}

	if s.metrics != nil && s.cache != nil {
		s.metrics.ObserveCache(hits, misses)
	}
}
