package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Pipeline turns texts into L2-normalized mean-pooled embeddings using a
// model handle. It holds no mutable state and may be shared.
type Pipeline struct {
	handle    *Handle
	maxLength int
	logger    *zap.Logger
}

// Result is the output of a pipeline run.
type Result struct {
	Embeddings [][]float32
	Tokens     int
	Truncated  int
	Batches    int
	Duration   time.Duration
}

// NewPipeline creates a pipeline over handle. maxLength <= 0 uses DefaultMaxLength.
func NewPipeline(handle *Handle, maxLength int, logger *zap.Logger) *Pipeline {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{handle: handle, maxLength: maxLength, logger: logger}
}

// Handle returns the model handle the pipeline runs on.
func (p *Pipeline) Handle() *Handle {
	return p.handle
}

// Dimension returns the embedding width produced by the pipeline.
func (p *Pipeline) Dimension() int {
	return p.handle.Dimension()
}

// Embed returns one unit vector per text, in input order.
func (p *Pipeline) Embed(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	res, err := p.Run(ctx, texts, batchSize)
	if err != nil {
		return nil, err
	}
	return res.Embeddings, nil
}

// Run embeds texts in sequential sub-batches of batchSize. It either returns
// a vector for every text or an error and no vectors.
func (p *Pipeline) Run(ctx context.Context, texts []string, batchSize int) (*Result, error) {
	if !p.handle.Ready() {
		return nil, fmt.Errorf("%w: model or tokenizer not initialized", ErrModelNotLoaded)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: input cannot be empty", ErrInvalidInput)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be a positive integer, got %d", ErrInvalidInput, batchSize)
	}

	start := time.Now()
	res := &Result{Embeddings: make([][]float32, 0, len(texts))}
	for i := 0; i < len(texts); i += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: cancelled before batch at item %d: %w", ErrInferenceFailed, i, err)
		}

		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, tokens, truncated, err := p.embedBatch(ctx, texts[i:end])
		if err != nil {
			p.logger.Debug("Sub-batch failed", zap.Int("batch_start", i), zap.Error(err))
			return nil, fmt.Errorf("%w: batch at item %d: %w", ErrInferenceFailed, i, err)
		}
		res.Embeddings = append(res.Embeddings, vecs...)
		res.Tokens += tokens
		res.Truncated += truncated
		res.Batches++
	}
	res.Duration = time.Since(start)

	p.logger.Debug("Pipeline run completed",
		zap.Int("texts", len(texts)),
		zap.Int("batches", res.Batches),
		zap.Int("tokens", res.Tokens),
		zap.Int("truncated", res.Truncated),
		zap.Duration("duration", res.Duration))

	return res, nil
}

// embedBatch tokenizes, runs and pools a single sub-batch.
func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, int, int, error) {
	batch, err := p.handle.Tokenizer.Encode(texts, p.maxLength)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
	}
	if batch.BatchSize != len(texts) {
		return nil, 0, 0, fmt.Errorf("tokenizer returned %d rows for %d texts", batch.BatchSize, len(texts))
	}

	hidden, err := p.handle.Model.Forward(ctx, batch)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("forward pass: %w", err)
	}
	if hidden == nil || hidden.BatchSize != batch.BatchSize || hidden.SeqLen != batch.SeqLen {
		return nil, 0, 0, fmt.Errorf("model output shape does not match input [%d %d]", batch.BatchSize, batch.SeqLen)
	}
	if want := p.handle.Model.HiddenSize(); hidden.Hidden != want {
		return nil, 0, 0, fmt.Errorf("unexpected hidden dims %d (want %d)", hidden.Hidden, want)
	}

	pooled, err := MeanPool(hidden, batch.AttentionMask)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("pooling: %w", err)
	}
	for _, v := range pooled {
		Normalize(v)
	}

	tokens := 0
	for _, m := range batch.AttentionMask {
		tokens += int(m)
	}
	truncated := 0
	for _, t := range batch.Truncated {
		if t {
			truncated++
		}
	}
	return pooled, tokens, truncated, nil
}
