package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/vector"
)

// Embedder produces embeddings for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// Store persists embedded records.
type Store interface {
	BatchInsert(ctx context.Context, records []*vector.Record) (*vector.BatchInsertResult, error)
	CreateIndex(ctx context.Context) (bool, error)
}

// Pipeline reads a dataset, embeds it batch by batch and stores the vectors.
type Pipeline struct {
	embedder Embedder
	store    Store
	config   *Config
	logger   *zap.Logger
}

// NewPipeline creates a new ingest pipeline
func NewPipeline(embedder Embedder, store Store, config *Config, logger *zap.Logger) *Pipeline {
	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.TextColumn == "" {
		cfg.TextColumn = "text"
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 10000
	}
	if cfg.ProgressReport <= 0 {
		cfg.ProgressReport = 1000
	}
	return &Pipeline{
		embedder: embedder,
		store:    store,
		config:   &cfg,
		logger:   logger,
	}
}

// ProcessFile ingests a CSV, Parquet or JSONL file.
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*Result, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	format := DetectFileFormat(filePath)
	p.logger.Info("Starting ingest",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize))

	var reader RecordReader
	switch format {
	case FormatParquet:
		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat input file: %w", err)
		}
		reader, err = NewParquetReader(file, info.Size(), p.config.TextColumn)
		if err != nil {
			return nil, err
		}
	case FormatJSONL:
		reader = NewJSONLReader(file, p.config.TextColumn)
	default:
		reader, err = NewCSVReader(file, p.config.TextColumn)
		if err != nil {
			return nil, err
		}
	}

	if c, ok := reader.(io.Closer); ok {
		defer c.Close()
	}
	return p.Process(ctx, reader)
}

// Process ingests every record from reader. A failed batch is recorded in
// the result and processing continues with the next one.
func (p *Pipeline) Process(ctx context.Context, reader RecordReader) (*Result, error) {
	start := time.Now()
	result := &Result{}
	nextReport := int64(p.config.ProgressReport)

	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		batch, err := reader.ReadBatch(p.config.BatchSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		texts := p.validTexts(batch, result)
		result.TotalRecords += int64(len(batch))
		if len(texts) == 0 {
			continue
		}

		result.Batches++
		if err := p.processBatch(ctx, texts, result); err != nil {
			p.logger.Error("Batch processing failed", zap.Int("batch", result.Batches), zap.Error(err))
			result.ProcessedFailed += int64(len(texts))
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d: %v", result.Batches, err))
		} else {
			result.ProcessedOK += int64(len(texts))
		}

		if result.TotalRecords >= nextReport {
			p.reportProgress(result, start)
			nextReport += int64(p.config.ProgressReport)
		}
	}

	if p.config.CreateIndex && result.Inserted > 0 {
		created, err := p.store.CreateIndex(ctx)
		if err != nil {
			p.logger.Warn("Failed to create vector index", zap.Error(err))
		}
		result.IndexCreated = created
	}

	result.Duration = time.Since(start)
	p.logger.Info("Ingest completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration))

	return result, nil
}

func (p *Pipeline) processBatch(ctx context.Context, texts []string, result *Result) error {
	embeddingStart := time.Now()
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("batch embedding generation failed: %w", err)
	}
	result.EmbeddingTime += time.Since(embeddingStart)

	if len(vecs) != len(texts) {
		return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(texts))
	}

	model := p.embedder.ModelName()
	records := make([]*vector.Record, len(texts))
	for i, text := range texts {
		records[i] = &vector.Record{
			Text:      text,
			TextHash:  vector.TextHash(text),
			Model:     model,
			Embedding: vecs[i],
		}
	}

	dbStart := time.Now()
	inserted, err := p.store.BatchInsert(ctx, records)
	if err != nil {
		return fmt.Errorf("database batch insert failed: %w", err)
	}
	result.DatabaseTime += time.Since(dbStart)
	result.Inserted += inserted.Inserted
	result.Duplicates += inserted.Duplicates
	return nil
}

// validTexts drops empty and oversized texts.
func (p *Pipeline) validTexts(batch []Record, result *Result) []string {
	texts := make([]string, 0, len(batch))
	for _, r := range batch {
		text := strings.TrimSpace(r.Text)
		if text == "" || len(text) > p.config.MaxTextLength {
			result.Invalid++
			continue
		}
		texts = append(texts, text)
	}
	return texts
}

func (p *Pipeline) reportProgress(result *Result, start time.Time) {
	elapsed := time.Since(start)
	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}
