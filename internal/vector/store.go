package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	// indexThreshold is the row count below which an ivfflat index is not worth building.
	indexThreshold = 1000
	// insertChunk keeps a single INSERT under the PostgreSQL parameter limit.
	insertChunk = 1000
	indexName   = "idx_embeddings_embedding"
)

// Store handles vector storage operations with PostgreSQL + pgvector
type Store struct {
	db        *sqlx.DB
	logger    *zap.Logger
	dimension int
}

// NewStore creates a new vector store instance
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Store{
		db:        db,
		logger:    logger,
		dimension: config.Dimension,
	}

	logger.Info("Vector store connected",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("dimension", config.Dimension))

	return store, nil
}

// EnsureSchema installs pgvector and creates the embeddings table.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dimension <= 0 {
		return fmt.Errorf("vector dimension must be positive, got %d", s.dimension)
	}

	for _, stmt := range schemaStatements(s.dimension) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s.logger.Info("Database schema ready", zap.Int("dimension", s.dimension))
	return nil
}

func schemaStatements(dimension int) []string {
	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS embeddings (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			text_hash CHAR(64) NOT NULL,
			model TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (model, text_hash)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings (model)",
	}
}

// BatchInsert adds records, skipping texts already stored for the same model.
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	start := time.Now()
	for i := 0; i < len(records); i += insertChunk {
		end := i + insertChunk
		if end > len(records) {
			end = len(records)
		}

		query, args := buildInsert(records[i:end])
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			s.logger.Error("Batch insert failed", zap.Error(err), zap.Int("offset", i))
			return result, fmt.Errorf("batch insert failed: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			s.logger.Warn("Could not get rows affected", zap.Error(err))
			inserted = int64(end - i)
		}
		result.Inserted += inserted
		result.Duplicates += int64(end-i) - inserted
	}
	result.Duration = time.Since(start)

	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func buildInsert(records []*Record) (string, []interface{}) {
	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*4)

	for i, r := range records {
		hash := r.TextHash
		if hash == "" {
			hash = TextHash(r.Text)
		}
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4))
		valueArgs = append(valueArgs, r.Text, hash, r.Model, formatEmbedding(r.Embedding))
	}

	query := fmt.Sprintf(`
		INSERT INTO embeddings (text, text_hash, model, embedding)
		VALUES %s
		ON CONFLICT (model, text_hash) DO NOTHING`,
		strings.Join(valueStrings, ","))
	return query, valueArgs
}

// FindSimilar finds records similar to the given embedding by cosine similarity
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = &SearchOptions{Limit: 5}
	}
	if options.Limit <= 0 {
		options.Limit = 5
	}

	query, args := buildSearch(embedding, options)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []*SimilarityResult
	for rows.Next() {
		var result SimilarityResult
		var record Record
		var embeddingStr string

		if err := rows.Scan(
			&record.ID,
			&record.Text,
			&record.TextHash,
			&record.Model,
			&embeddingStr,
			&record.CreatedAt,
			&result.Similarity,
			&result.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan similarity result: %w", err)
		}

		record.Embedding, err = parseEmbedding(embeddingStr)
		if err != nil {
			return nil, err
		}
		result.Record = &record
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
		zap.Float32("min_similarity", options.MinSimilarity))

	return results, nil
}

func buildSearch(embedding []float32, options *SearchOptions) (string, []interface{}) {
	whereClause := "WHERE (1 - (embedding <=> $1)) >= $2"
	args := []interface{}{formatEmbedding(embedding), options.MinSimilarity}
	argIndex := 3

	if options.Model != "" {
		whereClause += fmt.Sprintf(" AND model = $%d", argIndex)
		args = append(args, options.Model)
		argIndex++
	}

	query := fmt.Sprintf(`
		SELECT
			id, text, text_hash, model, embedding::text, created_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM embeddings
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, whereClause, argIndex)

	return query, append(args, options.Limit)
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.SelectContext(ctx, &stats.Models,
		"SELECT model, COUNT(*) AS count FROM embeddings GROUP BY model ORDER BY model"); err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}
	for _, m := range stats.Models {
		stats.TotalVectors += m.Count
	}

	if err := s.db.GetContext(ctx, &stats.TableSize,
		"SELECT pg_size_pretty(pg_total_relation_size('embeddings'))"); err != nil {
		s.logger.Warn("Failed to get table size", zap.Error(err))
	}
	if err := s.db.GetContext(ctx, &stats.IndexReady,
		"SELECT EXISTS(SELECT 1 FROM pg_indexes WHERE indexname = $1)", indexName); err != nil {
		s.logger.Warn("Failed to check index", zap.Error(err))
	}

	return stats, nil
}

// CreateIndex creates the vector similarity index once enough rows exist.
// It reports whether the index was created.
func (s *Store) CreateIndex(ctx context.Context) (bool, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM embeddings"); err != nil {
		return false, fmt.Errorf("failed to count vectors: %w", err)
	}

	if count < indexThreshold {
		s.logger.Info("Skipping index creation, not enough vectors", zap.Int64("count", count))
		return false, nil
	}

	s.logger.Info("Creating vector similarity index...", zap.Int64("vector_count", count))

	query := fmt.Sprintf(`
		CREATE INDEX CONCURRENTLY IF NOT EXISTS %s
		ON embeddings USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`, indexName, ivfLists(count))

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return false, fmt.Errorf("failed to create vector index: %w", err)
	}

	s.logger.Info("Vector similarity index created successfully")
	return true, nil
}

// ivfLists follows the pgvector guidance of rows/1000 lists, at least 100.
func ivfLists(rows int64) int64 {
	if lists := rows / 1000; lists > 100 {
		return lists
	}
	return 100
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// TextHash returns the hex sha256 of text used for de-duplication.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// formatEmbedding converts float32 slice to PostgreSQL vector format
func formatEmbedding(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}

	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseEmbedding converts PostgreSQL vector format back to float32 slice
func parseEmbedding(embeddingStr string) ([]float32, error) {
	embeddingStr = strings.Trim(strings.TrimSpace(embeddingStr), "[]")
	if embeddingStr == "" {
		return []float32{}, nil
	}

	parts := strings.Split(embeddingStr, ",")
	embedding := make([]float32, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedding value: %w", err)
		}
		embedding[i] = float32(val)
	}
	return embedding, nil
}

// maskDatabaseURL masks sensitive information in database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
