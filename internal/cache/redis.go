package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/embeddings"
)

// EmbeddingCache stores embedding vectors in Redis keyed by model and text hash.
type EmbeddingCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   int64
	misses int64
}

// NewEmbeddingCache connects to Redis and verifies the connection.
func NewEmbeddingCache(config *Config, logger *zap.Logger) (*EmbeddingCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse Redis URL: %w", embeddings.ErrCacheError, err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}

	cache := &EmbeddingCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.Ping(ctx); err != nil {
		cache.client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %w", embeddings.ErrCacheError, err)
	}

	logger.Info("Embedding cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// Ping tests the Redis connection
func (c *EmbeddingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetMany fetches cached vectors with a single MGET. Misses and corrupt
// entries come back as nil.
func (c *EmbeddingCache) GetMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = generateKey(c.config.KeyPrefix, model, text)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lookup failed: %w", embeddings.ErrCacheError, err)
	}

	var hits int64
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decodeVector(s)
		if err != nil {
			c.logger.Warn("Dropping corrupt cache entry", zap.String("key", keys[i]), zap.Error(err))
			c.client.Del(ctx, keys[i])
			continue
		}
		out[i] = vec
		hits++
	}
	atomic.AddInt64(&c.hits, hits)
	atomic.AddInt64(&c.misses, int64(len(texts))-hits)

	c.logger.Debug("Cache lookup",
		zap.Int("keys", len(keys)),
		zap.Int64("hits", hits))

	return out, nil
}

// SetMany stores vectors using a Redis pipeline with the configured TTL.
func (c *EmbeddingCache) SetMany(ctx context.Context, model string, texts []string, vectors [][]float32) error {
	if len(texts) != len(vectors) {
		return fmt.Errorf("%w: %d texts but %d vectors", embeddings.ErrCacheError, len(texts), len(vectors))
	}
	if len(texts) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for i, text := range texts {
		data, err := encodeVector(vectors[i])
		if err != nil {
			c.logger.Error("Failed to marshal vector for caching", zap.Error(err))
			continue
		}
		pipe.Set(ctx, generateKey(c.config.KeyPrefix, model, text), data, c.config.DefaultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: batch write failed: %w", embeddings.ErrCacheError, err)
	}

	c.logger.Debug("Batch cache operation completed", zap.Int("cached_vectors", len(texts)))
	return nil
}

// GetStats returns cache performance statistics
func (c *EmbeddingCache) GetStats(ctx context.Context) (*CacheStats, error) {
	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get Redis info: %w", embeddings.ErrCacheError, err)
	}

	stats := &CacheStats{
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
		MemoryUsage: parseUsedMemory(info),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats, nil
}

// Clear removes all cached vectors under the key prefix and returns how many were deleted
func (c *EmbeddingCache) Clear(ctx context.Context) (int, error) {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("%w: failed to scan cache keys: %w", embeddings.ErrCacheError, err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return i, fmt.Errorf("%w: failed to delete cache keys: %w", embeddings.ErrCacheError, err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Close closes the Redis connection
func (c *EmbeddingCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// generateKey builds {prefix}:{model}:{first 16 hex chars of sha256(text)}.
func generateKey(prefix, model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:%s:%s", prefix, model, hex.EncodeToString(sum[:])[:16])
}

func encodeVector(v []float32) ([]byte, error) {
	return json.Marshal(v)
}

func decodeVector(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	return v, nil
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
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
