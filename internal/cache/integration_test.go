package cache

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/embeddings"
)

// startRedis runs a throwaway Redis container and returns its URL.
func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp").WithStartupTimeout(30*time.Second),
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	}
	containerInstance, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := containerInstance.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := containerInstance.Host(ctx)
	require.NoError(t, err)
	port, err := containerInstance.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s/0", net.JoinHostPort(host, port.Port()))
}

// TestEmbeddingCacheRedis exercises the cache against a real Redis server.
func TestEmbeddingCacheRedis(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		RedisURL:   startRedis(ctx, t),
		DefaultTTL: time.Minute,
		KeyPrefix:  "test",
	}

	c, err := NewEmbeddingCache(cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	t.Run("empty cache misses", func(t *testing.T) {
		got, err := c.GetMany(ctx, "m1", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{nil, nil}, got)
	})

	t.Run("round trip keeps order", func(t *testing.T) {
		va := []float32{0.6, 0.8}
		vb := []float32{-0.28, 0.96}
		require.NoError(t, c.SetMany(ctx, "m1", []string{"a", "b"}, [][]float32{va, vb}))

		got, err := c.GetMany(ctx, "m1", []string{"a", "c", "b"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, va, got[0])
		assert.Nil(t, got[1])
		assert.Equal(t, vb, got[2])

		other, err := c.GetMany(ctx, "m2", []string{"a"})
		require.NoError(t, err)
		assert.Nil(t, other[0], "entries are scoped by model")
	})

	t.Run("entries expire", func(t *testing.T) {
		ttl, err := c.client.TTL(ctx, generateKey("test", "m1", "a")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("corrupt entries are evicted", func(t *testing.T) {
		key := generateKey("test", "m1", "d")
		require.NoError(t, c.client.Set(ctx, key, "not a vector", time.Minute).Err())

		got, err := c.GetMany(ctx, "m1", []string{"d"})
		require.NoError(t, err)
		assert.Nil(t, got[0])

		exists, err := c.client.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, exists)
	})

	t.Run("length mismatch", func(t *testing.T) {
		err := c.SetMany(ctx, "m1", []string{"x"}, nil)
		assert.ErrorIs(t, err, embeddings.ErrCacheError)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := c.GetStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.Hits)
		assert.EqualValues(t, 5, stats.Misses)
		assert.Positive(t, stats.TotalKeys)
		assert.Positive(t, stats.MemoryUsage)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, c.client.Set(ctx, "unrelated", "1", 0).Err())

		deleted, err := c.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		got, err := c.GetMany(ctx, "m1", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{nil, nil}, got)

		n, err := c.client.Exists(ctx, "unrelated").Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "keys outside the prefix survive")
	})

	t.Run("closed client", func(t *testing.T) {
		closed, err := NewEmbeddingCache(cfg, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, closed.Close())

		_, err = closed.GetMany(ctx, "m1", []string{"a"})
		assert.ErrorIs(t, err, embeddings.ErrCacheError)
	})
}
