package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/cache"
	"github.com/raaihank/embedkit/internal/config"
	"github.com/raaihank/embedkit/internal/embeddings"
	"github.com/raaihank/embedkit/internal/logger"
	"github.com/raaihank/embedkit/internal/metrics"
)

const testVocab = "[PAD]\n[UNK]\n[CLS]\n[SEP]\nhello\nworld\nfoo\nbar\n"

// fakeBackend produces deterministic hidden states from token ids.
type fakeBackend struct {
	hidden int
	fail   bool
	delay  time.Duration
}

func (b *fakeBackend) Forward(ctx context.Context, batch *embeddings.TokenizedBatch) (*embeddings.HiddenStates, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.fail {
		return nil, errors.New("device lost")
	}
	data := make([]float32, batch.BatchSize*batch.SeqLen*b.hidden)
	for i, id := range batch.InputIDs {
		for d := 0; d < b.hidden; d++ {
			data[i*b.hidden+d] = float32(math.Sin(float64(id+1) * float64(d+1)))
		}
	}
	return &embeddings.HiddenStates{Data: data, BatchSize: batch.BatchSize, SeqLen: batch.SeqLen, Hidden: b.hidden}, nil
}

func (b *fakeBackend) HiddenSize() int { return b.hidden }
func (b *fakeBackend) IsReady() bool   { return true }
func (b *fakeBackend) Close() error    { return nil }

type fakeCacheStats struct {
	stats *cache.CacheStats
	err   error
}

func (f *fakeCacheStats) GetStats(ctx context.Context) (*cache.CacheStats, error) {
	return f.stats, f.err
}

type fixture struct {
	cfg     *config.Config
	backend *fakeBackend
	noModel bool
}

func newTestConfig() *config.Config {
	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false
	cfg.Metrics.EnableDefaultCollectors = false
	return cfg
}

func newTestServer(t *testing.T, f fixture) (*Server, *metrics.Metrics) {
	t.Helper()
	if f.cfg == nil {
		f.cfg = newTestConfig()
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "json", Output: io.Discard})
	require.NoError(t, err)

	var handle *embeddings.Handle
	if !f.noModel {
		tok, err := embeddings.NewWordPieceTokenizer(strings.NewReader(testVocab), true)
		require.NoError(t, err)
		backend := f.backend
		if backend == nil {
			backend = &fakeBackend{hidden: 4}
		}
		handle = &embeddings.Handle{Tokenizer: tok, Model: backend, Device: "cpu", ModelName: "test-model"}
	}

	m := metrics.NewMetrics(f.cfg.Metrics)
	svc := embeddings.NewService(f.cfg.Model, handle, zap.NewNop(), embeddings.WithMetrics(m))
	return New(f.cfg, log, svc, m), m
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/embeddings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEmbeddingsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, fixture{})

	rec := postJSON(t, srv.Handler(), `{"input": ["hello world", "foo", ""]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var resp embeddings.EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 4, resp.Dimension)
	require.Len(t, resp.Embeddings, 3)
	for _, v := range resp.Embeddings {
		require.Len(t, v, 4)
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
	}

	t.Run("batch size does not change results", func(t *testing.T) {
		one := postJSON(t, srv.Handler(), `{"input": ["hello world", "foo", ""], "batch_size": 1}`)
		require.Equal(t, http.StatusOK, one.Code)
		var got embeddings.EmbeddingResponse
		require.NoError(t, json.Unmarshal(one.Body.Bytes(), &got))
		for i := range resp.Embeddings {
			assert.InDeltaSlice(t, resp.Embeddings[i], got.Embeddings[i], 1e-5)
		}
	})

	t.Run("request id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/embeddings", strings.NewReader(`{"input":["hello"]}`))
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestEmbeddingsErrors(t *testing.T) {
	tests := []struct {
		name   string
		f      fixture
		body   string
		status int
		errMsg string
	}{
		{name: "malformed json", body: `{"input": [`, status: http.StatusBadRequest, errMsg: "malformed JSON"},
		{name: "missing input", body: `{}`, status: http.StatusBadRequest, errMsg: "input must be an array"},
		{name: "input not an array", body: `{"input": "hello"}`, status: http.StatusBadRequest, errMsg: "malformed JSON"},
		{name: "empty input", body: `{"input": []}`, status: http.StatusBadRequest, errMsg: "input cannot be empty"},
		{name: "zero batch size", body: `{"input": ["a"], "batch_size": 0}`, status: http.StatusBadRequest, errMsg: "batch_size"},
		{name: "negative batch size", body: `{"input": ["a"], "batch_size": -3}`, status: http.StatusBadRequest, errMsg: "batch_size"},
		{name: "model not loaded", f: fixture{noModel: true}, body: `{"input": ["a"]}`, status: http.StatusServiceUnavailable, errMsg: "not initialized"},
		{name: "model not loaded wins over empty input", f: fixture{noModel: true}, body: `{"input": []}`, status: http.StatusServiceUnavailable},
		{name: "inference failure", f: fixture{backend: &fakeBackend{hidden: 4, fail: true}}, body: `{"input": ["a"]}`, status: http.StatusInternalServerError, errMsg: "device lost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.f)
			rec := postJSON(t, srv.Handler(), tt.body)
			require.Equal(t, tt.status, rec.Code)

			body := decodeBody(t, rec)
			assert.Contains(t, body, "embeddings")
			assert.Nil(t, body["embeddings"])
			if tt.errMsg != "" {
				assert.Contains(t, body["error"], tt.errMsg)
			}
		})
	}
}

func TestEmbeddingsTimeout(t *testing.T) {
	cfg := newTestConfig()
	cfg.Model.ModelTimeout = 20 * time.Millisecond
	srv, _ := newTestServer(t, fixture{cfg: cfg, backend: &fakeBackend{hidden: 4, delay: time.Second}})

	rec := postJSON(t, srv.Handler(), `{"input": ["slow"]}`)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	body := decodeBody(t, rec)
	assert.Nil(t, body["embeddings"])
	assert.Contains(t, body["error"], "operation timed out")
}

func TestBodyTooLarge(t *testing.T) {
	cfg := newTestConfig()
	cfg.Server.MaxBodyBytes = 32
	srv, _ := newTestServer(t, fixture{cfg: cfg})

	rec := postJSON(t, srv.Handler(), `{"input": ["`+strings.Repeat("hello ", 50)+`"]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Nil(t, decodeBody(t, rec)["embeddings"])
}

func TestHealthAndInfo(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv, _ := newTestServer(t, fixture{})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "test-model", body["model"])
		assert.Equal(t, "cpu", body["device"])
	})

	t.Run("unhealthy without model", func(t *testing.T) {
		srv, _ := newTestServer(t, fixture{noModel: true})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "unhealthy", decodeBody(t, rec)["status"])
	})

	t.Run("info", func(t *testing.T) {
		srv, _ := newTestServer(t, fixture{})
		postJSON(t, srv.Handler(), `{"input": ["hello"]}`)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, Version, body["version"])
		model, ok := body["model"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, model["loaded"])
		assert.EqualValues(t, 4, model["dimension"])
		assert.Contains(t, body, "stats")
		assert.Contains(t, body, "websocket")
		assert.NotContains(t, body, "cache")
	})

	t.Run("info with cache stats", func(t *testing.T) {
		srv, _ := newTestServer(t, fixture{})
		srv.SetCacheStats(&fakeCacheStats{stats: &cache.CacheStats{Hits: 3, Misses: 1, HitRate: 75, TotalKeys: 4}})

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		stats, ok := decodeBody(t, rec)["cache"].(map[string]interface{})
		require.True(t, ok)
		assert.EqualValues(t, 3, stats["hits"])
		assert.EqualValues(t, 75, stats["hit_rate"])
		assert.EqualValues(t, 4, stats["total_keys"])
	})

	t.Run("info with unreachable cache", func(t *testing.T) {
		srv, _ := newTestServer(t, fixture{})
		srv.SetCacheStats(&fakeCacheStats{err: fmt.Errorf("%w: connection refused", embeddings.ErrCacheError)})

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		stats, ok := decodeBody(t, rec)["cache"].(map[string]interface{})
		require.True(t, ok)
		assert.Contains(t, stats["error"], "cache operation failed")
	})

	t.Run("unknown route", func(t *testing.T) {
		srv, _ := newTestServer(t, fixture{})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/embeddings", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, fixture{})
	postJSON(t, srv.Handler(), `{"input": ["hello", "world"]}`)
	postJSON(t, srv.Handler(), `{"input": []}`)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `http_requests_total{route="/embeddings",service="embedkit",status="200"} 1`)
	assert.Contains(t, body, `http_requests_total{route="/embeddings",service="embedkit",status="400"} 1`)
	assert.Contains(t, body, `embeddings_generated_total{service="embedkit"} 2`)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.Burst = 1
	srv, _ := newTestServer(t, fixture{cfg: cfg})

	first := postJSON(t, srv.Handler(), `{"input": ["hello"]}`)
	assert.Equal(t, http.StatusOK, first.Code)

	second := postJSON(t, srv.Handler(), `{"input": ["hello"]}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Nil(t, decodeBody(t, second)["embeddings"])

	// Health is not rate limited.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, time.Minute)
	now := time.Now()

	assert.True(t, rl.allowAt("a", now))
	assert.True(t, rl.allowAt("a", now))
	assert.False(t, rl.allowAt("a", now))
	assert.True(t, rl.allowAt("b", now), "buckets are per client")
	assert.True(t, rl.allowAt("a", now.Add(time.Second)), "tokens refill")

	assert.Equal(t, 2, rl.Len())
	assert.Equal(t, 0, rl.Cleanup(now.Add(30*time.Second)))
	assert.Equal(t, 1, rl.Cleanup(now.Add(61*time.Second)))
	assert.Equal(t, 1, rl.Cleanup(now.Add(2*time.Minute)))
	assert.Equal(t, 0, rl.Len())
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", getClientIP(req))

	req.Header.Set("X-Real-IP", "192.168.1.2")
	assert.Equal(t, "192.168.1.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("%w: bad", embeddings.ErrInvalidInput)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("%w: none", embeddings.ErrModelNotLoaded)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("%w: boom", embeddings.ErrInferenceFailed)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("unknown")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(&http.MaxBytesError{Limit: 1}))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(fmt.Errorf("%w: %w", embeddings.ErrTimeoutError, context.DeadlineExceeded)))
}

func dialWS(t *testing.T, ts *httptest.Server) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestWebSocket(t *testing.T) {
	srv, _ := newTestServer(t, fixture{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := dialWS(t, ts)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(msg string) socketResponse {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		var resp socketResponse
		require.NoError(t, conn.ReadJSON(&resp))
		return resp
	}

	resp := roundTrip(`{"id": "1", "input": ["hello", "world"]}`)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, "embeddings", resp.Type)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 4, resp.Dimension)
	assert.Len(t, resp.Embeddings, 2)

	resp = roundTrip(`{"id": "2", "type": "ping"}`)
	assert.Equal(t, "pong", resp.Type)
	assert.Equal(t, "2", resp.ID)

	resp = roundTrip(`not json`)
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Nil(t, resp.Embeddings)

	resp = roundTrip(`{"id": "3", "input": [], "batch_size": 4}`)
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "3", resp.ID)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	// The connection survives errors.
	resp = roundTrip(`{"id": "4", "input": ["foo"], "batch_size": 1}`)
	assert.Equal(t, "embeddings", resp.Type)

	stats := srv.GetWebSocketHub().GetStats()
	assert.EqualValues(t, 1, stats.ActiveConnections)
	assert.EqualValues(t, 5, stats.TotalMessages)
}

func TestWebSocketConnectionLimit(t *testing.T) {
	cfg := newTestConfig()
	cfg.WebSocket.MaxConnections = 1
	srv, _ := newTestServer(t, fixture{cfg: cfg})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	first, _, err := dialWS(t, ts)
	require.NoError(t, err)

	hub := srv.GetWebSocketHub()
	require.Eventually(t, func() bool { return hub.GetStats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := dialWS(t, ts)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.EqualValues(t, 1, hub.GetStats().RejectedConnections)

	require.NoError(t, first.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	first.Close()
	require.Eventually(t, func() bool { return hub.GetStats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubReserve(t *testing.T) {
	hub := NewHub(&config.WebSocketConfig{MaxConnections: 3}, zap.NewNop())

	var wg sync.WaitGroup
	var granted int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if hub.reserve() {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, granted)
	assert.EqualValues(t, 47, hub.GetStats().RejectedConnections)

	hub.release()
	require.True(t, hub.reserve())
	assert.False(t, hub.reserve())

	client := &Client{ID: "c1", ConnectedAt: time.Now(), send: make(chan socketResponse, 1)}
	hub.registerClient(client)
	assert.EqualValues(t, 1, hub.GetStats().ActiveConnections)
	assert.False(t, hub.reserve(), "a registered client keeps its slot")

	hub.unregisterClient(client)
	assert.True(t, hub.reserve())
}

func TestWebSocketSlowRequest(t *testing.T) {
	cfg := newTestConfig()
	cfg.WebSocket.PongTimeout = 200 * time.Millisecond
	srv, _ := newTestServer(t, fixture{cfg: cfg, backend: &fakeBackend{hidden: 4, delay: 400 * time.Millisecond}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := dialWS(t, ts)
	require.NoError(t, err)
	defer conn.Close()

	for i, text := range []string{"first", "second"} {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": text, "input": []string{text}}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var resp socketResponse
		require.NoError(t, conn.ReadJSON(&resp), "request %d", i)
		assert.Equal(t, text, resp.ID)
		assert.Equal(t, "embeddings", resp.Type)
		assert.Len(t, resp.Embeddings, 1)
	}
}

func TestHubClose(t *testing.T) {
	srv, _ := newTestServer(t, fixture{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := dialWS(t, ts)
	require.NoError(t, err)
	defer conn.Close()

	hub := srv.GetWebSocketHub()
	require.Eventually(t, func() bool { return hub.GetStats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return hub.GetStats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	cfg := &config.WebSocketConfig{AllowedOrigins: []string{"https://app.example.com", "localhost:3000"}}
	hub := NewHub(cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, hub.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, hub.checkOrigin(req))

	assert.Equal(t, (defaultPongWait*9)/10, hub.pingPeriod)
}
