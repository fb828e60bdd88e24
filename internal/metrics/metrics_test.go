package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics(Config{ServiceName: "embedkit-test"})

	m.ObserveHTTP("/embeddings", http.StatusOK, 20*time.Millisecond)
	m.ObserveHTTP("/embeddings", http.StatusOK, 30*time.Millisecond)
	m.ObserveHTTP("/embeddings", http.StatusBadRequest, time.Millisecond)
	m.ObserveInference(50*time.Millisecond, 7)
	m.ObserveCache(3, 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/embeddings", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/embeddings", "400")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.embeddingsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("miss")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `embeddings_generated_total{service="embedkit-test"} 7`)
	assert.Contains(t, string(body), "embedding_inference_duration_seconds_bucket")
}

func TestDefaultCollectors(t *testing.T) {
	m := NewMetrics(Config{ServiceName: "svc", EnableDefaultCollectors: true})

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}
