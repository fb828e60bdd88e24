// Package metrics exposes Prometheus instrumentation for the embedding service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains metrics configuration
type Config struct {
	Enabled                 bool   `yaml:"enabled" mapstructure:"enabled"`
	Path                    string `yaml:"path" mapstructure:"path"`
	ServiceName             string `yaml:"service_name" mapstructure:"service_name"`
	EnableDefaultCollectors bool   `yaml:"enable_default_collectors" mapstructure:"enable_default_collectors"`
}

// Metrics owns an isolated registry. Every metric carries a constant
// service label.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	embeddingsTotal   prometheus.Counter
	inferenceDuration prometheus.Histogram
	cacheRequests     *prometheus.CounterVec
}

// NewMetrics creates and registers the service metrics.
func NewMetrics(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"service": cfg.ServiceName}, registry)

	m := &Metrics{
		Registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		embeddingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embeddings_generated_total",
			Help: "Total number of texts embedded by the model",
		}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedding_inference_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedding_cache_requests_total",
			Help: "Embedding cache lookups by result",
		}, []string{"result"}),
	}

	wrapped.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.embeddingsTotal,
		m.inferenceDuration,
		m.cacheRequests,
	)

	if cfg.EnableDefaultCollectors {
		wrapped.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveInference records a pipeline run over texts.
func (m *Metrics) ObserveInference(duration time.Duration, texts int) {
	m.embeddingsTotal.Add(float64(texts))
	m.inferenceDuration.Observe(duration.Seconds())
}

// ObserveCache records cache lookups.
func (m *Metrics) ObserveCache(hits, misses int) {
	m.cacheRequests.WithLabelValues("hit").Add(float64(hits))
	m.cacheRequests.WithLabelValues("miss").Add(float64(misses))
}
