package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the records service
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitRejected *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheErrors *prometheus.CounterVec

	// Store metrics
	StoreErrors *prometheus.CounterVec

	// Security metrics
	ValidationRejected *prometheus.CounterVec

	// Live update metrics
	WebSocketConnections prometheus.Gauge
	RunEventsConsumed    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates a new Metrics instance registered on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kz_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		RateLimitRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_rate_limit_rejected_total",
				Help: "Requests rejected by a rate limit boundary",
			},
			[]string{"boundary"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_cache_hits_total",
				Help: "Cache lookups served from a fresh entry",
			},
			[]string{"class"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_cache_misses_total",
				Help: "Cache lookups that had to compute",
			},
			[]string{"class"},
		),
		CacheErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_cache_errors_total",
				Help: "Cache store failures",
			},
			[]string{"class", "op"},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_store_errors_total",
				Help: "Record store query failures",
			},
			[]string{"query"},
		),
		ValidationRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_validation_rejected_total",
				Help: "Map identifiers rejected by validation",
			},
			[]string{"reason"},
		),
		WebSocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kz_websocket_connections",
				Help: "Open websocket connections",
			},
		),
		RunEventsConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kz_run_events_total",
				Help: "Run events consumed from Kafka",
			},
			[]string{"result"},
		),
		gatherer: gatherer,
	}
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CacheHit implements cache.Observer
func (m *Metrics) CacheHit(class string) {
	m.CacheHits.WithLabelValues(class).Inc()
}

// CacheMiss implements cache.Observer
func (m *Metrics) CacheMiss(class string) {
	m.CacheMisses.WithLabelValues(class).Inc()
}

// CacheError implements cache.Observer
func (m *Metrics) CacheError(class, op string) {
	m.CacheErrors.WithLabelValues(class, op).Inc()
}

// RateLimited counts a rejection at a rate limit boundary
func (m *Metrics) RateLimited(boundary string) {
	m.RateLimitRejected.WithLabelValues(boundary).Inc()
}

// ValidationFailed counts a rejected map identifier by rule
func (m *Metrics) ValidationFailed(reason string) {
	m.ValidationRejected.WithLabelValues(reason).Inc()
}

// StoreError counts a failed record store query
func (m *Metrics) StoreError(query string) {
	m.StoreErrors.WithLabelValues(query).Inc()
}

// RunEvent counts a consumed run event by outcome
func (m *Metrics) RunEvent(result string) {
	m.RunEventsConsumed.WithLabelValues(result).Inc()
}

// ObserveRequest records one API request
func (m *Metrics) ObserveRequest(endpoint string, status int, seconds float64) {
	m.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(seconds)
}
