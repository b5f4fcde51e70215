package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Upstream call metrics (indexd, download service, swagger source)
	UpstreamRequestTotal    *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec

	// Signed URL enrichment failures, absorbed before reaching the caller
	EnrichmentFailureTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dos_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dos_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		UpstreamRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dos_upstream_requests_total",
			Help: "Total number of calls made to upstream services",
		}, []string{"upstream", "operation", "status"}),

		UpstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dos_upstream_request_duration_seconds",
			Help:    "Upstream call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"upstream", "operation"}),

		EnrichmentFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dos_enrichment_failures_total",
			Help: "Signed URL lookups that failed and were omitted from the response",
		}, []string{"reason"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// ObserveHTTP records a completed inbound request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveUpstream records a completed upstream call. status is the HTTP status
// text of the upstream response, or "error" when no response was received.
func (m *Metrics) ObserveUpstream(upstream, operation, status string, d time.Duration) {
	m.UpstreamRequestTotal.WithLabelValues(upstream, operation, status).Inc()
	m.UpstreamRequestDuration.WithLabelValues(upstream, operation).Observe(d.Seconds())
}

// EnrichmentFailed counts a signed URL lookup that was dropped.
func (m *Metrics) EnrichmentFailed(reason string) {
	m.EnrichmentFailureTotal.WithLabelValues(reason).Inc()
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.UpstreamRequestTotal)
	registerOrGet(m.UpstreamRequestDuration)
	registerOrGet(m.EnrichmentFailureTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
