// Package metrics holds the Prometheus collectors for the price pipeline.
// All recorder methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricefeed"

type Metrics struct {
	Registry *prometheus.Registry

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	Aggregations     *prometheus.CounterVec
	DroppedQuotes    *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	SyncCycles       *prometheus.CounterVec
	SyncAttempts     prometheus.Counter
}

// New builds the collectors and registers them on a private registry
// together with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Upstream provider calls by outcome",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Upstream provider call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		Aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "runs_total",
			Help:      "Aggregator invocations by outcome",
		}, []string{"outcome"}),
		DroppedQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "dropped_quotes_total",
			Help:      "Quotes dropped during normalization",
		}, []string{"reason"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "publish_failures_total",
			Help:      "Failed broadcast publishes",
		}, []string{"channel"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Synchronizer fetch cycles by outcome",
		}, []string{"outcome"}),
		SyncAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Synchronizer fetch attempts including retries",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProviderRequests,
		m.ProviderLatency,
		m.Aggregations,
		m.DroppedQuotes,
		m.PublishFailures,
		m.HTTPRequests,
		m.HTTPDuration,
		m.SyncCycles,
		m.SyncAttempts,
	)
	return m
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveProvider(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ObserveAggregation(outcome string) {
	if m == nil {
		return
	}
	m.Aggregations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedQuotes.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObservePublishFailure(channel string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveHTTP(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveSyncCycle(outcome string) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSyncAttempt() {
	if m == nil {
		return
	}
	m.SyncAttempts.Inc()
}
