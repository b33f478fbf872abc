package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics interface {
	ObserveCacheLookup(tier, result string)
	ObserveUpstreamCall(op, outcome string, duration time.Duration)
	ObserveRetry(op string)
	ObserveWarmupItem(outcome string)
	SetInFlight(n int)
}

// PrometheusMetrics keeps its own registry so several instances can coexist
// in one process (tests, mostly).
type PrometheusMetrics struct {
	registry        *prometheus.Registry
	cacheLookups    *prometheus.CounterVec
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	warmupItems     *prometheus.CounterVec
	inFlight        prometheus.Gauge
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream content API calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Upstream content API call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried upstream attempts by operation.",
		}, []string{"op"}),
		warmupItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warmup_items_total",
			Help:      "Warm-up items by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttle_in_flight",
			Help:      "Upstream calls currently admitted by the throttle.",
		}),
	}

	m.registry.MustRegister(
		m.cacheLookups,
		m.upstreamCalls,
		m.upstreamLatency,
		m.retries,
		m.warmupItems,
		m.inFlight,
		collectors.NewGoCollector(),
	)

	return m
}

func (m *PrometheusMetrics) ObserveCacheLookup(tier, result string) {
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *PrometheusMetrics) ObserveUpstreamCall(op, outcome string, duration time.Duration) {
	m.upstreamCalls.WithLabelValues(op, outcome).Inc()
	m.upstreamLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) ObserveWarmupItem(outcome string) {
	m.warmupItems.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveCacheLookup(string, string) {}
func (Nop) ObserveUpstreamCall(string, string, time.Duration) {}
func (Nop) ObserveRetry(string) {}
func (Nop) ObserveWarmupItem(string) {}
func (Nop) SetInFlight(int) {}
