// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "board_preview"

// Metrics groups every collector on a private registry. A nil *Metrics is a
// valid no-op recorder so packages can be used without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	resolveOutcomes  *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	cacheEntries     *prometheus.GaugeVec
	proxiedBytes     prometheus.Counter
	rateLimited      prometheus.Counter
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		resolveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_outcomes_total",
			Help:      "Link preview resolutions by outcome.",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Outbound fetch latency by component.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"component"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held per cache.",
		}, []string{"cache"}),
		proxiedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_proxy_bytes_total",
			Help:      "Image bytes served by the proxy before encoding.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.resolveOutcomes,
		m.upstreamDuration,
		m.cacheLookups,
		m.cacheEntries,
		m.proxiedBytes,
		m.rateLimited,
	)
	return m
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.resolveOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveUpstream(component string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(component).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) SetCacheEntries(cache string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(cache).Set(float64(n))
}

func (m *Metrics) AddProxiedBytes(n int) {
	if m == nil {
		return
	}
	m.proxiedBytes.Add(float64(n))
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
