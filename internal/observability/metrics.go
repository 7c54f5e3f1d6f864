package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the authorization engine.
type Metrics struct {
	registry      *prometheus.Registry
	handler       http.Handler
	checksTotal   *prometheus.CounterVec
	checkDuration prometheus.Histogram
	cacheTotal    *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	coalesced     prometheus.Counter
}

// NewMetrics initialises the registry and the engine's base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_authz_checks_total",
		Help: "Permission checks by result (allowed, denied, error).",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatehouse_authz_check_duration_seconds",
		Help:    "Latency of permission checks.",
		Buckets: prometheus.DefBuckets,
	})
	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_permcache_lookups_total",
		Help: "Permission cache lookups by outcome (hit, miss, unavailable).",
	}, []string{"outcome"})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_permcache_invalidations_total",
		Help: "Cache invalidations by scope (user, organization).",
	}, []string{"scope"})
	coalesced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_authz_recompute_coalesced_total",
		Help: "Cache-miss recomputations absorbed by an in-flight leader.",
	})
	registry.MustRegister(checks, duration, cache, invalidations, coalesced)
	return &Metrics{
		registry:      registry,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		checksTotal:   checks,
		checkDuration: duration,
		cacheTotal:    cache,
		invalidations: invalidations,
		coalesced:     coalesced,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveCheck records the outcome and latency of one permission check.
func (m *Metrics) ObserveCheck(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(result).Inc()
	m.checkDuration.Observe(elapsed.Seconds())
}

// ObserveCheckResult records a check outcome without timing, used for the
// per-pair results inside a batch.
func (m *Metrics) ObserveCheckResult(result string) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(result).Inc()
}

// ObserveCheckDuration records the latency of a batch check.
func (m *Metrics) ObserveCheckDuration(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a cache lookup outcome.
func (m *Metrics) ObserveCacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheTotal.WithLabelValues(outcome).Inc()
}

// ObserveInvalidation records an invalidation by scope.
func (m *Metrics) ObserveInvalidation(scope string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(scope).Inc()
}

// ObserveCoalesced records a recompute absorbed by singleflight.
func (m *Metrics) ObserveCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}
