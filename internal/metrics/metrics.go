// Package metrics holds the gateway's Prometheus collectors. Every collector lives on its own
// registry so tests can build independent instances.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Refresh results recorded by ObserveRefresh.
const (
	RefreshOK        = "ok"
	RefreshRejected  = "rejected"
	RefreshProtocol  = "protocol_error"
	RefreshPersist   = "persist_failed"
	RefreshTransport = "transport_error"
)

// Metrics is the set of collectors exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	proxyRequests  *prometheus.CounterVec
	proxyDuration  *prometheus.HistogramVec
	tokenRefreshes *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheDropped   *prometheus.CounterVec
	refreshTasks   prometheus.Gauge
	sessionEvents  *prometheus.CounterVec
}

// New registers all collectors, plus Go runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied upstream requests by method and relayed status.",
		}, []string{"method", "status"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_upstream_duration_seconds",
			Help:      "Upstream round-trip time for proxied requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh exchanges by result.",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Entry cache lookups by cache and result (hit, miss).",
		}, []string{"cache", "result"}),
		cacheDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lock_timeouts_total",
			Help:      "Cache operations abandoned because the lock was not acquired in time.",
		}, []string{"cache", "op"}),
		refreshTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_tasks_active",
			Help:      "Background refresh tasks currently running.",
		}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.proxyRequests,
		m.proxyDuration,
		m.tokenRefreshes,
		m.cacheLookups,
		m.cacheDropped,
		m.refreshTasks,
		m.sessionEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveProxy records one proxied request. A nil receiver is a no-op, as are all methods below.
func (m *Metrics) ObserveProxy(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.proxyDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveRefresh records the outcome of one refresh exchange.
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveCacheLookup records a hit or miss on the named cache.
func (m *Metrics) ObserveCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// CacheContention returns a callback for cache.Options.OnContention bound to the named cache.
func (m *Metrics) CacheContention(cache string) func(op string) {
	if m == nil {
		return nil
	}
	return func(op string) { m.cacheDropped.WithLabelValues(cache, op).Inc() }
}

// RefreshTaskStarted and RefreshTaskStopped track the active task gauge.
func (m *Metrics) RefreshTaskStarted() {
	if m == nil {
		return
	}
	m.refreshTasks.Inc()
}

func (m *Metrics) RefreshTaskStopped() {
	if m == nil {
		return
	}
	m.refreshTasks.Dec()
}

// ObserveSessionEvent counts a lifecycle event.
func (m *Metrics) ObserveSessionEvent(eventType string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(eventType).Inc()
}
