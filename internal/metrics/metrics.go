// Package metrics holds the Prometheus collectors for the service. Every
// method is safe on a nil *Metrics so components can run unobserved in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	supports         *prometheus.CounterVec
	planTransitions  *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	feedCache        *prometheus.CounterVec
	badgesAwarded    *prometheus.CounterVec
	outboxDispatched *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "townhall_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		supports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "townhall_supports_total",
			Help: "Support and unsupport calls by result.",
		}, []string{"result"}),
		planTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "townhall_plan_transitions_total",
			Help: "Applied plan stage transitions.",
		}, []string{"from", "to"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "townhall_sweep_duration_seconds",
			Help:    "Duration of due-transition sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		feedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "townhall_feed_cache_total",
			Help: "Feed cache lookups by result.",
		}, []string{"result"}),
		badgesAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "townhall_badges_awarded_total",
			Help: "Badges granted by kind.",
		}, []string{"kind"}),
		outboxDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "townhall_outbox_dispatched_total",
			Help: "Outbox messages handed to dispatchers by topic and result.",
		}, []string{"topic", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.supports,
		m.planTransitions,
		m.sweepDuration,
		m.feedCache,
		m.badgesAwarded,
		m.outboxDispatched,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// Support records a ledger call; result is "counted", "noop" or "error".
func (m *Metrics) Support(result string) {
	if m == nil {
		return
	}
	m.supports.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.planTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// FeedCache records a cache lookup; result is "hit", "miss" or "error".
func (m *Metrics) FeedCache(result string) {
	if m == nil {
		return
	}
	m.feedCache.WithLabelValues(result).Inc()
}

func (m *Metrics) BadgeAwarded(kind string) {
	if m == nil {
		return
	}
	m.badgesAwarded.WithLabelValues(kind).Inc()
}

func (m *Metrics) OutboxDispatched(topic string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.outboxDispatched.WithLabelValues(topic, result).Inc()
}
