package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SandboxMetrics struct {
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	throttles   *prometheus.CounterVec
	subscribers prometheus.Gauge
	published   *prometheus.CounterVec
}

var (
	sandboxOnce     sync.Once
	sandboxRegistry *SandboxMetrics
)

func Sandbox() *SandboxMetrics {
	sandboxOnce.Do(func() {
		sandboxRegistry = &SandboxMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sandboxd_transitions_total",
				Help: "Count of status transitions applied by kind and target status.",
			}, []string{"kind", "status"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sandboxd_requests_total",
				Help: "Count of HTTP requests by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "sandboxd_request_duration_seconds",
				Help:    "Latency distribution of HTTP requests by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sandboxd_throttles_total",
				Help: "Count of requests rejected by the action rate limiter.",
			}, []string{"route"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "sandboxd_push_subscribers",
				Help: "Current number of open push subscriptions.",
			}),
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sandboxd_push_published_total",
				Help: "Count of STATUS_UPDATE frames delivered by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			sandboxRegistry.transitions,
			sandboxRegistry.requests,
			sandboxRegistry.latency,
			sandboxRegistry.throttles,
			sandboxRegistry.subscribers,
			sandboxRegistry.published,
		)
	})
	return sandboxRegistry
}

func (m *SandboxMetrics) ObserveTransition(kind, status string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.transitions.WithLabelValues(kind, status).Inc()
}

func (m *SandboxMetrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *SandboxMetrics) IncThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

func (m *SandboxMetrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *SandboxMetrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *SandboxMetrics) IncPublished(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.published.WithLabelValues(kind).Inc()
}
