package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type trackingMetrics struct {
	applies     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	actions     *prometheus.CounterVec
	sessions    prometheus.Gauge
}

type clientMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	waits    prometheus.Histogram
}

var (
	trackingMetricsOnce sync.Once
	trackingRegistry    *trackingMetrics

	clientMetricsOnce sync.Once
	clientRegistry    *clientMetrics
)

// Tracking returns the lazily-initialised registry recording how updates flow
// into tracked views.
func Tracking() *trackingMetrics {
	trackingMetricsOnce.Do(func() {
		trackingRegistry = &trackingMetrics{
			applies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settletrack",
				Subsystem: "tracking",
				Name:      "applies_total",
				Help:      "Updates reconciled into a view segmented by kind, source and outcome.",
			}, []string{"kind", "source", "outcome"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settletrack",
				Subsystem: "tracking",
				Name:      "rejected_total",
				Help:      "Updates dropped because the view was already torn down.",
			}, []string{"kind", "source"}),
			fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settletrack",
				Subsystem: "tracking",
				Name:      "fetch_errors_total",
				Help:      "Failed poll fetches segmented by kind.",
			}, []string{"kind"}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settletrack",
				Subsystem: "tracking",
				Name:      "actions_total",
				Help:      "Actions issued against the settlement authority segmented by action and result.",
			}, []string{"action", "result"}),
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settletrack",
				Subsystem: "tracking",
				Name:      "open_sessions",
				Help:      "Number of tracked views currently open.",
			}),
		}
		prometheus.MustRegister(
			trackingRegistry.applies,
			trackingRegistry.rejected,
			trackingRegistry.fetchErrors,
			trackingRegistry.actions,
			trackingRegistry.sessions,
		)
	})
	return trackingRegistry
}

// ObserveApply records one store apply. Applies arriving after teardown are
// counted separately so late responses stay visible.
func (m *trackingMetrics) ObserveApply(kind, source, outcome string, closed bool) {
	if m == nil {
		return
	}
	kind = labelOr(kind, "unknown")
	source = labelOr(source, "unknown")
	if closed {
		m.rejected.WithLabelValues(kind, source).Inc()
		return
	}
	m.applies.WithLabelValues(kind, source, labelOr(outcome, "noop")).Inc()
}

// RecordFetchError increments the poll failure counter.
func (m *trackingMetrics) RecordFetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(labelOr(kind, "unknown")).Inc()
}

// RecordAction records the result of an action request. Result should be a
// stable string such as "ok", "rejected" or "failed".
func (m *trackingMetrics) RecordAction(action, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(labelOr(action, "unknown"), labelOr(result, "unspecified")).Inc()
}

// SessionOpened increments the open sessions gauge.
func (m *trackingMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed decrements the open sessions gauge.
func (m *trackingMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// Client returns the registry for outbound REST calls to the settlement
// authority.
func Client() *clientMetrics {
	clientMetricsOnce.Do(func() {
		clientRegistry = &clientMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settletrack",
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "REST requests segmented by endpoint and status code.",
			}, []string{"endpoint", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settletrack",
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for REST requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			waits: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "settletrack",
				Subsystem: "client",
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting on the local request limiter.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}),
		}
		prometheus.MustRegister(
			clientRegistry.requests,
			clientRegistry.latency,
			clientRegistry.waits,
		)
	})
	return clientRegistry
}

// Observe records a completed request. A zero status marks a transport
// failure.
func (m *clientMetrics) Observe(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	endpoint = labelOr(endpoint, "unknown")
	code := "transport_error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(endpoint, code).Inc()
	m.latency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveWait records time spent in the request limiter.
func (m *clientMetrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.waits.Observe(d.Seconds())
}

func labelOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
