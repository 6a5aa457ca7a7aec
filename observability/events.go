package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	frames     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking push subscription traffic.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settletrack",
				Subsystem: "events",
				Name:      "frames_total",
				Help:      "Push frames received segmented by event type and handling result.",
			}, []string{"event", "result"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settletrack",
				Subsystem: "events",
				Name:      "reconnects_total",
				Help:      "Push subscription reconnect attempts segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(eventRegistry.frames, eventRegistry.reconnects)
	})
	return eventRegistry
}

// RecordFrame increments the frame counter. Result is one of "applied",
// "ignored" or "malformed".
func (m *eventMetrics) RecordFrame(event, result string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(event))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.frames.WithLabelValues(normalized, labelOr(result, "unspecified")).Inc()
}

// RecordReconnect increments the reconnect counter for kind.
func (m *eventMetrics) RecordReconnect(kind string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(labelOr(kind, "unknown")).Inc()
}
