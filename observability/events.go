package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	settled *prometheus.CounterVec
	volume  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking confirmed settlement effects.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "events",
				Name:      "settlements_total",
				Help:      "Count of applied settlement effects segmented by source type and asset.",
			}, []string{"source_type", "asset"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "events",
				Name:      "settled_amount_total",
				Help:      "Sum of settled amounts segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(eventRegistry.settled, eventRegistry.volume)
	})
	return eventRegistry
}

// RecordSettlement increments the settlement counters for an applied effect.
func (m *eventMetrics) RecordSettlement(sourceType, asset string, amount float64) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.settled.WithLabelValues(label(sourceType), normalized).Inc()
	if amount > 0 {
		m.volume.WithLabelValues(normalized).Add(amount)
	}
}
