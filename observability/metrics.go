package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// SettlementMetrics wraps collectors tracking ledger submission and reconciliation health.
type SettlementMetrics struct {
	submissions    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	confirmLatency *prometheus.HistogramVec
	reconRuns      *prometheus.CounterVec
	reconDuration  prometheus.Histogram
	inFlight       *prometheus.GaugeVec
	recurringRuns  *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
}

// Settlement exposes the metrics registry for settlementd.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "settlement",
				Name:      "submissions_total",
				Help:      "Ledger submissions segmented by source type and outcome.",
			}, []string{"source_type", "outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "settlement",
				Name:      "transitions_total",
				Help:      "Tracked transaction status transitions segmented by target status.",
			}, []string{"source_type", "status"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fundledger",
				Subsystem: "settlement",
				Name:      "confirmation_latency_seconds",
				Help:      "Time from recording an attempt to observing a terminal ledger status.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 900, 3600},
			}, []string{"source_type", "status"}),
			reconRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation passes segmented by result.",
			}, []string{"result"}),
			reconDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "fundledger",
				Subsystem: "recon",
				Name:      "run_duration_seconds",
				Help:      "Wall time spent in a reconciliation pass.",
				Buckets:   prometheus.DefBuckets,
			}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fundledger",
				Subsystem: "recon",
				Name:      "in_flight",
				Help:      "Non-terminal tracked transactions observed by the last pass.",
			}, []string{"status"}),
			recurringRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "recurring",
				Name:      "subscriptions_processed_total",
				Help:      "Recurring subscriptions processed segmented by outcome.",
			}, []string{"outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Integrity anomalies raised by the tracker and reconciler.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			settlementRegistry.submissions,
			settlementRegistry.transitions,
			settlementRegistry.confirmLatency,
			settlementRegistry.reconRuns,
			settlementRegistry.reconDuration,
			settlementRegistry.inFlight,
			settlementRegistry.recurringRuns,
			settlementRegistry.anomalies,
		)
	})
	return settlementRegistry
}

// RecordSubmission counts a submission attempt outcome.
func (m *SettlementMetrics) RecordSubmission(sourceType, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(sourceType), label(outcome)).Inc()
}

// RecordTransition counts a status change and, for terminal states, the time since creation.
func (m *SettlementMetrics) RecordTransition(sourceType, status string, sinceCreated time.Duration, terminal bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(sourceType), label(status)).Inc()
	if terminal && sinceCreated > 0 {
		m.confirmLatency.WithLabelValues(label(sourceType), label(status)).Observe(sinceCreated.Seconds())
	}
}

// ObserveRecon records the result and duration of a reconciliation pass.
func (m *SettlementMetrics) ObserveRecon(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconRuns.WithLabelValues(result).Inc()
	m.reconDuration.Observe(d.Seconds())
}

// SetInFlight publishes the number of rows still awaiting resolution.
func (m *SettlementMetrics) SetInFlight(status string, count int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(label(status)).Set(float64(count))
}

// RecordRecurring counts a processed subscription.
func (m *SettlementMetrics) RecordRecurring(outcome string) {
	if m == nil {
		return
	}
	m.recurringRuns.WithLabelValues(label(outcome)).Inc()
}

// RecordAnomaly counts an integrity anomaly.
func (m *SettlementMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(label(kind)).Inc()
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised API request metrics.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundledger",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests segmented by route pattern and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fundledger",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records a completed API request.
func (m *httpMetrics) Observe(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(label(route), statusLabel(status)).Inc()
	m.latency.WithLabelValues(label(route)).Observe(d.Seconds())
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
