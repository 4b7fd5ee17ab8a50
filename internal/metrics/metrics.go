package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution engine.
type Metrics struct {
	// Ingestion metrics
	EventsIngested   *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	CollectorLatency *prometheus.HistogramVec

	// Attribution metrics
	AttributionAttempts *prometheus.CounterVec
	AttributionMatches  *prometheus.CounterVec
	AttributionMisses   prometheus.Counter
	StrategyErrors      *prometheus.CounterVec
	ConversionValue     *prometheus.CounterVec

	// Aggregator metrics
	AggregatorRuns      *prometheus.CounterVec
	AggregatorShops     *prometheus.CounterVec
	AggregatorDuration  prometheus.Histogram

	// Store metrics
	StoreErrors *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Total behavioral events persisted by the collector",
			},
			[]string{"event_type", "click_linked"},
		),
		EventsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Total collector payloads rejected before persistence",
			},
			[]string{"reason"},
		),
		CollectorLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collector_latency_seconds",
				Help:      "Collector processing latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		AttributionAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_attempts_total",
				Help:      "Cascade strategy attempts",
			},
			[]string{"strategy"},
		),
		AttributionMatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_matches_total",
				Help:      "Orders attributed, labeled by winning match method",
			},
			[]string{"method"},
		),
		AttributionMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_misses_total",
				Help:      "Orders left unattributed after the full cascade",
			},
		),
		StrategyErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_strategy_errors_total",
				Help:      "Strategy lookup errors treated as cascade misses",
			},
			[]string{"strategy"},
		),
		ConversionValue: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_value_total",
				Help:      "Total attributed conversion value",
			},
			[]string{"method", "currency"},
		),
		AggregatorRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregator_runs_total",
				Help:      "Daily aggregator invocations",
			},
			[]string{"outcome"},
		),
		AggregatorShops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregator_shops_total",
				Help:      "Per-shop aggregation outcomes",
			},
			[]string{"outcome"},
		),
		AggregatorDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "aggregator_duration_seconds",
				Help:      "Wall-clock duration of one aggregator run",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		StoreErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Storage operation failures",
			},
			[]string{"store", "op"},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by rate limiting",
			},
			[]string{"path"},
		),
	}
}

// RecordIngest records one persisted event.
func (m *Metrics) RecordIngest(eventType string, clickLinked bool) {
	linked := "no"
	if clickLinked {
		linked = "yes"
	}
	m.EventsIngested.WithLabelValues(eventType, linked).Inc()
}

// RecordRejection records one rejected collector payload.
func (m *Metrics) RecordRejection(reason string) {
	m.EventsRejected.WithLabelValues(reason).Inc()
}

// RecordCollectorLatency records end-to-end collector processing time.
func (m *Metrics) RecordCollectorLatency(status string, d time.Duration) {
	m.CollectorLatency.WithLabelValues(status).Observe(d.Seconds())
}

// RecordMatch records a winning attribution with its conversion value.
func (m *Metrics) RecordMatch(method, currency string, value float64) {
	m.AttributionMatches.WithLabelValues(method).Inc()
	m.ConversionValue.WithLabelValues(method, currency).Add(value)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
