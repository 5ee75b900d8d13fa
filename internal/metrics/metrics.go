package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taodividends"

// Metrics groups the service collectors on a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	CacheLookups     *prometheus.CounterVec
	UpstreamCalls    *prometheus.CounterVec
	TradesEnqueued   *prometheus.CounterVec
	TradeOutcomes    *prometheus.CounterVec
	ScoringFailures  prometheus.Counter
	ReconcileResults *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Dividend cache lookups by result (hit, miss, shared, error).",
		}, []string{"result"}),
		UpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_calls_total",
			Help:      "Ledger RPC calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		TradesEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_enqueued_total",
			Help:      "Trade pipeline submissions by result.",
		}, []string{"result"}),
		TradeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_outcomes_total",
			Help:      "Decision engine outcomes by action and status.",
		}, []string{"action", "status"}),
		ScoringFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_unavailable_total",
			Help:      "Trade pipelines aborted because every sentiment source failed.",
		}),
		ReconcileResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_results_total",
			Help:      "Reconciliation outcomes for pending and failed records.",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) UpstreamCall(op, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamCalls.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) TradeEnqueued(result string) {
	if m == nil {
		return
	}
	m.TradesEnqueued.WithLabelValues(result).Inc()
}

func (m *Metrics) TradeOutcome(action, status string) {
	if m == nil {
		return
	}
	m.TradeOutcomes.WithLabelValues(action, status).Inc()
}

func (m *Metrics) ScoringFailed() {
	if m == nil {
		return
	}
	m.ScoringFailures.Inc()
}

func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.ReconcileResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(route, code string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}
