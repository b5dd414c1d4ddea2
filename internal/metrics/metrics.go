// Package metrics holds the Prometheus collectors shared by the fetch, aggregate,
// cache and HTTP layers. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yourorg/remesa-rates/internal/model"
)

const namespace = "remesa"

// Metrics groups the service collectors
type Metrics struct {
	adapterResults  *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	selections      *prometheus.CounterVec
	exhausted       *prometheus.CounterVec
	rateValue       *prometheus.GaugeVec
	deltaPct        *prometheus.GaugeVec
	alerts          prometheus.Counter
	buildDuration   prometheus.Histogram
	buildFailures   prometheus.Counter
	cacheResults    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		adapterResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_results_total",
				Help:      "Adapter calls by outcome (success, failure, skipped)",
			},
			[]string{"adapter", "category", "outcome"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_duration_seconds",
				Help:      "Adapter call latency in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 8},
			},
			[]string{"adapter"},
		),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Winning source per category",
			},
			[]string{"category", "source", "confidence"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "category_exhausted_total",
				Help:      "Snapshot builds where every adapter of a category failed",
			},
			[]string{"category"},
		),
		rateValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_value",
				Help:      "Last selected rate per category in VES per USD",
			},
			[]string{"category"},
		),
		deltaPct: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cross_source_delta_percent",
				Help:      "Last cross-source deviation in percent",
			},
			[]string{"pair"},
		),
		alerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_alerts_total",
				Help:      "Snapshots carrying a validation alert",
			},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_build_duration_seconds",
				Help:      "Snapshot build latency in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2, 4, 6, 8, 10},
			},
		),
		buildFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_build_failures_total",
				Help:      "Snapshot builds where nothing could be fetched",
			},
		),
		cacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_results_total",
				Help:      "Cache layer responses by tier (fresh, live, stale, static)",
			},
			[]string{"tier"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "adapter_circuit_state",
				Help:      "Adapter circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"adapter"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests processed",
			},
			[]string{"path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	reg.MustRegister(
		m.adapterResults,
		m.adapterDuration,
		m.selections,
		m.exhausted,
		m.rateValue,
		m.deltaPct,
		m.alerts,
		m.buildDuration,
		m.buildFailures,
		m.cacheResults,
		m.breakerState,
		m.requests,
		m.requestDuration,
	)
	return m
}

// ObserveAdapter records one adapter call
func (m *Metrics) ObserveAdapter(adapter string, category string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.adapterResults.WithLabelValues(adapter, category, outcome).Inc()
	m.adapterDuration.WithLabelValues(adapter).Observe(d.Seconds())
}

// AdapterSkipped records a call short-circuited by a breaker or limiter
func (m *Metrics) AdapterSkipped(adapter string, category string) {
	if m == nil {
		return
	}
	m.adapterResults.WithLabelValues(adapter, category, "skipped").Inc()
}

// ObserveSelection records the winner of a category
func (m *Metrics) ObserveSelection(r model.SelectedRate) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(string(r.Category), r.Source, string(r.Confidence)).Inc()
	m.rateValue.WithLabelValues(string(r.Category)).Set(r.Value)
}

// CategoryExhausted records a category with no winning quote
func (m *Metrics) CategoryExhausted(c model.Category) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(string(c)).Inc()
}

// ObserveValidation records the cross-source deltas
func (m *Metrics) ObserveValidation(v model.ValidationResult) {
	if m == nil {
		return
	}
	m.deltaPct.WithLabelValues("official_parallel").Set(v.OfficialParallelDeltaPct)
	m.deltaPct.WithLabelValues("p2p_parallel").Set(v.P2PParallelDeltaPct)
	if v.HasAlert() {
		m.alerts.Inc()
	}
}

// ObserveBuild records a snapshot build
func (m *Metrics) ObserveBuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.buildDuration.Observe(d.Seconds())
	if err != nil {
		m.buildFailures.Inc()
	}
}

// CacheResult records which tier served a request
func (m *Metrics) CacheResult(tier string) {
	if m == nil {
		return
	}
	m.cacheResults.WithLabelValues(tier).Inc()
}

// BreakerState records an adapter breaker transition
func (m *Metrics) BreakerState(adapter string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(adapter).Set(float64(state))
}

// ObserveRequest records an HTTP request
func (m *Metrics) ObserveRequest(path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path).Observe(d.Seconds())
}
