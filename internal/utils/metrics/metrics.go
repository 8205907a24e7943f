package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uniedit/metering/internal/port/outbound"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Metering metrics
	AuthorizeTotal       *prometheus.CounterVec
	ChargesTotal         *prometheus.CounterVec
	CreditsChargedTotal  *prometheus.CounterVec
	RefundsTotal         *prometheus.CounterVec
	CreditsRefundedTotal *prometheus.CounterVec
	PollsTotal           *prometheus.CounterVec
	DiscrepanciesTotal   *prometheus.CounterVec

	// Scheduler metrics
	SweepDuration   *prometheus.HistogramVec
	SweepTasksTotal *prometheus.CounterVec

	// Provider metrics
	ProviderCircuitState *prometheus.GaugeVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

var _ outbound.MeteringMetricsPort = (*Metrics)(nil)

// New creates a new Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "metering"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		// Metering metrics
		AuthorizeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "authorize_total",
				Help:      "Total number of authorize decisions",
			},
			[]string{"feature", "result"},
		),
		ChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "charges_total",
				Help:      "Total number of task charges",
			},
			[]string{"feature"},
		),
		CreditsChargedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credits",
				Name:      "charged_total",
				Help:      "Total credits charged",
			},
			[]string{"feature"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "refunds_total",
				Help:      "Total number of task refunds",
			},
			[]string{"feature", "outcome"},
		),
		CreditsRefundedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credits",
				Name:      "refunded_total",
				Help:      "Total credits returned to balances",
			},
			[]string{"feature"},
		),
		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "polls_total",
				Help:      "Total number of provider status polls",
			},
			[]string{"provider", "status"},
		),
		DiscrepanciesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciliation",
				Name:      "discrepancies_total",
				Help:      "Total number of reconciliation discrepancies",
			},
			[]string{"kind"},
		),

		// Scheduler metrics
		SweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "sweep_duration_seconds",
				Help:      "Sweep duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"sweep"},
		),
		SweepTasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tasks_total",
				Help:      "Total number of tasks scanned by sweeps",
			},
			[]string{"sweep"},
		),

		// Provider metrics
		ProviderCircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "circuit_state",
				Help:      "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),

		// Cache metrics
		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),
	}
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := statusCodeToString(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAuthorize records an authorize decision.
func (m *Metrics) RecordAuthorize(feature, result string) {
	m.AuthorizeTotal.WithLabelValues(feature, result).Inc()
}

// RecordCharge records a charge.
func (m *Metrics) RecordCharge(feature string, credits int64) {
	m.ChargesTotal.WithLabelValues(feature).Inc()
	if credits > 0 {
		m.CreditsChargedTotal.WithLabelValues(feature).Add(float64(credits))
	}
}

// RecordRefund records a refund.
func (m *Metrics) RecordRefund(feature, outcome string, credits int64) {
	m.RefundsTotal.WithLabelValues(feature, outcome).Inc()
	if credits > 0 {
		m.CreditsRefundedTotal.WithLabelValues(feature).Add(float64(credits))
	}
}

// RecordPoll records a provider poll and its normalized status.
func (m *Metrics) RecordPoll(provider, status string) {
	m.PollsTotal.WithLabelValues(provider, status).Inc()
}

// RecordSweep records a sweep run.
func (m *Metrics) RecordSweep(sweep string, processed int, duration time.Duration) {
	m.SweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
	if processed > 0 {
		m.SweepTasksTotal.WithLabelValues(sweep).Add(float64(processed))
	}
}

// RecordDiscrepancy records a reconciliation discrepancy.
func (m *Metrics) RecordDiscrepancy(kind string) {
	m.DiscrepanciesTotal.WithLabelValues(kind).Inc()
}

// SetCircuitState sets the breaker state of a provider.
func (m *Metrics) SetCircuitState(provider string, state int) {
	m.ProviderCircuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
