package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Order metrics
	OrdersCreated *prometheus.CounterVec

	// Provider metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	// Reconciliation metrics
	ReconcileOutcomes *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	ReconcileSkipped  prometheus.Counter

	// Notification metrics
	Notifications         *prometheus.CounterVec
	NotificationLaneDepth *prometheus.GaugeVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		OrdersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_created_total",
				Help:      "Orders submitted by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider adapter calls by provider, operation and outcome",
			},
			[]string{"provider", "op", "outcome"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider adapter call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "op"},
		),
		ReconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_outcomes_total",
				Help:      "Reconciliation results per candidate order",
			},
			[]string{"outcome"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_tick_duration_seconds",
				Help:      "Duration of one reconciliation tick",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		ReconcileSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_ticks_skipped_total",
				Help:      "Ticks skipped because the previous tick was still running",
			},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Merchant notification attempts by lane and outcome",
			},
			[]string{"lane", "outcome"},
		),
		NotificationLaneDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_lane_depth",
				Help:      "Items waiting in each notification lane",
			},
			[]string{"lane"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by the level that answered",
			},
			[]string{"level"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.OrdersCreated,
		m.ProviderCalls,
		m.ProviderDuration,
		m.ReconcileOutcomes,
		m.ReconcileDuration,
		m.ReconcileSkipped,
		m.Notifications,
		m.NotificationLaneDepth,
		m.CacheLookups,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
	)

	return m
}

// The helpers below tolerate a nil *Metrics so components can run without
// instrumentation in tests.

func (m *Metrics) ObserveProviderCall(provider, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, op, outcome).Inc()
	m.ProviderDuration.WithLabelValues(provider, op).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) OrderCreated(provider, outcome string) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReconcileTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(d.Seconds())
}

func (m *Metrics) ReconcileTickSkipped() {
	if m == nil {
		return
	}
	m.ReconcileSkipped.Inc()
}

func (m *Metrics) NotificationOutcome(lane, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(lane, outcome).Inc()
}

func (m *Metrics) SetLaneDepth(lane string, depth int64) {
	if m == nil {
		return
	}
	m.NotificationLaneDepth.WithLabelValues(lane).Set(float64(depth))
}

func (m *Metrics) CacheHit(level string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(level).Inc()
}
