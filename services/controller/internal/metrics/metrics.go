package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the control plane collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	fabricEvents    *prometheus.CounterVec
	fabricTicks     *prometheus.CounterVec
	telemetryErrors prometheus.Counter
	ruleActors      prometheus.Gauge
	evaluations     *prometheus.CounterVec
	enforcement     *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	allocationTime  prometheus.Histogram
}

// Option allows customizing the metrics registry.
type Option func(*config)

type config struct {
	registerer prometheus.Registerer
	buckets    []float64
}

// WithRegisterer overrides the default Prometheus registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(cfg *config) {
		cfg.registerer = r
	}
}

// WithAllocationBuckets overrides the allocation histogram buckets (seconds).
func WithAllocationBuckets(buckets []float64) Option {
	return func(cfg *config) {
		cfg.buckets = buckets
	}
}

func New(opts ...Option) *Metrics {
	cfg := config{
		registerer: prometheus.DefaultRegisterer,
		buckets:    prometheus.ExponentialBuckets(0.0005, 2, 12),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		fabricEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierctl_fabric_events_total",
			Help: "Raw workload events received per metric and origin role.",
		}, []string{"metric", "role"}),
		fabricTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierctl_fabric_windows_total",
			Help: "Aggregation windows closed per metric.",
		}, []string{"metric"}),
		telemetryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tierctl_telemetry_sink_errors_total",
			Help: "Events that could not be forwarded to the telemetry sink.",
		}),
		ruleActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tierctl_rule_actors",
			Help: "Rule actors currently alive.",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierctl_rule_evaluations_total",
			Help: "Condition evaluations by result.",
		}, []string{"result"}),
		enforcement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierctl_enforcement_calls_total",
			Help: "Deploy and undeploy calls by verb and outcome.",
		}, []string{"verb", "outcome"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierctl_bandwidth_allocations_total",
			Help: "Bandwidth allocation windows by outcome.",
		}, []string{"outcome"}),
		allocationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tierctl_bandwidth_allocation_seconds",
			Help:    "Time spent computing one bandwidth allocation.",
			Buckets: cfg.buckets,
		}),
	}
	if cfg.registerer != nil {
		cfg.registerer.MustRegister(
			m.fabricEvents, m.fabricTicks, m.telemetryErrors, m.ruleActors,
			m.evaluations, m.enforcement, m.allocations, m.allocationTime,
		)
	}
	return m
}

func (m *Metrics) ObserveEvent(metric, role string) {
	if m == nil {
		return
	}
	m.fabricEvents.WithLabelValues(metric, role).Inc()
}

func (m *Metrics) ObserveWindow(metric string) {
	if m == nil {
		return
	}
	m.fabricTicks.WithLabelValues(metric).Inc()
}

func (m *Metrics) ObserveTelemetryError() {
	if m == nil {
		return
	}
	m.telemetryErrors.Inc()
}

func (m *Metrics) RuleActorStarted() {
	if m == nil {
		return
	}
	m.ruleActors.Inc()
}

func (m *Metrics) RuleActorStopped() {
	if m == nil {
		return
	}
	m.ruleActors.Dec()
}

func (m *Metrics) ObserveEvaluation(result bool) {
	if m == nil {
		return
	}
	label := "false"
	if result {
		label = "true"
	}
	m.evaluations.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveEnforcement(verb string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.enforcement.WithLabelValues(verb, outcome).Inc()
}

func (m *Metrics) ObserveAllocation(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.allocations.WithLabelValues(outcome).Inc()
	m.allocationTime.Observe(d.Seconds())
}
