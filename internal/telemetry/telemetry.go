// Package telemetry instruments the detection pipeline with Prometheus
// metrics: wave duration, detector failures, action dispatch outcomes, and
// throttle delays (SPEC_FULL.md §B). It follows the teacher's
// internal/ai.PatrolMetrics shape — a struct of pre-registered collectors
// with Record* methods at call sites — rather than package-level globals.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the Prometheus instrumentation surface; pack.Engine records
// the detection-pass duration, detector failures, verdict, and dispatched
// action into it once per handled request.
type Metrics struct {
	waveDuration     *prometheus.HistogramVec
	detectorFailures *prometheus.CounterVec
	actionDispatched *prometheus.CounterVec
	throttleDelayMS  *prometheus.HistogramVec
	verdictsTotal    *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance and registers its collectors with
// reg. Pass prometheus.NewRegistry() in tests to avoid the global default
// registry's duplicate-registration panics across test runs; pass
// prometheus.DefaultRegisterer in production so promhttp.Handler() exposes
// it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		waveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "botsentry",
				Subsystem: "orchestrator",
				Name:      "wave_duration_seconds",
				Help:      "Duration of one detection pass (hydration, every wave, and aggregation).",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"policy"},
		),
		detectorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botsentry",
				Subsystem: "orchestrator",
				Name:      "detector_failures_total",
				Help:      "Total detector timeouts/errors recorded, by detector name.",
			},
			[]string{"detector"},
		),
		actionDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botsentry",
				Subsystem: "action",
				Name:      "dispatched_total",
				Help:      "Total actions dispatched, by policy name and resulting continue/short-circuit outcome.",
			},
			[]string{"policy", "continue"},
		),
		throttleDelayMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "botsentry",
				Subsystem: "action",
				Name:      "throttle_delay_ms",
				Help:      "Computed Throttle policy delay, in milliseconds.",
				Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"policy"},
		),
		verdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botsentry",
				Subsystem: "evidence",
				Name:      "verdicts_total",
				Help:      "Total verdicts produced, by risk band.",
			},
			[]string{"risk_band"},
		),
	}

	reg.MustRegister(
		m.waveDuration,
		m.detectorFailures,
		m.actionDispatched,
		m.throttleDelayMS,
		m.verdictsTotal,
	)

	return m
}

// ObserveWaveDuration records how long one detection pass took under the
// named detection policy; pack.Engine passes the time from the start of
// Handle through evidence aggregation, not a per-wave figure.
func (m *Metrics) ObserveWaveDuration(policyName string, seconds float64) {
	m.waveDuration.WithLabelValues(policyName).Observe(seconds)
}

// RecordDetectorFailure increments the failure counter for detector.
func (m *Metrics) RecordDetectorFailure(detector string) {
	m.detectorFailures.WithLabelValues(detector).Inc()
}

// RecordActionDispatched increments the dispatch counter for an action
// policy and whether the pipeline continued afterward.
func (m *Metrics) RecordActionDispatched(policyName string, cont bool) {
	m.actionDispatched.WithLabelValues(policyName, continueLabel(cont)).Inc()
}

// ObserveThrottleDelay records a computed Throttle delay in milliseconds.
func (m *Metrics) ObserveThrottleDelay(policyName string, delayMS float64) {
	m.throttleDelayMS.WithLabelValues(policyName).Observe(delayMS)
}

// RecordVerdict increments the verdict counter for a risk band.
func (m *Metrics) RecordVerdict(riskBand string) {
	m.verdictsTotal.WithLabelValues(riskBand).Inc()
}

func continueLabel(cont bool) string {
	if cont {
		return "true"
	}
	return "false"
}
