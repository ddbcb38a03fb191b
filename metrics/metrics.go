// Package metrics exposes Prometheus collectors for the admission, rule and
// supervision layers. A nil *Metrics is valid and records nothing, so
// components can be built without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tagflow"

// Admission outcome labels.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
)

// Rule evaluation outcome labels.
const (
	EvalValid        = "valid"
	EvalMissingInput = "missing_input"
	EvalFailed       = "failed"
	EvalPanic        = "panic"
)

// Metrics holds all collectors.
type Metrics struct {
	Admissions        *prometheus.CounterVec
	RuleEvaluations   *prometheus.CounterVec
	RuleEvalDuration  prometheus.Histogram
	BufferFlushes     *prometheus.CounterVec
	BufferForced      prometheus.Counter
	BufferPublishErrs prometheus.Counter
	BufferPending     prometheus.Gauge
	Transitions       *prometheus.CounterVec
	AliveExpirations  *prometheus.CounterVec
	PublishDropped    *prometheus.CounterVec
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "updates_total",
				Help:      "Source updates by admission outcome",
			},
			[]string{"outcome"},
		),
		RuleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rule",
				Name:      "evaluations_total",
				Help:      "Rule evaluations by outcome",
			},
			[]string{"outcome"},
		),
		RuleEvalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rule",
				Name:      "evaluation_duration_seconds",
				Help:      "Time spent evaluating a single rule",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		BufferFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rule_buffer",
				Name:      "flushes_total",
				Help:      "Rule results published by the buffer, by quality",
			},
			[]string{"quality"},
		),
		BufferForced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rule_buffer",
				Name:      "forced_flushes_total",
				Help:      "Rule results flushed because the max wait cycles were reached",
			},
		),
		BufferPublishErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rule_buffer",
				Name:      "publish_errors_total",
				Help:      "Rule results that failed to publish",
			},
		),
		BufferPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rule_buffer",
				Name:      "pending",
				Help:      "Rule results waiting in the buffer",
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervision",
				Name:      "transitions_total",
				Help:      "Supervision status changes by entity kind and new status",
			},
			[]string{"kind", "status"},
		),
		AliveExpirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervision",
				Name:      "alive_expirations_total",
				Help:      "Alive timer expirations by entity kind",
			},
			[]string{"kind"},
		),
		PublishDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "dropped_total",
				Help:      "Outbound messages dropped because a queue was full",
			},
			[]string{"service"},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Admissions,
		m.RuleEvaluations,
		m.RuleEvalDuration,
		m.BufferFlushes,
		m.BufferForced,
		m.BufferPublishErrs,
		m.BufferPending,
		m.Transitions,
		m.AliveExpirations,
		m.PublishDropped,
	}
}

// Admission records a source update outcome.
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(outcome).Inc()
}

// Evaluation records a rule evaluation outcome and its duration in seconds.
func (m *Metrics) Evaluation(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RuleEvaluations.WithLabelValues(outcome).Inc()
	m.RuleEvalDuration.Observe(seconds)
}

// Flush records a published buffer entry.
func (m *Metrics) Flush(valid, forced bool) {
	if m == nil {
		return
	}
	if valid {
		m.BufferFlushes.WithLabelValues("valid").Inc()
	} else {
		m.BufferFlushes.WithLabelValues("invalid").Inc()
	}
	if forced {
		m.BufferForced.Inc()
	}
}

// PublishError records a buffer entry that failed to publish.
func (m *Metrics) PublishError() {
	if m == nil {
		return
	}
	m.BufferPublishErrs.Inc()
}

// Pending sets the number of buffered rule results.
func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.BufferPending.Set(float64(n))
}

// Transition records a supervision status change.
func (m *Metrics) Transition(kind, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind, status).Inc()
}

// AliveExpired records an alive timer expiry.
func (m *Metrics) AliveExpired(kind string) {
	if m == nil {
		return
	}
	m.AliveExpirations.WithLabelValues(kind).Inc()
}

// Dropped records an outbound message dropped by a publisher.
func (m *Metrics) Dropped(service string) {
	if m == nil {
		return
	}
	m.PublishDropped.WithLabelValues(service).Inc()
}
