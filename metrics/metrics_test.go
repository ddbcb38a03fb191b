package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))

	// A second registration of the same collectors must fail.
	assert.Error(t, m.Register(reg))
}

func TestCounters(t *testing.T) {
	m := New()

	m.Admission(OutcomeAccepted)
	m.Admission(OutcomeAccepted)
	m.Admission(OutcomeRejected)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Admissions.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues(OutcomeRejected)))

	m.Flush(true, false)
	m.Flush(false, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferFlushes.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferFlushes.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferForced))

	m.Pending(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BufferPending))

	m.Transition("process", "DOWN")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("process", "DOWN")))

	m.Evaluation(EvalValid, 0.001)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues(EvalValid)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admission(OutcomeAccepted)
		m.Evaluation(EvalFailed, 0)
		m.Flush(true, true)
		m.PublishError()
		m.Pending(1)
		m.Transition("equipment", "RUNNING")
		m.AliveExpired("process")
		m.Dropped("kafka")
	})
}
