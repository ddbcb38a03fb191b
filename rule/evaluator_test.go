package rule

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagflow/expression"
	"tagflow/tag"
	"tagflow/tagstore"
)

type sinkCall struct {
	ruleID      int64
	value       any
	status      tag.QualityStatus
	description string
	ts          time.Time
	invalid     bool
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *fakeSink) Update(ruleID int64, value any, description string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{ruleID: ruleID, value: value, description: description, ts: ts})
}

func (s *fakeSink) Invalidate(ruleID int64, status tag.QualityStatus, description string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{ruleID: ruleID, status: status, description: description, ts: ts, invalid: true})
}

func (s *fakeSink) last(t *testing.T) sinkCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.calls)
	return s.calls[len(s.calls)-1]
}

type panickyExpression struct{}

func (panickyExpression) InputTagIDs() []int64 { return nil }
func (panickyExpression) Evaluate(map[int64]any, tag.ValueKind) (any, error) {
	panic("corrupt expression state")
}

type failingExpression struct{}

func (failingExpression) InputTagIDs() []int64 { return nil }
func (failingExpression) Evaluate(map[int64]any, tag.ValueKind) (any, error) {
	return nil, errors.New("backend failure")
}

var evalTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	data  *tagstore.Store
	rules *tagstore.Store
	sink  *fakeSink
	eval  *Evaluator
}

func newFixture() *fixture {
	data := tagstore.New("data")
	rules := tagstore.New("rule")
	sink := &fakeSink{}
	eval := NewEvaluator(rules, tagstore.NewLocator(data, rules), sink, nil)
	eval.SetClock(func() time.Time { return evalTime })
	return &fixture{data: data, rules: rules, sink: sink, eval: eval}
}

func (f *fixture) addData(id int64, value any) {
	tg := tag.New(id, "data", tag.KindData, tag.Float64)
	tg.Value = value
	tg.Quality = tag.Quality{}
	f.data.Load(tg)
}

func (f *fixture) addRule(id int64, kind tag.ValueKind, e tag.Expression) {
	tg := tag.New(id, "rule", tag.KindRule, kind)
	tg.Expression = e
	f.rules.Load(tg)
}

func TestEvaluateRuleSuccess(t *testing.T) {
	f := newFixture()
	f.addData(1, 10.0)
	f.addRule(100, tag.Float64, expression.MustCompile("#1 * 2"))

	f.eval.EvaluateRule(100)

	call := f.sink.last(t)
	assert.False(t, call.invalid)
	assert.Equal(t, 20.0, call.value)
	assert.Equal(t, ResultDescription, call.description)
	assert.Equal(t, evalTime, call.ts)
}

func TestEvaluateRuleReadsOtherRules(t *testing.T) {
	f := newFixture()
	f.addRule(100, tag.Float64, expression.MustCompile("1"))
	r, _ := f.rules.Get(100)
	r.Value = 20.0
	f.rules.Load(r)
	f.addRule(101, tag.Float64, expression.MustCompile("#100 + 1"))

	f.eval.EvaluateRule(101)
	assert.Equal(t, 21.0, f.sink.last(t).value)
}

func TestEvaluateRuleMissingInput(t *testing.T) {
	f := newFixture()
	f.addRule(100, tag.Float64, expression.MustCompile("#404 + 1"))

	assert.NotPanics(t, func() { f.eval.EvaluateRule(100) })

	call := f.sink.last(t)
	assert.True(t, call.invalid)
	assert.Equal(t, tag.UnknownReason, call.status)
	assert.Contains(t, call.description, "404")
}

func TestEvaluateRuleExpressionFailure(t *testing.T) {
	f := newFixture()
	f.addData(1, "text")
	f.addRule(100, tag.Float64, expression.MustCompile("#1 * 2"))

	f.eval.EvaluateRule(100)

	call := f.sink.last(t)
	assert.True(t, call.invalid)
	assert.Equal(t, tag.UnknownReason, call.status)
}

func TestEvaluateRuleUnexpectedError(t *testing.T) {
	f := newFixture()
	f.addRule(100, tag.Float64, failingExpression{})

	f.eval.EvaluateRule(100)

	call := f.sink.last(t)
	assert.True(t, call.invalid)
	assert.Equal(t, "backend failure", call.description)
}

func TestEvaluateRulePanicBecomesInvalidation(t *testing.T) {
	f := newFixture()
	f.addRule(100, tag.Float64, panickyExpression{})

	assert.NotPanics(t, func() { f.eval.EvaluateRule(100) })

	call := f.sink.last(t)
	assert.True(t, call.invalid)
	assert.Contains(t, call.description, "corrupt expression state")

	// The rule lock must have been released.
	done := make(chan struct{})
	go func() {
		f.eval.EvaluateRule(100)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rule lock leaked after panic")
	}
}

func TestEvaluateRuleUnknownOrUnconfigured(t *testing.T) {
	f := newFixture()
	var logged []string
	f.eval.SetLogFunc(func(format string, args ...interface{}) {
		logged = append(logged, format)
	})

	f.eval.EvaluateRule(999)
	f.addRule(100, tag.Float64, nil)
	f.eval.EvaluateRule(100)

	f.sink.mu.Lock()
	assert.Empty(t, f.sink.calls, "neither case produces a result")
	f.sink.mu.Unlock()
	assert.Len(t, logged, 2)
}

func TestStoreWriter(t *testing.T) {
	rules := tagstore.New("rule")
	rules.Load(tag.New(100, "R", tag.KindRule, tag.Float64))
	w := NewStoreWriter(rules)

	require.NoError(t, w.UpdateAndValidate(100, 4.0, ResultDescription, ms(50)))
	got, _ := rules.Get(100)
	assert.Equal(t, 4.0, got.Value)
	assert.True(t, got.IsValid())
	assert.Equal(t, ms(50), got.ServerTimestamp)

	require.NoError(t, w.Invalidate(100, tag.Quality{tag.UnknownReason: "x"}, ms(60)))
	got, _ = rules.Get(100)
	assert.Equal(t, 4.0, got.Value, "last value kept")
	assert.True(t, got.Quality.Has(tag.UnknownReason))

	// Older results do not regress the stored state.
	require.NoError(t, w.UpdateAndValidate(100, 1.0, ResultDescription, ms(55)))
	got, _ = rules.Get(100)
	assert.Equal(t, 4.0, got.Value)

	err := w.UpdateAndValidate(7, 1.0, ResultDescription, ms(1))
	assert.ErrorIs(t, err, tagstore.ErrNotFound)
}

// countingExpression records how many evaluations of it run at the same time.
type countingExpression struct {
	active atomic.Int32
	peak   atomic.Int32
	runs   atomic.Int32
}

func (p *countingExpression) InputTagIDs() []int64 { return nil }
func (p *countingExpression) Evaluate(map[int64]any, tag.ValueKind) (any, error) {
	n := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	p.active.Add(-1)
	return float64(p.runs.Add(1)), nil
}

func TestEvaluateRuleSerializesSameRule(t *testing.T) {
	f := newFixture()
	same := &countingExpression{}
	other := &countingExpression{}
	f.addRule(100, tag.Float64, same)
	f.addRule(200, tag.Float64, other)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.eval.EvaluateRule(100)
		}()
		go func() {
			defer wg.Done()
			f.eval.EvaluateRule(200)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(16), same.runs.Load())
	assert.Equal(t, int32(1), same.peak.Load(), "evaluations of one rule must not overlap")
	assert.Equal(t, int32(1), other.peak.Load())

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Len(t, f.sink.calls, 32)
}
