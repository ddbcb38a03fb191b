// Package rule evaluates rule tags and debounces their results before they
// are written back to the rule store.
package rule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tagflow/expression"
	"tagflow/keylock"
	"tagflow/logging"
	"tagflow/metrics"
	"tagflow/tag"
	"tagflow/tagstore"
)

// ResultDescription is attached to every successfully computed rule value.
const ResultDescription = "Rule result"

// ResultSink receives rule results. *Buffer implements it.
type ResultSink interface {
	Update(ruleID int64, value any, description string, ts time.Time)
	Invalidate(ruleID int64, status tag.QualityStatus, description string, ts time.Time)
}

// Evaluator computes rule tags from their inputs. Evaluations of the same rule
// are serialised; different rules evaluate in parallel.
type Evaluator struct {
	rules   *tagstore.Store
	inputs  *tagstore.Locator
	sink    ResultSink
	locks   *keylock.Table
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	logFn func(format string, args ...interface{})
}

// NewEvaluator creates an evaluator reading rules from rules and inputs from
// any store reachable through inputs.
func NewEvaluator(rules *tagstore.Store, inputs *tagstore.Locator, sink ResultSink, m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		rules:   rules,
		inputs:  inputs,
		sink:    sink,
		locks:   keylock.New(),
		metrics: m,
		now:     time.Now,
	}
}

// SetLogFunc sets the logging callback.
func (e *Evaluator) SetLogFunc(fn func(format string, args ...interface{})) {
	e.mu.Lock()
	e.logFn = fn
	e.mu.Unlock()
}

// SetClock replaces the evaluation clock. Intended for tests.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Evaluator) log(format string, args ...interface{}) {
	e.mu.RLock()
	fn := e.logFn
	e.mu.RUnlock()
	if fn != nil {
		fn("[RuleEval] "+format, args...)
	}
	logging.DebugLog("rule", format, args...)
}

// EvaluateRules evaluates each rule in turn.
func (e *Evaluator) EvaluateRules(ruleIDs []int64) {
	for _, id := range ruleIDs {
		e.EvaluateRule(id)
	}
}

// EvaluateRule recomputes a rule and forwards the outcome to the sink. It
// never panics: every failure ends up as an invalidation of the rule or a
// log entry.
func (e *Evaluator) EvaluateRule(ruleID int64) {
	ts := e.now()

	e.locks.Lock(ruleID)
	defer e.locks.Unlock(ruleID)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log("rule %d: unexpected failure: %v", ruleID, r)
			e.metrics.Evaluation(metrics.EvalPanic, time.Since(start).Seconds())
			e.safeInvalidate(ruleID, fmt.Sprintf("Unexpected error while evaluating rule: %v", r), ts)
		}
	}()

	rule, err := e.rules.Get(ruleID)
	if err != nil {
		e.log("rule %d not found, skipping evaluation", ruleID)
		return
	}
	if rule.Expression == nil {
		e.log("ERROR rule %d (%s) has no expression configured", ruleID, rule.Name)
		return
	}

	values := make(map[int64]any)
	for _, inputID := range rule.Expression.InputTagIDs() {
		input, err := e.inputs.Get(inputID)
		if err != nil {
			msg := fmt.Sprintf("Input tag %d of rule %d could not be found", inputID, ruleID)
			logging.DebugLog("rule", "%s", msg)
			e.metrics.Evaluation(metrics.EvalMissingInput, time.Since(start).Seconds())
			e.sink.Invalidate(ruleID, tag.UnknownReason, msg, ts)
			return
		}
		values[inputID] = input.Value
	}

	result, err := rule.Expression.Evaluate(values, rule.DataType)
	if err != nil {
		var evalErr *expression.EvaluationError
		if errors.As(err, &evalErr) {
			logging.DebugLog("rule", "rule %d: %v", ruleID, err)
		} else {
			e.log("rule %d: unexpected evaluation error: %v", ruleID, err)
		}
		e.metrics.Evaluation(metrics.EvalFailed, time.Since(start).Seconds())
		e.sink.Invalidate(ruleID, tag.UnknownReason, err.Error(), ts)
		return
	}

	e.metrics.Evaluation(metrics.EvalValid, time.Since(start).Seconds())
	e.sink.Update(ruleID, result, ResultDescription, ts)
}

// safeInvalidate forwards an invalidation from within a recover handler and
// swallows a second failure so the caller's goroutine survives.
func (e *Evaluator) safeInvalidate(ruleID int64, msg string, ts time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.log("rule %d: could not invalidate after failure: %v", ruleID, r)
		}
	}()
	e.sink.Invalidate(ruleID, tag.UnknownReason, msg, ts)
}
