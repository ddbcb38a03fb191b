// Package expression compiles rule expressions into programs that compute a
// rule tag from its inputs.
//
// Expressions use the expr language. Input tags are referenced as #<id>, for
// example "#100 * 2" or "(#101 > 5) ? true : false". References are rewritten
// to plain identifiers before compilation, so the usual expr operators and
// builtins are available.
package expression

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"tagflow/tag"
)

// ErrUnknownInput is wrapped when a referenced input has no value.
var ErrUnknownInput = errors.New("unknown input tag")

// EvaluationError is an expected failure of an expression at run time, such as
// a type mismatch between operands. It is reported as a rule invalidation, not
// as a fault.
type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of %q failed: %v", e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

var refPattern = regexp.MustCompile(`#(\d+)`)

// identifier returns the variable name a tag reference is rewritten to.
func identifier(id int64) string {
	return "tag_" + strconv.FormatInt(id, 10)
}

// RuleExpression is a compiled rule expression.
type RuleExpression struct {
	text    string
	program *vm.Program
	inputs  []int64
	names   map[int64]string
}

// Compile parses text and records the tags it references.
func Compile(text string) (*RuleExpression, error) {
	seen := make(map[int64]bool)
	var inputs []int64
	for _, m := range refPattern.FindAllStringSubmatch(text, -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rule expression %q: bad tag reference %s: %w", text, m[0], err)
		}
		if !seen[id] {
			seen[id] = true
			inputs = append(inputs, id)
		}
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i] < inputs[j] })

	rewritten := refPattern.ReplaceAllString(text, "tag_$1")
	program, err := expr.Compile(rewritten)
	if err != nil {
		return nil, fmt.Errorf("rule expression %q: %w", text, err)
	}

	names := make(map[int64]string, len(inputs))
	for _, id := range inputs {
		names[id] = identifier(id)
	}

	return &RuleExpression{
		text:    text,
		program: program,
		inputs:  inputs,
		names:   names,
	}, nil
}

// MustCompile is like Compile but panics on error. For tests and static tables.
func MustCompile(text string) *RuleExpression {
	e, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return e
}

// Text returns the expression as configured.
func (e *RuleExpression) Text() string {
	return e.text
}

func (e *RuleExpression) String() string {
	return e.text
}

// InputTagIDs returns the referenced tag ids in ascending order.
func (e *RuleExpression) InputTagIDs() []int64 {
	out := make([]int64, len(e.inputs))
	copy(out, e.inputs)
	return out
}

// Evaluate runs the program against the input values and casts the result to
// kind. Every failure is returned as an *EvaluationError.
func (e *RuleExpression) Evaluate(values map[int64]any, kind tag.ValueKind) (any, error) {
	env := make(map[string]any, len(e.inputs))
	for _, id := range e.inputs {
		v, ok := values[id]
		if !ok {
			return nil, &EvaluationError{Expression: e.text, Err: fmt.Errorf("tag %d: %w", id, ErrUnknownInput)}
		}
		env[e.names[id]] = v
	}

	out, err := expr.Run(e.program, env)
	if err != nil {
		return nil, &EvaluationError{Expression: e.text, Err: err}
	}
	if out == nil {
		return nil, &EvaluationError{Expression: e.text, Err: errors.New("expression produced no value")}
	}

	cast, err := tag.Cast(out, kind)
	if err != nil {
		return nil, &EvaluationError{Expression: e.text, Err: err}
	}
	return cast, nil
}
