// Package expr resolves {{ ... }} template placeholders and transform
// expressions against a run's execution context.
//
// Placeholder resolution is best-effort: a fragment that fails to compile or
// evaluate is preserved verbatim. Transform evaluation is strict and
// propagates errors, because transform steps must fail explicitly.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/hookflow/hookflow/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{\{(.+?)\}\}`)

// Evaluator evaluates expressions against execution contexts. Compiled
// programs are cached per expression text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: map[string]*vm.Program{}}
}

// Resolve walks an arbitrary JSON-shaped value and substitutes every
// {{ ... }} placeholder found in string leaves. Arrays and objects are
// recursed element-wise; non-string primitives pass through unchanged.
func (e *Evaluator) Resolve(template any, ctx models.ExecutionContext) any {
	return e.resolveValue(template, ctx.AsMap())
}

func (e *Evaluator) resolveValue(v any, env map[string]any) any {
	switch t := v.(type) {
	case string:
		return e.resolveString(t, env)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = e.resolveValue(item, env)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = e.resolveValue(item, env)
		}
		return out
	default:
		return v
	}
}

func (e *Evaluator) resolveString(s string, env map[string]any) any {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one placeholder yields the raw value, so
	// numbers, arrays, objects and null survive substitution untyped.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		result, err := e.eval(s[matches[0][2]:matches[0][3]], env)
		if err != nil {
			return s
		}
		return result
	}

	// Interpolation: replace in reverse index order so earlier offsets
	// stay valid while we splice.
	out := s
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		result, err := e.eval(s[m[2]:m[3]], env)
		if err != nil {
			continue
		}
		out = out[:m[0]] + stringify(result) + out[m[1]:]
	}
	return out
}

// EvaluateTransform compiles and runs a single expression against
// {trigger, steps, variables}. Unlike Resolve, errors propagate.
func (e *Evaluator) EvaluateTransform(expression string, ctx models.ExecutionContext) (any, error) {
	return e.eval(expression, ctx.AsMap())
}

func (e *Evaluator) eval(expression string, env map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}

	// Built-ins are dispatched before the query language sees the text.
	switch expression {
	case "$now()":
		return time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), nil
	case "$uuid()":
		return uuid.NewString(), nil
	case "$timestamp()":
		return time.Now().UnixMilli(), nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// stringify renders an evaluated value for splicing into an interpolated
// string. Objects and arrays use canonical JSON; nil becomes empty.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
