// Package expressions evaluates condition and transform expressions against
// a run's variable scope using expr-lang. Scope variables are exposed as
// top-level identifiers, so "uppercase(summary)" reads the summary variable.
package expressions

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Engine compiles and evaluates expressions. Compiled programs are cached by
// expression text and reused; safe for concurrent use across runs.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Evaluate runs expression with the scope as its environment and returns the
// resulting value. Unknown identifiers evaluate to nil rather than failing
// compilation, matching the resolver's fail-open posture.
func (e *Engine) Evaluate(expression string, scope map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := scope
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("expression %q failed: %w", expression, err)
	}

	return out, nil
}

// EvaluateBool evaluates a condition expression and requires a boolean
// result. Used by condition steps to pick a branch.
func (e *Engine) EvaluateBool(expression string, scope map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, scope)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, expected bool", expression, out)
	}

	return result, nil
}

func (e *Engine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()

	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, compileOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, err)
	}

	e.cache[expression] = prg

	return prg, nil
}

func compileOptions() []expr.Option {
	return []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Function("uppercase", func(params ...any) (any, error) {
			return strings.ToUpper(asString(params[0])), nil
		}, new(func(string) string)),
		expr.Function("lowercase", func(params ...any) (any, error) {
			return strings.ToLower(asString(params[0])), nil
		}, new(func(string) string)),
		expr.Function("trim", func(params ...any) (any, error) {
			return strings.TrimSpace(asString(params[0])), nil
		}, new(func(string) string)),
		expr.Function("concat", func(params ...any) (any, error) {
			var b strings.Builder
			for _, p := range params {
				b.WriteString(asString(p))
			}

			return b.String(), nil
		}),
	}
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
