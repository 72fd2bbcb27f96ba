// Package rules evaluates transition guard expressions declared by
// process definitions against a process instance's variables.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a guard expression holds for the given
// variables.
type Evaluator interface {
	Evaluate(guard string, vars map[string]interface{}) (bool, error)
}

// GuardEvaluator is an Evaluator backed by expr-lang/expr with a compiled
// program cache keyed by the guard source.
type GuardEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	derived map[string]func(map[string]interface{}) interface{}
}

// NewGuardEvaluator creates an evaluator with an empty cache.
func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddDerived registers a named value computed from the variables just
// before each evaluation, visible to guards under that name.
func (e *GuardEvaluator) AddDerived(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
}

// Evaluate compiles (or reuses) the guard and runs it against vars. An
// empty guard or the literal "true" always passes. The guard must yield a
// boolean.
func (e *GuardEvaluator) Evaluate(guard string, vars map[string]interface{}) (bool, error) {
	if guard == "" || guard == "true" {
		return true, nil
	}

	env := make(map[string]interface{}, len(vars)+len(e.derived))
	for k, v := range vars {
		env[k] = v
	}
	e.mu.RLock()
	for k, f := range e.derived {
		env[k] = f(vars)
	}
	program, ok := e.cache[guard]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[guard]; !ok {
			var err error
			program, err = expr.Compile(guard, expr.Env(env))
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile guard %q: %w", guard, err)
			}
			e.cache[guard] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run guard %q: %w", guard, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q did not evaluate to a boolean, got %T", guard, result)
	}
	return b, nil
}
