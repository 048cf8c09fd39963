// Package engine wraps the embedded script engine consumed by
// ScenarioRuntime and StepExecutor. The engine itself (language semantics,
// VM, bytecode) is delegated per spec.md's Non-goals; this package only
// adapts a concrete Go-ecosystem engine to the narrow interface the
// execution core needs: eval, bindings, and calling host/script callables.
//
// Implementation: github.com/dop251/goja, a pure-Go ECMAScript runtime.
// Grounded on other_examples/13ad77da_grafana-k6__js-runner.go.go, which
// wraps the same engine the same way for a similar purpose (one goja.Runtime
// per virtual user, host functions registered as closures).
package engine

import "github.com/relaytest/karate-go/internal/value"

// Engine is the surface StepExecutor/ScenarioRuntime require of an
// embedded script engine.
type Engine interface {
	// Eval evaluates src and returns its value.
	Eval(src string) (value.Value, error)

	// Put binds name in the current scope (for `def`-style assignment).
	Put(name string, v value.Value)

	// PutRootBinding installs a value (typically the karate object) that
	// is visible from every nested scope, including callee features.
	PutRootBinding(name string, v value.Value)

	// Get reads a binding by name; returns value.Null if absent.
	Get(name string) value.Value

	// GetBindings snapshots all top-level bindings as a map, used when
	// inheriting variables into a callee scenario.
	GetBindings() map[string]value.Value

	// Call invokes a script-side or host callable with args.
	Call(fn value.Value, args []value.Value) (value.Value, error)

	// Interrupt aborts any in-flight Eval/Call, used by scenario stop().
	Interrupt(reason string)
}

// Factory builds a fresh Engine, one per ScenarioRuntime (the script
// engine is not assumed reentrant, per spec.md §5).
type Factory func() Engine
