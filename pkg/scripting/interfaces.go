// Package scripting evaluates node configuration templates and runs JavaScript snippets.
package scripting

import "context"

// ExpressionEvaluator resolves templates against a scope
type ExpressionEvaluator interface {
	// Evaluate resolves a single expression string
	Evaluate(expression string, scope map[string]any) any

	// EvaluateInObject resolves every expression in an object, recursively
	EvaluateInObject(obj map[string]any, scope map[string]any) map[string]any
}

// ScriptEngine executes JavaScript code
type ScriptEngine interface {
	// Execute runs a snippet with vars bound as globals and returns its exported result
	Execute(ctx context.Context, script string, vars map[string]any) (any, error)
}
