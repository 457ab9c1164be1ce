package scripting

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// GojaEngine runs JavaScript snippets in a fresh goja runtime per call.
// The snippet is wrapped in a function so it may use return.
type GojaEngine struct {
	// Log receives console.log output; nil discards it
	Log func(args ...any)
}

// NewGojaEngine creates a new engine
func NewGojaEngine() *GojaEngine {
	return &GojaEngine{}
}

// Execute runs script with vars bound as globals. Cancelling ctx interrupts the script.
func (e *GojaEngine) Execute(ctx context.Context, script string, vars map[string]any) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		if e.Log != nil {
			parts := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.Export())
			}
			e.Log(parts...)
		}
		return goja.Undefined()
	})
	if err := vm.Set("console", console); err != nil {
		return nil, fmt.Errorf("failed to bind console: %w", err)
	}

	for name, value := range vars {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	result, err := vm.RunString("(function() {\n" + script + "\n})()")
	if err != nil {
		if interrupted, ok := err.(*goja.InterruptedError); ok {
			return nil, fmt.Errorf("script interrupted: %v", interrupted.Value())
		}
		return nil, fmt.Errorf("script failed: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}
