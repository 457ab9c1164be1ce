package scripting

import (
	"fmt"
	"regexp"
	"strings"
)

// templatePattern matches {{ input }} and {{ input.a.b }} lookups
var templatePattern = regexp.MustCompile(`\{\{\s*(input(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// TemplateEvaluator resolves {{ input.<path> }} lookups. Anything else is left as written.
type TemplateEvaluator struct{}

// NewTemplateEvaluator creates a new TemplateEvaluator
func NewTemplateEvaluator() *TemplateEvaluator {
	return &TemplateEvaluator{}
}

// Evaluate resolves expression against scope, where scope["input"] is the run input.
// A string that is exactly one lookup yields the raw value (nil when the path is missing);
// lookups embedded in surrounding text are interpolated.
func (e *TemplateEvaluator) Evaluate(expression string, scope map[string]any) any {
	trimmed := strings.TrimSpace(expression)
	if m := templatePattern.FindStringSubmatchIndex(trimmed); m != nil && m[0] == 0 && m[1] == len(trimmed) {
		value, _ := Lookup(scope, trimmed[m[2]:m[3]])
		return value
	}

	if !strings.Contains(expression, "{{") {
		return expression
	}

	return templatePattern.ReplaceAllStringFunc(expression, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		value, ok := Lookup(scope, path)
		if !ok || value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
}

// EvaluateInObject processes all expressions in an object
func (e *TemplateEvaluator) EvaluateInObject(obj map[string]any, scope map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	result := make(map[string]any, len(obj))
	for key, value := range obj {
		result[key] = e.evaluateValue(value, scope)
	}
	return result
}

func (e *TemplateEvaluator) evaluateValue(value any, scope map[string]any) any {
	switch v := value.(type) {
	case string:
		return e.Evaluate(v, scope)
	case map[string]any:
		return e.EvaluateInObject(v, scope)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.evaluateValue(item, scope)
		}
		return out
	default:
		return value
	}
}

// Lookup navigates a dotted path through nested maps. Numeric segments index into slices.
func Lookup(scope map[string]any, path string) (any, bool) {
	var current any = scope
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			var idx int
			if _, err := fmt.Sscanf(part, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
