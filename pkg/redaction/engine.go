// Package redaction scrubs secret-shaped content from events and API responses.
//
// Redaction is key based for maps (a closed set of secret names, case-insensitive) and
// pattern based for strings. Built-in provider-token patterns always run. An optional
// vendor pattern set, loaded from configuration, runs only when enabled and is bounded by
// a per-pattern timeout and an aggregate time budget per Redact call. Redaction never
// returns an error: failures are counted in Metrics and the value passes through with
// whatever redactions did apply.
package redaction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Config controls the optional vendor pattern set
type Config struct {
	// VendorPatternsEnabled turns the vendor pattern set on
	VendorPatternsEnabled bool

	// VendorPatterns is a JSON array of {name, pattern} or "name:pattern" lines
	VendorPatterns string

	// PatternTimeout bounds a single vendor pattern on a single string. Zero means no limit.
	PatternTimeout time.Duration

	// Budget bounds the total time spent on vendor patterns within one Redact call.
	// A negative budget disables the limit; zero leaves no budget at all.
	Budget time.Duration
}

type vendorPattern struct {
	name string
	re   *regexp2.Regexp
}

// Engine applies redaction rules. It is safe for concurrent use.
type Engine struct {
	vendor        []vendorPattern
	vendorEnabled bool
	budget        time.Duration
	metrics       *Metrics
}

// New builds an engine. Vendor patterns that fail to parse or compile are skipped and
// counted as errors in metrics.
func New(cfg Config, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = NewMetrics()
	}
	e := &Engine{
		vendorEnabled: cfg.VendorPatternsEnabled,
		budget:        cfg.Budget,
		metrics:       metrics,
	}
	if !cfg.VendorPatternsEnabled {
		return e
	}

	specs, err := ParseVendorPatterns(cfg.VendorPatterns)
	if err != nil {
		metrics.addError("vendor_patterns")
		return e
	}
	for _, spec := range specs {
		re, err := regexp2.Compile(spec.Pattern, regexp2.None)
		if err != nil {
			metrics.addError(spec.Name)
			continue
		}
		if cfg.PatternTimeout > 0 {
			re.MatchTimeout = cfg.PatternTimeout
		}
		e.vendor = append(e.vendor, vendorPattern{name: spec.Name, re: re})
	}
	return e
}

// Metrics returns the counters this engine writes to
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// VendorPatternCount reports how many vendor patterns compiled successfully
func (e *Engine) VendorPatternCount() int {
	return len(e.vendor)
}

// pass tracks vendor budget for one Redact call
type pass struct {
	spent     time.Duration
	exhausted bool
}

// Redact returns a redacted copy of v. Maps and slices are copied, never mutated.
func (e *Engine) Redact(v interface{}) interface{} {
	return e.redactValue(v, &pass{})
}

// RedactString redacts a single string
func (e *Engine) RedactString(s string) string {
	return e.redactString(s, &pass{})
}

// RedactMap redacts a map payload
func (e *Engine) RedactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return e.redactMap(m, &pass{})
}

// RedactJSON converts an arbitrary value to its generic JSON form and redacts it.
// Values that cannot be represented as JSON are replaced by the placeholder.
func (e *Engine) RedactJSON(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return Placeholder
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return Placeholder
	}
	return e.Redact(generic)
}

func (e *Engine) redactValue(v interface{}, p *pass) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return e.redactString(val, p)
	case map[string]interface{}:
		return e.redactMap(val, p)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			if IsSecretKey(k) {
				e.metrics.addMatches("key", 1)
				out[k] = Placeholder
				continue
			}
			out[k] = e.redactString(s, p)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = e.redactValue(item, p)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = e.redactString(s, p)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(val))
		for i, m := range val {
			out[i] = e.redactMap(m, p)
		}
		return out
	case error:
		return e.redactString(val.Error(), p)
	default:
		return v
	}
}

func (e *Engine) redactMap(m map[string]interface{}, p *pass) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsSecretKey(k) && v != nil {
			e.metrics.addMatches("key", 1)
			out[k] = Placeholder
			continue
		}
		out[k] = e.redactValue(v, p)
	}
	return out
}

func (e *Engine) redactString(s string, p *pass) string {
	if s == "" {
		return s
	}
	for _, bp := range builtinPatterns {
		n := 0
		s = bp.re.ReplaceAllStringFunc(s, func(string) string {
			n++
			return Placeholder
		})
		e.metrics.addMatches(bp.name, n)
	}
	if e.vendorEnabled {
		s = e.applyVendor(s, p)
	}
	return s
}

func (e *Engine) applyVendor(s string, p *pass) string {
	for _, vp := range e.vendor {
		if p.exhausted {
			return s
		}
		if e.budget >= 0 && p.spent >= e.budget {
			p.exhausted = true
			e.metrics.addBudgetExceeded()
			return s
		}

		start := time.Now()
		out, n, err := replaceVendor(vp.re, s)
		p.spent += time.Since(start)

		if err != nil {
			// regexp2 errors embed the input; only the pattern name is recorded
			if strings.Contains(err.Error(), "timeout") {
				e.metrics.addTimeout(vp.name)
			} else {
				e.metrics.addError(vp.name)
			}
			continue
		}
		if n > 0 {
			e.metrics.addMatches(vp.name, n)
			s = out
		}
	}
	return s
}

func replaceVendor(re *regexp2.Regexp, s string) (out string, n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, n, err = s, 0, fmt.Errorf("pattern panicked: %v", r)
		}
	}()
	out, err = re.ReplaceFunc(s, func(regexp2.Match) string {
		n++
		return Placeholder
	}, -1, -1)
	if err != nil {
		return s, 0, err
	}
	return out, n, nil
}
