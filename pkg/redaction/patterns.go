package redaction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Placeholder replaces every redacted value or substring
const Placeholder = "[REDACTED]"

// secretKeys is the closed set of key names whose values are always replaced.
// Keys are compared after normalizeKey.
var secretKeys = map[string]struct{}{
	"password":              {},
	"passwd":                {},
	"pwd":                   {},
	"secret":                {},
	"client_secret":         {},
	"secret_key":            {},
	"token":                 {},
	"access_token":          {},
	"refresh_token":         {},
	"id_token":              {},
	"api_key":               {},
	"apikey":                {},
	"x_api_key":             {},
	"authorization":         {},
	"proxy_authorization":   {},
	"private_key":           {},
	"access_key":            {},
	"aws_secret_access_key": {},
	"credentials":           {},
	"credential":            {},
	"cookie":                {},
	"set_cookie":            {},
}

func normalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.ReplaceAll(k, "-", "_")
	return strings.ReplaceAll(k, " ", "_")
}

// IsSecretKey reports whether a map key names a secret
func IsSecretKey(key string) bool {
	_, ok := secretKeys[normalizeKey(key)]
	return ok
}

type builtinPattern struct {
	name string
	re   *regexp.Regexp
}

// Built-in provider-token shapes. Order matters: the wider blob patterns run last so the
// more specific shapes claim their matches first.
var builtinPatterns = []builtinPattern{
	{"pem_private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`)},
	{"aws_access_key_id", regexp.MustCompile(`\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[0-9A-Z]{16}\b`)},
	{"hex_blob", regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`)},
	{"base64_blob", regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)},
}

// BuiltinPatternNames lists the always-on pattern names in application order
func BuiltinPatternNames() []string {
	names := make([]string, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		names = append(names, p.name)
	}
	return names
}

// PatternSpec is a named vendor pattern as loaded from configuration
type PatternSpec struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// ParseVendorPatterns accepts either a JSON array of {name, pattern} objects or
// newline separated "name:pattern" entries. Blank lines and lines starting with '#'
// are ignored. A line without a name separator keeps the whole line as its pattern.
func ParseVendorPatterns(raw string) ([]PatternSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var specs []PatternSpec
		if err := json.Unmarshal([]byte(trimmed), &specs); err != nil {
			return nil, fmt.Errorf("failed to parse vendor patterns JSON: %w", err)
		}
		for i := range specs {
			if specs[i].Name == "" {
				specs[i].Name = fmt.Sprintf("vendor_%d", i)
			}
		}
		return specs, nil
	}

	var specs []PatternSpec
	for i, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, pattern, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			specs = append(specs, PatternSpec{Name: fmt.Sprintf("vendor_%d", i), Pattern: line})
			continue
		}
		specs = append(specs, PatternSpec{Name: strings.TrimSpace(name), Pattern: strings.TrimSpace(pattern)})
	}
	return specs, nil
}
