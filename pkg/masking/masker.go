// Package masking redacts sensitive values from approval payloads and audit
// details before they are persisted. Pattern-based only: each pattern is a
// pre-compiled regex with a replacement token.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are always applied. Custom patterns from configuration
// are appended at construction.
var builtinPatterns = []struct {
	name, pattern, replacement string
}{
	{"api_key", `(?i)(api[_-]?key|apikey)["'\s:=]+[A-Za-z0-9_\-]{16,}`, "$1=***MASKED_API_KEY***"},
	{"bearer_token", `(?i)bearer\s+[A-Za-z0-9_\-.~+/]{16,}=*`, "Bearer ***MASKED_TOKEN***"},
	{"password", `(?i)(password|passwd|pwd)["'\s:=]+\S+`, "$1=***MASKED_PASSWORD***"},
	{"email", `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`, "***MASKED_EMAIL***"},
	{"aws_access_key", `AKIA[0-9A-Z]{16}`, "***MASKED_AWS_KEY***"},
}

// Masker applies a fixed set of redaction patterns to strings.
type Masker struct {
	patterns []*CompiledPattern
}

// CustomPattern is a user-supplied redaction rule from configuration.
type CustomPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// New compiles the built-in patterns plus any custom ones. Invalid custom
// patterns are logged and skipped; masking must not fail closed on a bad
// config entry.
func New(custom []CustomPattern) *Masker {
	m := &Masker{}
	for _, p := range builtinPatterns {
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       regexp.MustCompile(p.pattern),
			Replacement: p.replacement,
		})
	}
	for _, p := range custom {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        p.Name,
			Regex:       compiled,
			Replacement: p.Replacement,
		})
	}
	return m
}

// Mask applies every pattern to the input.
func (m *Masker) Mask(data string) string {
	for _, p := range m.patterns {
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}

// MaskMap masks every string value of a map, recursing into nested
// map[string]any values. Non-string values pass through untouched.
func (m *Masker) MaskMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = m.Mask(val)
		case map[string]any:
			out[k] = m.MaskMap(val)
		default:
			out[k] = v
		}
	}
	return out
}
