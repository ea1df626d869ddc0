// Package connectors holds the action and trigger implementations the
// engine can bind workflow steps to, plus the template language step
// configs use to reference instance data.
package connectors

import (
	"strings"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// Render resolves {{dotted.path}} placeholders in a step config against
// the instance data. String values that are exactly one placeholder keep
// the resolved value's type; placeholders embedded in longer strings
// interpolate as text. Unresolvable placeholders stay literal so the
// failure is visible downstream.
func Render(config map[string]any, data workflow.Data) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for key, value := range config {
		out[key] = renderValue(value, data)
	}
	return out
}

func renderValue(value any, data workflow.Data) any {
	switch v := value.(type) {
	case string:
		return renderString(v, data)
	case map[string]any:
		return Render(v, data)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = renderValue(item, data)
		}
		return out
	default:
		return value
	}
}

func renderString(s string, data workflow.Data) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		result := data.Resolve(path)
		if !result.Exists() {
			return s
		}
		return result.Value()
	}

	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close += open

		b.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : close])
		result := data.Resolve(path)
		if result.Exists() {
			b.WriteString(result.String())
		} else {
			b.WriteString(rest[open : close+2])
		}
		rest = rest[close+2:]
	}
}
