package parsers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/threadchat/server/internal/agent/graph/tools"
)

// maxArgumentsLen bounds the arguments we try to repair.
const maxArgumentsLen = 64 * 1024

// SanitizeToolArguments normalises model-emitted JSON arguments for known tools.
// It is best effort: anything it cannot parse is returned unchanged.
func SanitizeToolArguments(name, arguments string) string {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return "{}"
	}
	if len(trimmed) > maxArgumentsLen {
		return arguments
	}
	trimmed = stripCodeFence(trimmed)

	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		// keep original if not JSON
		return arguments
	}

	switch name {
	case tools.ToolCalculator:
		for _, k := range []string{"a", "b"} {
			if v, ok := m[k]; ok {
				if f, ok := toNumber(v); ok {
					m[k] = f
				}
			}
		}
		if v, ok := m["operation"]; ok {
			m["operation"] = normalizeOperation(fmt.Sprint(v))
		}
	case tools.ToolWebSearch:
		// query: string (required)
		if v, ok := m["query"]; ok {
			switch vv := v.(type) {
			case string:
				m["query"] = strings.TrimSpace(vv)
			default:
				m["query"] = strings.TrimSpace(fmt.Sprint(v))
			}
		}
		// max_results: integer (optional, 1..20)
		if v, ok := m["max_results"]; ok {
			if f, ok := toNumber(v); ok {
				m["max_results"] = clampInt(int(f), 1, 20)
			} else {
				delete(m, "max_results")
			}
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return arguments
	}
	return string(b)
}

func toNumber(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(vv), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var operationAliases = map[string]string{
	"+": "add", "plus": "add", "addition": "add", "sum": "add",
	"-": "sub", "minus": "sub", "subtract": "sub", "subtraction": "sub",
	"*": "mul", "x": "mul", "times": "mul", "multiply": "mul", "multiplication": "mul",
	"/": "div", "divide": "div", "division": "div",
}

func normalizeOperation(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operationAliases[op]; ok {
		return alias
	}
	return op
}

// stripCodeFence removes a ```json fence some models wrap arguments in.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// clampInt returns v limited to [min, max].
func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
