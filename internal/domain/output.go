package domain

import (
	"encoding/json"
	"strings"
)

// ParseAgentStdout extracts the agent's structured result from container
// logs. It scans non-empty lines from the end for a JSON object or array,
// then falls back to parsing the whole output, then to wrapping the raw
// text.
func ParseAgentStdout(logs string) map[string]any {
	lines := strings.Split(logs, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") && !strings.HasPrefix(line, "[") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			return obj
		}
	}
	trimmed := strings.TrimSpace(logs)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj
		}
	}
	return map[string]any{"raw_stdout": logs}
}

// NormalizeAgentOutput reduces the parsed stdout object to the agent
// output payload plus any inline trajectory. Understood shapes: a native
// {"output": ..., "trajectory": [...]} object, an OpenAI chat completion,
// and an OpenResponses result.
func NormalizeAgentOutput(parsed map[string]any) (map[string]any, []TrajectoryStep) {
	if parsed == nil {
		return nil, nil
	}

	if out, ok := parsed["output"]; ok {
		// An output list is the OpenResponses shape, handled below.
		if _, isList := out.([]any); !isList {
			return asOutputObject(out), trajectoryFromValue(parsed["trajectory"])
		}
	}

	// OpenAI chat completion shape.
	if choices, ok := parsed["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok {
					return map[string]any{"content": content}, nil
				}
			}
		}
	}

	// OpenResponses shape: output items each carrying content[].text.
	if items, ok := parsed["output"].([]any); ok {
		if text := joinResponseText(items); text != "" {
			return map[string]any{"content": text}, nil
		}
	}
	if items, ok := parsed["response"].(map[string]any); ok {
		if inner, ok := items["output"].([]any); ok {
			if text := joinResponseText(inner); text != "" {
				return map[string]any{"content": text}, nil
			}
		}
	}

	return parsed, nil
}

func asOutputObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": v}
}

func trajectoryFromValue(v any) []TrajectoryStep {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	var steps []TrajectoryStep
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil
	}
	return steps
}

func joinResponseText(items []any) string {
	var parts []string
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		contents, ok := m["content"].([]any)
		if !ok {
			continue
		}
		for _, c := range contents {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := cm["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
