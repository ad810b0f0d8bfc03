package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	internalstrings "github.com/amonks/workcell/internal/strings"
)

// SummaryLimit bounds the length of a ToolUse summary.
const SummaryLimit = 200

// Decode converts one line of agent output into a Message.
//
// Lines that parse as JSON objects are classified by their "type" field.
// Non-JSON text becomes an Assistant message. Blank lines and malformed JSON
// objects report ok=false.
func Decode(line string) (Message, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil || record == nil {
		if strings.HasPrefix(trimmed, "{") {
			return nil, false
		}
		return Assistant{Text: trimmed}, true
	}

	kind, _ := record["type"].(string)
	switch kind {
	case TypeAssistant:
		return Assistant{Text: extractText(record)}, true
	case TypeToolUse:
		return decodeToolUse(record), true
	case TypeToolResult:
		return ToolResult{Output: extractToolOutput(record)}, true
	case TypeResult:
		return decodeResult(record), true
	case TypeError:
		return Error{Message: extractError(record)}, true
	case TypeSystem:
		return decodeSystem(record), true
	default:
		return Unknown{Type: kind, Content: extractUnknown(record)}, true
	}
}

func decodeToolUse(record map[string]any) ToolUse {
	name := firstString(record, "tool", "name")
	if name == "" {
		name = "unknown"
	}
	input, ok := record["input"]
	if !ok {
		input = record["tool_input"]
	}
	return ToolUse{
		Tool:    name,
		Input:   input,
		Summary: internalstrings.Truncate(summarizeInput(input), SummaryLimit),
	}
}

func summarizeInput(input any) string {
	switch value := input.(type) {
	case nil:
		return ""
	case string:
		return value
	case map[string]any:
		if command, ok := value["command"]; ok {
			return "Command: " + stringify(command)
		}
		if path, ok := value["file_path"]; ok {
			if _, writes := value["content"]; writes {
				return "Write: " + stringify(path)
			}
			return "Read: " + stringify(path)
		}
		if path, ok := value["path"]; ok {
			return "Path: " + stringify(path)
		}
		if pattern, ok := value["pattern"]; ok {
			return "Search: " + stringify(pattern)
		}
		return encode(value)
	default:
		return encode(value)
	}
}

func decodeResult(record map[string]any) Result {
	result := Result{Text: firstString(record, "result")}
	if result.Text == "" {
		result.Text = extractText(record)
	}
	for _, key := range []string{"cost_usd", "total_cost_usd", "cost"} {
		if cost, ok := number(record[key]); ok && cost != 0 {
			result.CostUSD = cost
			break
		}
	}

	input, hasInput := number(record["input_tokens"])
	output, hasOutput := number(record["output_tokens"])
	if usage, ok := record["usage"].(map[string]any); ok {
		if !hasInput {
			input, _ = number(usage["input_tokens"])
		}
		if !hasOutput {
			output, _ = number(usage["output_tokens"])
		}
	}
	result.InputTokens = int64(input)
	result.OutputTokens = int64(output)
	return result
}

func decodeSystem(record map[string]any) System {
	message := firstString(record, "message")
	if message == "" {
		message = textFrom(record["content"])
	}
	subtype := firstString(record, "subtype")
	switch {
	case subtype != "" && message != "":
		message = subtype + ": " + message
	case subtype != "":
		message = subtype
	}
	return System{Message: message}
}

func extractError(record map[string]any) string {
	switch value := record["error"].(type) {
	case string:
		if value != "" {
			return value
		}
	case map[string]any:
		if message := firstString(value, "message"); message != "" {
			return message
		}
		return encode(value)
	}
	if message := firstString(record, "message"); message != "" {
		return message
	}
	return encode(record)
}

func extractUnknown(record map[string]any) string {
	if text := textFrom(record["content"]); text != "" {
		return text
	}
	if value, ok := record["message"]; ok && value != nil {
		if nested, ok := value.(map[string]any); ok {
			if text := extractText(nested); text != "" {
				return text
			}
			return encode(nested)
		}
		return stringify(value)
	}
	return ""
}

// extractText finds the human-readable text of a record.
func extractText(record map[string]any) string {
	if text := textFrom(record["content"]); text != "" {
		return text
	}
	switch message := record["message"].(type) {
	case string:
		if message != "" {
			return message
		}
	case map[string]any:
		if text := extractText(message); text != "" {
			return text
		}
	}
	if text, ok := record["text"].(string); ok {
		return text
	}
	return ""
}

func textFrom(value any) string {
	switch content := value.(type) {
	case string:
		return content
	case []any:
		parts := make([]string, 0, len(content))
		for _, block := range content {
			switch b := block.(type) {
			case string:
				parts = append(parts, b)
			case map[string]any:
				kind, _ := b["type"].(string)
				text, hasText := b["text"].(string)
				if hasText && (kind == "" || kind == "text") {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func extractToolOutput(record map[string]any) string {
	value, ok := record["output"]
	if !ok {
		value = record["content"]
	}
	switch output := value.(type) {
	case nil:
		return ""
	case string:
		return output
	case []any:
		parts := make([]string, 0, len(output))
		for _, block := range output {
			if b, ok := block.(map[string]any); ok {
				if text, ok := b["text"]; ok {
					parts = append(parts, stringify(text))
					continue
				}
				if content, ok := b["content"]; ok {
					parts = append(parts, stringify(content))
					continue
				}
				parts = append(parts, encode(b))
				continue
			}
			parts = append(parts, stringify(block))
		}
		return strings.Join(parts, "\n")
	default:
		return stringify(output)
	}
}

func firstString(record map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := record[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func number(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool:
		return fmt.Sprint(v)
	default:
		return encode(v)
	}
}

func encode(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}
