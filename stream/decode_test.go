package stream

import (
	"reflect"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "assistant content string",
			line: `{"type":"assistant","content":"hello"}`,
			want: Assistant{Text: "hello"},
		},
		{
			name: "plain text",
			line: "build succeeded",
			want: Assistant{Text: "build succeeded"},
		},
		{
			name: "plain text is trimmed",
			line: "  build succeeded \r",
			want: Assistant{Text: "build succeeded"},
		},
		{
			name: "assistant content blocks",
			line: `{"type":"assistant","content":[{"type":"text","text":"one"},"two",{"type":"image","text":"skip"}]}`,
			want: Assistant{Text: "one\ntwo"},
		},
		{
			name: "assistant nested message",
			line: `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"nested"}]}}`,
			want: Assistant{Text: "nested"},
		},
		{
			name: "assistant message string",
			line: `{"type":"assistant","message":"from message"}`,
			want: Assistant{Text: "from message"},
		},
		{
			name: "assistant text field",
			line: `{"type":"assistant","text":"from text"}`,
			want: Assistant{Text: "from text"},
		},
		{
			name: "tool result string",
			line: `{"type":"tool_result","output":"ok"}`,
			want: ToolResult{Output: "ok"},
		},
		{
			name: "tool result list",
			line: `{"type":"tool_result","content":[{"text":"a"},{"content":"b"},"c"]}`,
			want: ToolResult{Output: "a\nb\nc"},
		},
		{
			name: "result flat tokens",
			line: `{"type":"result","result":"done","cost_usd":0.0125,"input_tokens":100,"output_tokens":20}`,
			want: Result{Text: "done", CostUSD: 0.0125, InputTokens: 100, OutputTokens: 20},
		},
		{
			name: "result usage tokens",
			line: `{"type":"result","subtype":"success","result":"done","total_cost_usd":0.5,"usage":{"input_tokens":7,"output_tokens":3}}`,
			want: Result{Text: "done", CostUSD: 0.5, InputTokens: 7, OutputTokens: 3},
		},
		{
			name: "result without result field",
			line: `{"type":"result","content":"summary","cost":1}`,
			want: Result{Text: "summary", CostUSD: 1},
		},
		{
			name: "error string",
			line: `{"type":"error","error":"rate limited"}`,
			want: Error{Message: "rate limited"},
		},
		{
			name: "error object",
			line: `{"type":"error","error":{"type":"overloaded","message":"try later"}}`,
			want: Error{Message: "try later"},
		},
		{
			name: "error message field",
			line: `{"type":"error","message":"boom"}`,
			want: Error{Message: "boom"},
		},
		{
			name: "system with subtype",
			line: `{"type":"system","subtype":"init","message":"ready"}`,
			want: System{Message: "init: ready"},
		},
		{
			name: "system subtype only",
			line: `{"type":"system","subtype":"init","session_id":"abc"}`,
			want: System{Message: "init"},
		},
		{
			name: "unknown kind",
			line: `{"type":"progress","content":"50%"}`,
			want: Unknown{Type: "progress", Content: "50%"},
		},
		{
			name: "missing type",
			line: `{"message":"orphan"}`,
			want: Unknown{Type: "", Content: "orphan"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Decode(tc.line)
			if !ok {
				t.Fatalf("expected line to decode")
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %#v, got %#v", tc.want, got)
			}
		})
	}
}

func TestDecodeSkips(t *testing.T) {
	for _, line := range []string{"", "   ", "{", `{"type":"assistant"`} {
		if msg, ok := Decode(line); ok {
			t.Fatalf("expected %q to be skipped, got %#v", line, msg)
		}
	}
}

func TestDecodeToolUseSummary(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		tool    string
		summary string
	}{
		{
			name:    "command",
			line:    `{"type":"tool_use","tool":"Bash","input":{"command":"go test ./..."}}`,
			tool:    "Bash",
			summary: "Command: go test ./...",
		},
		{
			name:    "write",
			line:    `{"type":"tool_use","name":"Write","input":{"file_path":"README.md","content":"# hi"}}`,
			tool:    "Write",
			summary: "Write: README.md",
		},
		{
			name:    "read",
			line:    `{"type":"tool_use","name":"Read","input":{"file_path":"main.go"}}`,
			tool:    "Read",
			summary: "Read: main.go",
		},
		{
			name:    "path",
			line:    `{"type":"tool_use","name":"LS","input":{"path":"/workspace"}}`,
			tool:    "LS",
			summary: "Path: /workspace",
		},
		{
			name:    "pattern",
			line:    `{"type":"tool_use","name":"Grep","tool_input":{"pattern":"TODO"}}`,
			tool:    "Grep",
			summary: "Search: TODO",
		},
		{
			name:    "other object",
			line:    `{"type":"tool_use","name":"Web","input":{"url":"https://example.com"}}`,
			tool:    "Web",
			summary: `{"url":"https://example.com"}`,
		},
		{
			name:    "string input",
			line:    `{"type":"tool_use","input":"raw"}`,
			tool:    "unknown",
			summary: "raw",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := Decode(tc.line)
			if !ok {
				t.Fatalf("expected line to decode")
			}
			use, ok := msg.(ToolUse)
			if !ok {
				t.Fatalf("expected ToolUse, got %T", msg)
			}
			if use.Tool != tc.tool {
				t.Fatalf("expected tool %q, got %q", tc.tool, use.Tool)
			}
			if use.Summary != tc.summary {
				t.Fatalf("expected summary %q, got %q", tc.summary, use.Summary)
			}
		})
	}
}

func TestDecodeToolUseSummaryTruncated(t *testing.T) {
	command := strings.Repeat("x", 500)
	msg, ok := Decode(`{"type":"tool_use","name":"Bash","input":{"command":"` + command + `"}}`)
	if !ok {
		t.Fatalf("expected line to decode")
	}
	use := msg.(ToolUse)
	if len(use.Summary) != SummaryLimit {
		t.Fatalf("expected summary of %d characters, got %d", SummaryLimit, len(use.Summary))
	}
}

func TestMessageKind(t *testing.T) {
	if got := (Unknown{Type: "progress"}).Kind(); got != "progress" {
		t.Fatalf("expected progress, got %q", got)
	}
	if got := (Result{}).Kind(); got != TypeResult {
		t.Fatalf("expected %q, got %q", TypeResult, got)
	}
	if got := (Result{InputTokens: 4, OutputTokens: 6}).TotalTokens(); got != 10 {
		t.Fatalf("expected 10 tokens, got %d", got)
	}
}
