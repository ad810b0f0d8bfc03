// Package stream decodes the line-oriented structured output of a coding
// agent into typed messages.
package stream

// Message is one decoded agent output record. The set of implementations is
// closed: Assistant, ToolUse, ToolResult, Result, Error, System and Unknown.
type Message interface {
	// Kind returns the wire type the message was decoded from.
	Kind() string
	isMessage()
}

// Assistant is prose written by the agent.
type Assistant struct {
	Text string
}

// ToolUse records the agent invoking a tool.
type ToolUse struct {
	Tool    string
	Input   any
	Summary string
}

// ToolResult carries the output a tool returned to the agent.
type ToolResult struct {
	Output string
}

// Result is the agent's final summary record, with usage counters when the
// agent reports them.
type Result struct {
	Text         string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// Error is an error the agent reported on its stream.
type Error struct {
	Message string
}

// System is an informational record from the agent runtime.
type System struct {
	Message string
}

// Unknown is a well-formed record with an unrecognized type.
type Unknown struct {
	Type    string
	Content string
}

func (Assistant) Kind() string  { return TypeAssistant }
func (ToolUse) Kind() string    { return TypeToolUse }
func (ToolResult) Kind() string { return TypeToolResult }
func (Result) Kind() string     { return TypeResult }
func (Error) Kind() string      { return TypeError }
func (System) Kind() string     { return TypeSystem }
func (u Unknown) Kind() string  { return u.Type }

func (Assistant) isMessage()  {}
func (ToolUse) isMessage()    {}
func (ToolResult) isMessage() {}
func (Result) isMessage()     {}
func (Error) isMessage()      {}
func (System) isMessage()     {}
func (Unknown) isMessage()    {}

// Wire type names.
const (
	TypeAssistant  = "assistant"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeResult     = "result"
	TypeError      = "error"
	TypeSystem     = "system"
)

// TotalTokens returns the combined input and output token count.
func (r Result) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}
