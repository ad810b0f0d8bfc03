package agent

import (
	"fmt"
	"strings"

	"github.com/amonks/workcell/internal/state"
	internalstrings "github.com/amonks/workcell/internal/strings"
	"github.com/amonks/workcell/stream"
)

// aggregator folds decoded messages into a Result and maps each one to the
// event it produces.
type aggregator struct {
	mode         Mode
	lastText     string
	inputTokens  int64
	outputTokens int64
	costUSD      float64
	toolUses     int
	exitCode     int
}

func (a *aggregator) observe(msg stream.Message) (Event, bool) {
	switch m := msg.(type) {
	case stream.Assistant:
		if m.Text == "" {
			return Event{}, false
		}
		a.lastText = m.Text
		return Event{Kind: state.EventKindAgentMessage, Content: m.Text}, true

	case stream.ToolUse:
		a.toolUses++
		return Event{
			Kind:     state.EventKindAgentAction,
			Content:  fmt.Sprintf("Tool: %s - %s", m.Tool, m.Summary),
			Metadata: map[string]any{"tool": m.Tool},
		}, true

	case stream.ToolResult:
		if m.Output == "" {
			return Event{}, false
		}
		return Event{Kind: state.EventKindCommandOutput, Content: internalstrings.Truncate(m.Output, outputLimit)}, true

	case stream.Result:
		if m.Text != "" {
			a.lastText = m.Text
		}
		a.inputTokens = m.InputTokens
		a.outputTokens = m.OutputTokens
		if m.CostUSD != 0 {
			a.costUSD = m.CostUSD
		}
		var parts []string
		if m.CostUSD != 0 {
			parts = append(parts, fmt.Sprintf("Cost: $%.4f", m.CostUSD))
		}
		if tokens := m.TotalTokens(); tokens != 0 {
			parts = append(parts, fmt.Sprintf("Tokens: %d", tokens))
		}
		if len(parts) == 0 {
			return Event{}, false
		}
		return Event{
			Kind:    state.EventKindAgentMessage,
			Content: "Session stats: " + strings.Join(parts, ", "),
			Metadata: map[string]any{
				"cost_usd":      m.CostUSD,
				"input_tokens":  m.InputTokens,
				"output_tokens": m.OutputTokens,
			},
		}, true

	case stream.Error:
		return Event{Kind: state.EventKindError, Content: m.Message}, true

	case stream.System:
		if m.Message == "" {
			return Event{}, false
		}
		return Event{Kind: state.EventKindAgentMessage, Content: "[system] " + m.Message}, true

	case stream.Unknown:
		if m.Content == "" {
			return Event{}, false
		}
		return Event{Kind: state.EventKindAgentMessage, Content: internalstrings.Truncate(m.Content, unknownLimit)}, true
	}
	return Event{}, false
}

func (a *aggregator) result() Result {
	success := a.exitCode == 0
	summary := internalstrings.Truncate(a.lastText, summaryLimit)
	if summary == "" {
		status := "Agent completed successfully"
		if !success {
			status = fmt.Sprintf("Agent exited with code %d", a.exitCode)
		}
		summary = fmt.Sprintf("%s. Tool calls: %d", status, a.toolUses)
	}
	return Result{
		Success:      success,
		Summary:      summary,
		TokensUsed:   a.inputTokens + a.outputTokens,
		InputTokens:  a.inputTokens,
		OutputTokens: a.outputTokens,
		CostUSD:      a.costUSD,
		ExitCode:     a.exitCode,
		ToolUses:     a.toolUses,
		Mode:         a.mode,
	}
}

// stopped returns the partial result of a run that did not reach an exit status.
func (a *aggregator) stopped() Result {
	a.exitCode = -1
	return a.result()
}
