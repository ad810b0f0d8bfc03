package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/amonks/workcell/internal/markdown"
	"github.com/amonks/workcell/internal/state"
	internalstrings "github.com/amonks/workcell/internal/strings"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

const (
	eventIndent      = 11
	outputLineLimit  = 40
	defaultLineWidth = 100
)

// EventFormatter renders session events as terminal lines.
type EventFormatter struct {
	width  int
	color  bool
	styles eventStyles
}

type eventStyles struct {
	timestamp lipgloss.Style
	label     lipgloss.Style
	status    lipgloss.Style
	failure   lipgloss.Style
	success   lipgloss.Style
	dim       lipgloss.Style
}

// NewEventFormatter returns a formatter wrapping at width. Styling is
// applied only when color is set.
func NewEventFormatter(width int, color bool) *EventFormatter {
	if width <= eventIndent {
		width = defaultLineWidth
	}
	f := &EventFormatter{width: width, color: color}
	if color {
		f.styles = eventStyles{
			timestamp: lipgloss.NewStyle().Faint(true),
			label:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33")),
			status:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
			failure:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
			success:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
			dim:       lipgloss.NewStyle().Faint(true),
		}
	}
	return f
}

// Format renders one event. The result ends without a newline.
func (f *EventFormatter) Format(event state.Event) string {
	header := fmt.Sprintf("%s %s", f.render(f.styles.timestamp, event.CreatedAt.Local().Format(time.TimeOnly)), f.label(event))

	switch event.Kind {
	case state.EventKindAgentMessage:
		body := markdown.SafeRender(f.width, eventIndent, []byte(event.Content))
		if len(body) == 0 {
			return header
		}
		return header + "\n" + string(body)
	case state.EventKindCommandOutput:
		return header + "\n" + f.block(limitLines(event.Content, outputLineLimit), f.styles.dim)
	case state.EventKindStatusChange:
		return header + " " + f.render(f.statusStyle(event), event.Content)
	case state.EventKindError:
		return header + " " + f.render(f.styles.failure, f.wrapInline(event.Content))
	default:
		return header + " " + f.wrapInline(event.Content)
	}
}

func (f *EventFormatter) label(event state.Event) string {
	var label string
	switch event.Kind {
	case state.EventKindStatusChange:
		label = "status"
	case state.EventKindUserMessage:
		label = "task"
	case state.EventKindAgentMessage:
		label = "agent"
	case state.EventKindAgentAction:
		label = "tool"
	case state.EventKindFileChange:
		label = "file"
	case state.EventKindCommandExec:
		label = "exec"
	case state.EventKindCommandOutput:
		label = "output"
	case state.EventKindGitOperation:
		label = "git"
	case state.EventKindContainerLog:
		label = "container"
	case state.EventKindError:
		label = "error"
	default:
		label = string(event.Kind)
	}
	return f.render(f.styles.label, label+":")
}

func (f *EventFormatter) statusStyle(event state.Event) lipgloss.Style {
	status, _ := event.Metadata["status"].(string)
	switch state.SessionStatus(status) {
	case state.SessionStatusCompleted:
		return f.styles.success
	case state.SessionStatusFailed, state.SessionStatusTimedOut, state.SessionStatusCancelled:
		return f.styles.failure
	default:
		return f.styles.status
	}
}

// wrapInline wraps content that follows the header on the same line.
func (f *EventFormatter) wrapInline(content string) string {
	content = internalstrings.NormalizeWhitespace(content)
	wrapped := wordwrap.String(content, f.width-eventIndent)
	lines := strings.Split(wrapped, "\n")
	for i := 1; i < len(lines); i++ {
		lines[i] = strings.Repeat(" ", eventIndent) + lines[i]
	}
	return strings.Join(lines, "\n")
}

func (f *EventFormatter) block(content string, style lipgloss.Style) string {
	content = internalstrings.TrimTrailingNewlines(internalstrings.NormalizeNewlines(content))
	if strings.TrimSpace(content) == "" {
		content = "-"
	}
	wrapped := wordwrap.String(content, f.width-eventIndent)
	return f.render(style, indent.String(wrapped, eventIndent))
}

func (f *EventFormatter) render(style lipgloss.Style, value string) string {
	if !f.color {
		return value
	}
	return style.Render(value)
}

func limitLines(content string, limit int) string {
	lines := strings.Split(internalstrings.TrimTrailingNewlines(internalstrings.NormalizeNewlines(content)), "\n")
	if len(lines) <= limit {
		return strings.Join(lines, "\n")
	}
	hidden := len(lines) - limit
	return strings.Join(lines[:limit], "\n") + fmt.Sprintf("\n... %d more lines", hidden)
}
