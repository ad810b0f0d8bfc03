package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/amonks/workcell/internal/state"
)

func TestEventFormatterPlain(t *testing.T) {
	f := NewEventFormatter(60, false)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	got := f.Format(state.Event{
		Kind:      state.EventKindStatusChange,
		Content:   "Session completed",
		Metadata:  map[string]any{"from": "pushing", "status": "completed"},
		CreatedAt: at,
	})
	want := at.Local().Format(time.TimeOnly) + " status: Session completed"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got = f.Format(state.Event{Kind: state.EventKindGitOperation, Content: "Pushed abc to main", CreatedAt: at})
	if !strings.HasSuffix(got, " git: Pushed abc to main") {
		t.Fatalf("unexpected git line %q", got)
	}
}

func TestEventFormatterWrapsLongContent(t *testing.T) {
	f := NewEventFormatter(40, false)
	got := f.Format(state.Event{
		Kind:    state.EventKindAgentAction,
		Content: "Using tool: Bash with a command line that is far too long for one terminal line",
	})
	lines := strings.Split(got, "\n")
	if len(lines) < 2 {
		t.Fatalf("expected wrapped output, got %q", got)
	}
	for _, line := range lines[1:] {
		if !strings.HasPrefix(line, strings.Repeat(" ", eventIndent)) {
			t.Fatalf("expected continuation indent, got %q", line)
		}
	}
}

func TestEventFormatterLimitsOutput(t *testing.T) {
	f := NewEventFormatter(80, false)
	var lines []string
	for i := 0; i < outputLineLimit+5; i++ {
		lines = append(lines, "ok")
	}
	got := f.Format(state.Event{Kind: state.EventKindCommandOutput, Content: strings.Join(lines, "\n")})
	if !strings.Contains(got, "... 5 more lines") {
		t.Fatalf("expected truncated output, got %q", got)
	}
	if strings.Count(got, "ok") != outputLineLimit {
		t.Fatalf("expected %d output lines, got %d", outputLineLimit, strings.Count(got, "ok"))
	}
}

func TestEventFormatterRendersAgentMarkdown(t *testing.T) {
	f := NewEventFormatter(80, false)
	got := f.Format(state.Event{Kind: state.EventKindAgentMessage, Content: "I fixed the `Makefile`."})
	parts := strings.SplitN(got, "\n", 2)
	if len(parts) != 2 || !strings.HasSuffix(parts[0], "agent:") {
		t.Fatalf("expected header then body, got %q", got)
	}
	if !strings.Contains(parts[1], "Makefile") || !strings.HasPrefix(parts[1], strings.Repeat(" ", eventIndent)) {
		t.Fatalf("expected indented markdown body, got %q", parts[1])
	}
}
