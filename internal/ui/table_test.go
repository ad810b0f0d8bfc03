package ui

import (
	"strings"
	"testing"
)

func TestFormatTableAlignsColumns(t *testing.T) {
	builder := NewTableBuilder([]string{"ID", "STATUS", "TASK"}, 2)
	builder.AddRow("sess-1", "running", "fix the build")
	builder.AddRow("sess-10", "completed", "add tests")

	want := "" +
		"ID       STATUS     TASK\n" +
		"sess-1   running    fix the build\n" +
		"sess-10  completed  add tests\n"
	if got := builder.String(); got != want {
		t.Fatalf("expected aligned table:\n%s\ngot:\n%s", want, got)
	}
}

func TestFormatTableIgnoresANSIWidth(t *testing.T) {
	styled := "\x1b[1mab\x1b[0m"
	got := FormatTable([]string{"A", "B"}, [][]string{{styled, "x"}, {"abcd", "y"}})
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if lines[1] != styled+"    x" {
		t.Fatalf("expected styled cell padded by visible width, got %q", lines[1])
	}
}

func TestTruncateTableCell(t *testing.T) {
	value := strings.Repeat("a", tableCellMaxWidth-1) + "é"
	if got := TruncateTableCell(value); got != value {
		t.Fatalf("expected value to remain untruncated, got %q", got)
	}

	if got := TruncateTableCell("Hello\nWorld\r\nAgain\tTab"); got != "Hello World Again Tab" {
		t.Fatalf("expected line breaks to normalize, got %q", got)
	}

	long := TruncateTableCell(strings.Repeat("b", tableCellMaxWidth+10))
	if !strings.HasSuffix(long, tableCellEllipsis) || len(long) != tableCellMaxWidth {
		t.Fatalf("expected truncated cell of %d, got %d: %q", tableCellMaxWidth, len(long), long)
	}
}
