package markdown

import (
	"strings"
	"testing"
)

type panicRenderer struct{}

func (panicRenderer) Render(string) (string, error) {
	panic("boom")
}

func TestSafeRender_RecoversFromRendererPanic(t *testing.T) {
	const renderWidth = 20

	rendererMu.Lock()
	prev, hadPrev := renderers[renderWidth]
	renderers[renderWidth] = panicRenderer{}
	rendererMu.Unlock()

	defer func() {
		rendererMu.Lock()
		if hadPrev {
			renderers[renderWidth] = prev
		} else {
			delete(renderers, renderWidth)
		}
		rendererMu.Unlock()
	}()

	out := SafeRender(renderWidth, 0, []byte("hello\n"))
	if string(out) != "hello" {
		t.Fatalf("expected fallback to original markdown, got %q", string(out))
	}
}

func TestRender_IndentsEveryLine(t *testing.T) {
	out := string(Render(30, 4, []byte("The build failed because the linker could not find the symbol.\n\n- first\n- second\n")))
	if out == "" {
		t.Fatal("expected output")
	}
	for _, line := range strings.Split(out, "\n") {
		if line != "" && !strings.HasPrefix(line, "    ") {
			t.Fatalf("expected indented line, got %q in %q", line, out)
		}
	}
	if !strings.Contains(out, "- first") {
		t.Fatalf("expected list item, got %q", out)
	}
}

func TestRender_Blank(t *testing.T) {
	if out := Render(40, 0, []byte(" \r\n\n")); out != nil {
		t.Fatalf("expected nil for blank input, got %q", out)
	}
}
