// Package markdown renders agent prose for the terminal.
package markdown

import (
	"strings"
	"sync"

	internalstrings "github.com/amonks/workcell/internal/strings"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/muesli/reflow/indent"
)

type renderer interface {
	Render(string) (string, error)
}

var (
	rendererMu sync.Mutex
	renderers  = map[int]renderer{}
)

// Render formats markdown wrapped to width with every line indented. Text
// the renderer rejects is returned as written.
func Render(width, indentWidth int, input []byte) []byte {
	value := internalstrings.TrimTrailingNewlines(internalstrings.NormalizeNewlines(string(input)))
	if strings.TrimSpace(value) == "" {
		return nil
	}
	if indentWidth < 0 {
		indentWidth = 0
	}
	renderWidth := max(width-indentWidth, 1)

	rendered := value
	if r := markdownRenderer(renderWidth); r != nil {
		if formatted, err := r.Render(value); err == nil {
			rendered = formatted
		}
	}
	rendered = strings.Trim(rendered, "\n")
	if strings.TrimSpace(rendered) == "" {
		return nil
	}
	if indentWidth == 0 {
		return []byte(rendered)
	}
	return []byte(indent.String(rendered, uint(indentWidth)))
}

// SafeRender is Render that falls back to the input if the renderer panics.
func SafeRender(width, indentWidth int, input []byte) (out []byte) {
	defer func() {
		if recover() != nil {
			out = []byte(internalstrings.TrimTrailingNewlines(internalstrings.NormalizeNewlines(string(input))))
		}
	}()
	return Render(width, indentWidth, input)
}

func markdownRenderer(width int) renderer {
	rendererMu.Lock()
	defer rendererMu.Unlock()
	if cached, ok := renderers[width]; ok {
		return cached
	}
	style := styles.ASCIIStyleConfig
	style.Document.Margin = nil
	style.Item.BlockPrefix = "- "
	created, err := glamour.NewTermRenderer(
		glamour.WithStyles(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	renderers[width] = created
	return created
}
