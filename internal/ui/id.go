package ui

import (
	"strings"

	"github.com/amonks/workcell/internal/ids"
	"github.com/charmbracelet/lipgloss"
)

var idPrefixStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

// HighlightID returns id with its unique prefix emphasized when color is on.
func HighlightID(id string, prefixLen int, color bool) string {
	if !color || id == "" || prefixLen <= 0 || prefixLen > len(id) {
		return id
	}
	return idPrefixStyle.Render(id[:prefixLen]) + id[prefixLen:]
}

// PrefixLengths returns the shortest unique prefix length of each ID, keyed
// by lowercased ID.
func PrefixLengths(values []string) map[string]int {
	return ids.UniquePrefixLengths(values)
}

// PrefixLength looks up id in lengths case-insensitively.
func PrefixLength(lengths map[string]int, id string) int {
	if lengths == nil || id == "" {
		return 0
	}
	return lengths[strings.ToLower(id)]
}
