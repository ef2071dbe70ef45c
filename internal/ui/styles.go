// Package ui renders aptrack output for terminals: tables, interactive
// forms and the live watch screen.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Theme defines the palette.
type Theme struct {
	Text    string
	Muted   string
	Accent  string
	Success string
	Warning string
	Danger  string
}

// DefaultTheme is a Dracula-like palette.
var DefaultTheme = Theme{
	Text:    "#f8f8f2",
	Muted:   "#6272a4",
	Accent:  "#bd93f9",
	Success: "#50fa7b",
	Warning: "#f1fa8c",
	Danger:  "#ff5555",
}

// Styles holds the lipgloss styles derived from a Theme.
type Styles struct {
	Header  lipgloss.Style
	Text    lipgloss.Style
	Muted   lipgloss.Style
	Accent  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Danger  lipgloss.Style
}

// Styles returns lipgloss styles for this theme rendered by r.
func (t Theme) Styles(r *lipgloss.Renderer) Styles {
	return Styles{
		Header:  r.NewStyle().Foreground(lipgloss.Color(t.Accent)).Bold(true),
		Text:    r.NewStyle().Foreground(lipgloss.Color(t.Text)),
		Muted:   r.NewStyle().Foreground(lipgloss.Color(t.Muted)),
		Accent:  r.NewStyle().Foreground(lipgloss.Color(t.Accent)),
		Success: r.NewStyle().Foreground(lipgloss.Color(t.Success)).Bold(true),
		Warning: r.NewStyle().Foreground(lipgloss.Color(t.Warning)),
		Danger:  r.NewStyle().Foreground(lipgloss.Color(t.Danger)).Bold(true),
	}
}

// NewRenderer returns a renderer for w. Color is disabled when noColor is
// set, NO_COLOR is present, or w is not a terminal.
func NewRenderer(w io.Writer, noColor bool) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if noColor || os.Getenv("NO_COLOR") != "" || !IsTerminal(w) {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Interactive reports whether both stdin and stdout are terminals, which
// forms and the watch screen need.
func Interactive() bool {
	return IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}
