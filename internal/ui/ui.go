// Package ui provides terminal output styling for the sxs CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Studaxis color palette
var (
	ColorAccent  = lipgloss.Color("#7C6FF0") // violet - brand accent
	ColorSuccess = lipgloss.Color("#3FB68B") // green - synced
	ColorWarning = lipgloss.Color("#F4D03F") // amber - pending, deferred
	ColorError   = lipgloss.Color("#E74C3C") // red - failed
	ColorMuted   = lipgloss.Color("#6C7A89") // gray - secondary text
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Accent  lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Accent:  lipgloss.NewStyle().Foreground(ColorAccent),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
}

// plain is true when the terminal cannot render color (dumb terminals,
// piped output).
var plain = termenv.EnvColorProfile() == termenv.Ascii

// RenderPass styles a success message.
func RenderPass(s string) string {
	if plain {
		return s
	}
	return Styles.Success.Render(s)
}

// RenderWarn styles a warning message.
func RenderWarn(s string) string {
	if plain {
		return s
	}
	return Styles.Warning.Render(s)
}

// RenderFail styles an error message.
func RenderFail(s string) string {
	if plain {
		return s
	}
	return Styles.Error.Render(s)
}

// RenderAccent styles a highlighted value.
func RenderAccent(s string) string {
	if plain {
		return s
	}
	return Styles.Accent.Render(s)
}

// RenderMuted styles secondary text.
func RenderMuted(s string) string {
	if plain {
		return s
	}
	return Styles.Muted.Render(s)
}

// StatusBadge renders a sync status with its conventional color.
func StatusBadge(status string) string {
	switch status {
	case "synced", "no_work":
		return RenderPass(status)
	case "pending", "deferred":
		return RenderWarn(status)
	case "failed", "error":
		return RenderFail(status)
	default:
		return status
	}
}
