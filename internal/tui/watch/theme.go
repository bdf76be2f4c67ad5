// Package watch implements the accession system watch TUI. It follows the
// operator API: supervisor status is polled and tree-change notifications
// arrive over the /events stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles used by every panel.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPaused  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#5FAFD7")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#D7D75F")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#D75F5F")),
		StatusPaused:  lipgloss.NewStyle().Foreground(lipgloss.Color("#AF87D7")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EEEEEE")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF5F")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
