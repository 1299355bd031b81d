// Package watch implements the live alert monitor behind `critvals system watch`.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/critvals/internal/thresholds"
)

// Theme keeps every colour used by the monitor in one place.
type Theme struct {
	StatusOK     lipgloss.Style
	StatusWarn   lipgloss.Style
	StatusFailed lipgloss.Style

	Critical lipgloss.Style
	High     lipgloss.Style
	Moderate lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusWarn:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Critical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF3B30")),
		High:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF9500")),
		Moderate: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD60A")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// SeverityStyle colours a severity label.
func (t Theme) SeverityStyle(sev thresholds.Severity) lipgloss.Style {
	switch sev {
	case thresholds.SeverityCritical:
		return t.Critical
	case thresholds.SeverityHigh:
		return t.High
	case thresholds.SeverityModerate:
		return t.Moderate
	}
	return t.Dim
}
