package main

import "github.com/charmbracelet/lipgloss"

var (
	primary = lipgloss.Color("#7C3AED")
	green   = lipgloss.Color("#10B981")
	red     = lipgloss.Color("#EF4444")
	yellow  = lipgloss.Color("#F59E0B")
	dim     = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).MarginBottom(1)
	okStyle    = lipgloss.NewStyle().Foreground(green).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(red).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(yellow)
	dimStyle   = lipgloss.NewStyle().Foreground(dim)
	keyStyle   = lipgloss.NewStyle().Foreground(dim).Width(16)
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(primary)
)

func statusText(status string) string {
	switch status {
	case "completed":
		return okStyle.Render(status)
	case "failed":
		return failStyle.Render(status)
	case "running":
		return warnStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}
