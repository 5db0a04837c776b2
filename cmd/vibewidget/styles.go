package main

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BC34A"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#e53935"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFC107"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#2196F3"))

	mutedStyle = lipgloss.NewStyle().
			Faint(true)

	addedLineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BC34A"))

	removedLineStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#e53935"))
)
