package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	blueText   = lipgloss.NewStyle().Foreground(lipgloss.Color("#3498db"))
	violetText = lipgloss.NewStyle().Foreground(lipgloss.Color("#e056fd"))
	greenText  = lipgloss.NewStyle().Foreground(lipgloss.Color("#2ecc71"))
	redText    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c"))
	headerText = lipgloss.NewStyle().Bold(true).Underline(true)
)

func blue(format string, a ...any) string {
	return blueText.Render(fmt.Sprintf(format, a...))
}

func violet(format string, a ...any) string {
	return violetText.Render(fmt.Sprintf(format, a...))
}

func green(format string, a ...any) string {
	return greenText.Render(fmt.Sprintf(format, a...))
}

func red(format string, a ...any) string {
	return redText.Render(fmt.Sprintf(format, a...))
}

func header(format string, a ...any) string {
	return headerText.Render(fmt.Sprintf(format, a...))
}
