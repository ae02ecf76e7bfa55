package main

import "github.com/charmbracelet/lipgloss"

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// statusStyle colors a run or server status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "ok", "completed":
		return okStyle
	case "awaiting_review", "running":
		return warnStyle
	case "failed":
		return errStyle
	}
	return valueStyle
}
