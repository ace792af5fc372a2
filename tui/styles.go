package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/dopejs/bgproxy/internal/proxy"
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("241")).Padding(0, 1)
)

func statusStyle(s proxy.HealthStatus) lipgloss.Style {
	switch s {
	case proxy.HealthStatusDown:
		return errorStyle
	case proxy.HealthStatusSuspected:
		return warnStyle
	default:
		return successStyle
	}
}

func eventStyle(t proxy.EventType) lipgloss.Style {
	switch t {
	case proxy.EventBackendDown, proxy.EventExhausted:
		return errorStyle
	case proxy.EventBackendSuspected, proxy.EventFailover:
		return warnStyle
	case proxy.EventBackendUp:
		return successStyle
	}
	return dimStyle
}
