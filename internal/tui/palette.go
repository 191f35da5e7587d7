package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/session"
)

var (
	primaryColor   = lipgloss.Color("#A78BFA") // violet-400
	secondaryColor = lipgloss.Color("#10B981") // green
	warningColor   = lipgloss.Color("#F59E0B") // amber
	errorColor     = lipgloss.Color("#F87171") // red-400
	mutedColor     = lipgloss.Color("#9CA3AF") // gray
	textColor      = lipgloss.Color("#F9FAFB")
	pausedColor    = lipgloss.Color("#60A5FA") // blue

	// Title is the bold header line.
	Title = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	// Muted renders secondary details.
	Muted = lipgloss.NewStyle().Foreground(mutedColor)
	// Warning renders recovered failures.
	Warning = lipgloss.NewStyle().Foreground(warningColor)
	// Failure renders unrecovered failures.
	Failure = lipgloss.NewStyle().Foreground(errorColor)

	badge = lipgloss.NewStyle().
		Bold(true).
		Foreground(textColor).
		Padding(0, 1)

	progressFilled = lipgloss.NewStyle().Foreground(secondaryColor)
	progressEmpty  = lipgloss.NewStyle().Foreground(mutedColor)
)

// StateColor returns the badge color for a session state.
func StateColor(s session.State) lipgloss.Color {
	switch s {
	case session.StateCompleted:
		return secondaryColor
	case session.StateFailed, session.StateAborted:
		return errorColor
	case session.StateSuspended:
		return pausedColor
	case session.StateInitializing, session.StatePlanning:
		return mutedColor
	default:
		return primaryColor
	}
}

// StateBadge renders a session state as a colored badge.
func StateBadge(s session.State) string {
	return badge.Background(StateColor(s)).Render(string(s))
}

// TaskStatusStyle returns the style for a task status string.
func TaskStatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return lipgloss.NewStyle().Foreground(secondaryColor)
	case "failed":
		return Failure
	case "skipped":
		return Muted
	case "running":
		return lipgloss.NewStyle().Foreground(primaryColor)
	default:
		return Muted
	}
}

// SeverityStyle returns the style for an error severity.
func SeverityStyle(s recovery.Severity) lipgloss.Style {
	switch s {
	case recovery.SeverityCritical, recovery.SeverityHigh:
		return Failure
	case recovery.SeverityMedium:
		return Warning
	default:
		return Muted
	}
}
