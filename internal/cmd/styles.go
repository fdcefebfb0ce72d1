package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/simpleaide/internal/util"
)

// listWidth caps the visual width of one row in list output.
const listWidth = 120

var (
	// Colors meet WCAG AA contrast (4.5:1) on dark terminals
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	greenColor   = lipgloss.Color("#10B981") // Green
	amberColor   = lipgloss.Color("#F59E0B") // Amber
	redColor     = lipgloss.Color("#F87171") // Red
	blueColor    = lipgloss.Color("#60A5FA") // Blue
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle  = lipgloss.NewStyle().Foreground(redColor)
	addedStyle  = lipgloss.NewStyle().Foreground(greenColor)
	warnStyle   = lipgloss.NewStyle().Foreground(amberColor)
	statusBadge = lipgloss.NewStyle().Bold(true)
)

// statusColor returns the color for a run, step or operation status.
func statusColor(status string) lipgloss.Color {
	switch status {
	case "running":
		return blueColor
	case "pending", "queued", "skipped":
		return mutedColor
	case "completed", "passed", "succeeded":
		return greenColor
	case "failed":
		return redColor
	case "cancelled":
		return amberColor
	default:
		return mutedColor
	}
}

// statusIcon returns an icon for a run, step or operation status.
func statusIcon(status string) string {
	switch status {
	case "running":
		return "●"
	case "pending", "queued":
		return "○"
	case "completed", "passed", "succeeded":
		return "✓"
	case "failed":
		return "✗"
	case "cancelled":
		return "⊘"
	case "skipped":
		return "↷"
	default:
		return "●"
	}
}

// fitRow truncates a styled list row to listWidth columns.
func fitRow(row string) string {
	return util.TruncateANSI(row, listWidth)
}

// renderStatus renders status as a colored icon and label.
func renderStatus(status string) string {
	return statusBadge.Foreground(statusColor(status)).Render(statusIcon(status) + " " + status)
}
