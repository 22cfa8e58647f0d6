// Package theme provides the Lip Gloss palette and shared styles for the
// monitor. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Phase colors.
var (
	ColorIdle         = lipgloss.Color("#9ca3af")
	ColorClearing     = lipgloss.Color("#7c3aed")
	ColorInstalling   = lipgloss.Color("#2563eb")
	ColorAwaiting     = lipgloss.Color("#d97706")
	ColorFailed       = lipgloss.Color("#dc2626")
	ColorCompleted    = lipgloss.Color("#16a34a")
	ColorPhaseUnknown = lipgloss.Color("#6b7280")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// Progress bar gradient.
const (
	ProgressStart = "#3b82f6"
	ProgressEnd   = "#22c55e"
)

// PhaseColor returns the color for a phase wire name.
func PhaseColor(phase string) lipgloss.Color {
	switch phase {
	case "Idle":
		return ColorIdle
	case "Clearing":
		return ColorClearing
	case "Installing":
		return ColorInstalling
	case "AwaitingConfirmation":
		return ColorAwaiting
	case "Failed":
		return ColorFailed
	case "Completed":
		return ColorCompleted
	default:
		return ColorPhaseUnknown
	}
}

// PhaseGlyph returns a glyph for a phase wire name.
func PhaseGlyph(phase string) string {
	switch phase {
	case "Idle":
		return "○"
	case "Clearing":
		return "◎"
	case "Installing":
		return "⚙"
	case "AwaitingConfirmation":
		return "?"
	case "Failed":
		return "✗"
	case "Completed":
		return "✓"
	default:
		return "·"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)

	StyleNotice = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWarning)
)
