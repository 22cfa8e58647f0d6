package status

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/embuer/embuer/internal/tui/theme"
	"github.com/embuer/embuer/internal/update"
)

// Model holds the status bar and phase panel state.
type Model struct {
	Connected bool
	Status    update.Status
	HasStatus bool
	Boot      string
	Width     int

	bar progress.Model
}

// New creates a status model.
func New() Model {
	return Model{
		bar: progress.New(progress.WithGradient(theme.ProgressStart, theme.ProgressEnd)),
	}
}

// View renders the connection bar followed by the phase panel.
func (m Model) View() string {
	width := max(m.Width, 40)

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr
	if m.Boot != "" {
		content += sep + "booted: " + m.Boot
	}
	if m.HasStatus {
		content += sep + fmt.Sprintf("seq %d", m.Status.Seq)
	}

	bar := lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)

	return lipgloss.JoinVertical(lipgloss.Left, bar, m.phasePanel(width))
}

func (m Model) phasePanel(width int) string {
	if !m.HasStatus {
		return theme.StyleDimmed.Render("  Waiting for status...")
	}
	st := m.Status
	name := st.Phase.String()
	phase := lipgloss.NewStyle().Bold(true).Foreground(theme.PhaseColor(name)).
		Render(theme.PhaseGlyph(name) + " " + name)

	lines := []string{phase}
	if st.Details != "" {
		lines = append(lines, theme.StyleDimmed.Render(st.Details))
	}
	if st.HasProgress() {
		bar := m.bar
		bar.Width = max(width-12, 10)
		lines = append(lines, bar.ViewAs(float64(st.Progress)/100))
	}
	return lipgloss.NewStyle().Padding(0, 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
