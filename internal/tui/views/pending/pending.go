// Package pending renders the update waiting for confirmation, with its
// changelog formatted as Markdown.
package pending

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/embuer/embuer/internal/tui/theme"
	"github.com/embuer/embuer/internal/update"
)

const (
	labelWidth = 10
	minHeight  = 5
)

var styleLabel = lipgloss.NewStyle().
	Foreground(theme.ColorDimmed).
	Width(labelWidth)

// Model holds the pending update and a scrollable changelog.
type Model struct {
	Update *update.PendingUpdate
	Error  string

	vp     viewport.Model
	width  int
	height int
}

func New() Model {
	return Model{vp: viewport.New(60, minHeight)}
}

// SetSize resizes the changelog viewport and re-renders it.
func (m *Model) SetSize(width, height int) {
	m.width = max(width-4, 20)
	m.height = max(height, minHeight)
	m.vp.Width = m.width
	m.vp.Height = m.height
	m.render()
}

// Show replaces the displayed update and scrolls to the top.
func (m *Model) Show(p *update.PendingUpdate) {
	m.Update = p
	m.Error = ""
	m.render()
	m.vp.GotoTop()
}

func (m *Model) Clear() {
	m.Update = nil
	m.Error = ""
	m.vp.SetContent("")
}

func (m *Model) ScrollUp(n int)   { m.vp.ScrollUp(n) }
func (m *Model) ScrollDown(n int) { m.vp.ScrollDown(n) }

func (m *Model) render() {
	if m.Update == nil {
		return
	}
	m.vp.SetContent(RenderChangelog(m.Update.Changelog, m.width))
}

// RenderChangelog formats Markdown for the terminal. Text that glamour
// cannot render is shown as is.
func RenderChangelog(changelog string, width int) string {
	if strings.TrimSpace(changelog) == "" {
		return theme.StyleDimmed.Render("(no changelog)")
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(max(width, 20)),
	)
	if err != nil {
		return changelog
	}
	out, err := r.Render(changelog)
	if err != nil {
		return changelog
	}
	return strings.TrimRight(out, "\n")
}

func (m Model) View() string {
	if m.Update == nil {
		return ""
	}
	p := m.Update

	var b strings.Builder
	b.WriteString(theme.StyleNotice.Render("Update awaiting confirmation") + "\n")
	b.WriteString(styleLabel.Render("Version:") + theme.StyleHeader.Render(p.Version) + "\n")
	b.WriteString(styleLabel.Render("Source:") + p.Source + "\n\n")
	b.WriteString(m.vp.View() + "\n\n")
	if m.Error != "" {
		b.WriteString(theme.StyleError.Render(m.Error) + "\n")
	}
	b.WriteString(theme.StyleDimmed.Render("[y] accept  [n] reject  j/k scroll"))

	return theme.StyleBorder.Render(b.String())
}
