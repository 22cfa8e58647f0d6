// Package app is the root Bubble Tea model of the update monitor.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/embuer/embuer/internal/client"
	"github.com/embuer/embuer/internal/tui/theme"
	"github.com/embuer/embuer/internal/tui/views/pending"
	"github.com/embuer/embuer/internal/tui/views/status"
	"github.com/embuer/embuer/internal/update"
	"github.com/embuer/embuer/internal/ws"
)

const reconnectDelay = 2 * time.Second

// Source is the part of the client the monitor needs. *client.Client
// implements it.
type Source interface {
	Watch(ctx context.Context, fn func(update.Status)) error
	Confirm(ctx context.Context, accept bool) (string, error)
	BootInfo(ctx context.Context) (ws.BootInfoResponse, error)
}

type statusMsg update.Status

type watchEndedMsg struct{ err error }

type reconnectMsg struct{}

type confirmedMsg struct {
	message string
	err     error
}

type bootMsg struct{ deployment string }

// Model is the root Bubble Tea model.
type Model struct {
	src    Source
	ctx    context.Context
	cancel context.CancelFunc
	events chan update.Status

	keys   KeyMap
	width  int
	height int

	statusBar status.Model
	pending   pending.Model
	edge      client.EdgeDetector

	connected  bool
	confirming bool
	notice     string
	lastErr    error
}

// New creates the root model.
func New(src Source) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		src:       src,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan update.Status, 16),
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		pending:   pending.New(),
	}
}

// Init starts watching and fetches the boot deployment.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.watch(), m.waitForStatus(), m.fetchBoot())
}

// watch runs one Watch call. Statuses flow through m.events so that the
// model only changes inside Update.
func (m Model) watch() tea.Cmd {
	return func() tea.Msg {
		err := m.src.Watch(m.ctx, func(st update.Status) {
			select {
			case m.events <- st:
			case <-m.ctx.Done():
			}
		})
		return watchEndedMsg{err: err}
	}
}

func (m Model) waitForStatus() tea.Cmd {
	return func() tea.Msg {
		select {
		case st := <-m.events:
			return statusMsg(st)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m Model) fetchBoot() tea.Cmd {
	return func() tea.Msg {
		info, err := m.src.BootInfo(m.ctx)
		if err != nil {
			return nil
		}
		return bootMsg{deployment: info.Deployment}
	}
}

func (m Model) confirm(accept bool) tea.Cmd {
	return func() tea.Msg {
		msg, err := m.src.Confirm(m.ctx, accept)
		return confirmedMsg{message: msg, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.pending.SetSize(msg.Width, msg.Height-16)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case statusMsg:
		m.applyStatus(update.Status(msg))
		return m, m.waitForStatus()

	case watchEndedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if errors.Is(msg.err, context.Canceled) || errors.Is(msg.err, client.ErrClientClosed) {
			return m, nil
		}
		m.lastErr = msg.err
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.watch()

	case bootMsg:
		m.statusBar.Boot = msg.deployment
		return m, nil

	case confirmedMsg:
		m.confirming = false
		if msg.err != nil {
			m.pending.Error = msg.err.Error()
			return m, nil
		}
		m.notice = msg.message
		return m, nil
	}

	return m, nil
}

func (m *Model) applyStatus(st update.Status) {
	m.connected = true
	m.statusBar.Connected = true
	m.lastErr = nil
	m.statusBar.Status = st
	m.statusBar.HasStatus = true

	if m.edge.Observe(st) {
		m.pending.Show(st.Pending)
		m.notice = ""
		return
	}
	if st.Phase != update.AwaitingConfirmation && m.pending.Update != nil {
		m.pending.Clear()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Accept), key.Matches(msg, m.keys.Reject):
		if m.pending.Update == nil || m.confirming {
			return m, nil
		}
		m.confirming = true
		return m, m.confirm(key.Matches(msg, m.keys.Accept))

	case key.Matches(msg, m.keys.Down):
		m.pending.ScrollDown(1)
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.pending.ScrollUp(1)
		return m, nil
	}

	return m, nil
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusBar.View()}
	if !m.connected && m.statusBar.HasStatus {
		sections = append(sections, m.disconnectBanner())
	}
	if v := m.pending.View(); v != "" {
		sections = append(sections, v)
	}
	if m.notice != "" {
		sections = append(sections, theme.StyleNotice.Render("  "+m.notice))
	}
	sections = append(sections, theme.StyleDimmed.Render("  y:accept  n:reject  j/k:scroll  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) disconnectBanner() string {
	text := "DISCONNECTED  Reconnecting..."
	if m.lastErr != nil {
		text += "  (" + m.lastErr.Error() + ")"
	}
	return theme.StyleError.Bold(true).Padding(0, 2).Render(text)
}
