// Package dashboard is the attach TUI for a running cr-client.
package dashboard

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/delivery"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/ipc"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/tui"
)

// Panel identifies the focused panel.
type Panel int

const (
	PanelDeliveries Panel = iota
	PanelLogs
)

// Model is the root dashboard model.
type Model struct {
	header     headerModel
	deliveries deliveriesModel
	logs       logsModel

	active   Panel
	showHelp bool
	width    int
	height   int
	detached bool
}

func NewModel(status ipc.StatusResult, recent []delivery.Result) Model {
	m := Model{header: headerModel{status: status}, logs: newLogs()}
	m.deliveries.update(recent)
	return m
}

// EventMsg carries one streamed bus event.
type EventMsg struct {
	Type      string
	Timestamp time.Time
	Data      json.RawMessage
}

// StatusMsg carries a fresh status snapshot.
type StatusMsg ipc.StatusResult

// DeliveriesMsg carries the current delivery history.
type DeliveriesMsg []delivery.Result

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.logs.SetSize(msg.Width-4, m.logsHeight())
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Detach):
			m.detached = true
			return m, tea.Quit
		case key.Matches(msg, keys.Switch):
			m.active = 1 - m.active
			return m, nil
		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		}
	case StatusMsg:
		m.header.status = ipc.StatusResult(msg)
		return m, nil
	case DeliveriesMsg:
		m.deliveries.update(msg)
		m.logs.SetSize(m.width-4, m.logsHeight())
		return m, nil
	case EventMsg:
		m.logs.add(msg)
		return m, nil
	}

	var cmd tea.Cmd
	if m.active == PanelDeliveries {
		m.deliveries, cmd = m.deliveries.Update(msg)
	} else {
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.showHelp {
		return helpView()
	}
	panel := func(title, body string, focused bool) string {
		st := tui.Panel.Width(max(0, m.width-2))
		if focused {
			st = st.BorderForeground(tui.ColorPrimary)
		}
		return st.Render(tui.Subtitle.Render(" "+title) + "\n" + body)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header.View(m.width),
		panel("Deliveries", m.deliveries.View(), m.active == PanelDeliveries),
		panel("Events", m.logs.View(), m.active == PanelLogs),
		helpBar(),
	)
}

// Detached reports whether the user left with the detach key.
func (m Model) Detached() bool { return m.detached }

func (m Model) logsHeight() int {
	used := 5 + m.deliveries.height() + 4
	return max(5, m.height-used)
}
