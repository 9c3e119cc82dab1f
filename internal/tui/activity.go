// Package tui holds the bubbletea models behind luthien's terminal surfaces.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/luthien-dev/luthien/internal/events"
)

// maxActivityLines bounds the scrollback kept in memory.
const maxActivityLines = 2000

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	callStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	typeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	errTypeSty  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusStyle = lipgloss.NewStyle().Faint(true)
)

// EventMsg delivers one bus event into the model.
type EventMsg struct {
	Event events.Event
}

// DisconnectedMsg reports a dropped bus subscription.
type DisconnectedMsg struct {
	Err error
}

// ActivityModel renders the global activity channel as a scrolling feed.
type ActivityModel struct {
	viewport viewport.Model
	lines    []string
	status   string
	ready    bool
}

// NewActivityModel builds the tail model.
func NewActivityModel() ActivityModel {
	return ActivityModel{status: "connected"}
}

// Init implements tea.Model.
func (m ActivityModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m ActivityModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		headerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight
		}
		m.refresh()
	case EventMsg:
		m.lines = append(m.lines, formatEvent(msg.Event))
		if len(m.lines) > maxActivityLines {
			m.lines = m.lines[len(m.lines)-maxActivityLines:]
		}
		m.refresh()
	case DisconnectedMsg:
		m.status = fmt.Sprintf("disconnected: %v", msg.Err)
		m.refresh()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m ActivityModel) View() string {
	if !m.ready {
		return "connecting..."
	}
	header := titleStyle.Render("luthien activity") + "  " + statusStyle.Render(m.status)
	return header + "\n\n" + m.viewport.View()
}

func (m *ActivityModel) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func formatEvent(ev events.Event) string {
	style := typeStyle
	if strings.Contains(ev.Type, "error") || strings.Contains(ev.Type, "timeout") {
		style = errTypeSty
	}
	line := fmt.Sprintf("%s %s %s",
		statusStyle.Render(ev.Timestamp.Format("15:04:05.000")),
		callStyle.Render(shortCallID(ev.CallID)),
		style.Render(ev.Type),
	)
	if summary := payloadSummary(ev); summary != "" {
		line += " " + summary
	}
	return line
}

func shortCallID(callID string) string {
	if len(callID) > 13 {
		return callID[:13]
	}
	return callID
}

// payloadSummary picks the fields worth a glance in a one-line feed.
func payloadSummary(ev events.Event) string {
	var parts []string
	for _, key := range []string{"model", "policy", "name", "direction", "reason", "error", "warning"} {
		if v, ok := ev.Payload[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}
