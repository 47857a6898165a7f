package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/aristath/taskloop/internal/events"
)

// maxLoopLines caps the correctness-loop log kept in memory.
const maxLoopLines = 500

// LoopPaneModel is a scrolling log of correctness-loop activity: retries,
// escalations and protocol violations.
type LoopPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewLoopPaneModel creates an empty loop pane.
func NewLoopPaneModel() LoopPaneModel {
	return LoopPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the loop pane.
func (m LoopPaneModel) Update(msg tea.Msg) (LoopPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.RetryScheduledEvent:
		m.record(msg.Timestamp, StyleStatusRunning.Render("retry"),
			fmt.Sprintf("round %d: %s reopened %s: %s", msg.Round, shortID(msg.CritiqueID), shortIDs(msg.Targets), msg.Summary))

	case events.RetryLimitEvent:
		history := make([]string, 0, len(msg.History))
		for _, fb := range msg.History {
			history = append(history, fmt.Sprintf("      r%d %s: %s", fb.Round, shortID(fb.TaskID), fb.Summary))
		}
		m.record(msg.Timestamp, StyleStatusFailed.Render("escalated"),
			fmt.Sprintf("%s gave up on %s after %d rounds of feedback", shortID(msg.CritiqueID), shortIDs(msg.Targets), len(msg.History)),
			history...)

	case events.ProtocolViolationEvent:
		m.record(msg.Timestamp, StyleStatusFailed.Render("violation"),
			fmt.Sprintf("%s: %v", shortID(msg.CritiqueID), msg.Err))
	}

	return m, cmd
}

func (m *LoopPaneModel) record(at time.Time, tag, text string, detail ...string) {
	m.lines = append(m.lines, fmt.Sprintf("%s %s %s", at.Format(time.TimeOnly), tag, text))
	m.lines = append(m.lines, detail...)
	if len(m.lines) > maxLoopLines {
		m.lines = m.lines[len(m.lines)-maxLoopLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func shortIDs(ids []string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return strings.Join(out, ",")
}

// View renders the loop pane.
func (m LoopPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	body := m.viewport.View()
	if len(m.lines) == 0 {
		body = StyleStatusPending.Render("No critique has failed yet.")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(StyleTitle.Render("Correctness loop") + "\n" + body)
}

// SetSize updates the pane dimensions.
func (m *LoopPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-4)
	m.viewport.Height = max(3, h-3)
}

// SetFocused updates the focus state.
func (m *LoopPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
