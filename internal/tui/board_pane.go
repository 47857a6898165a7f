package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/scheduler"
)

// BoardPaneModel shows task counts per state.
type BoardPaneModel struct {
	counts  map[scheduler.TaskState]int
	total   int
	width   int
	height  int
	focused bool
}

// NewBoardPaneModel creates an empty board pane.
func NewBoardPaneModel() BoardPaneModel {
	return BoardPaneModel{counts: make(map[scheduler.TaskState]int)}
}

// Update handles messages for the board pane.
func (m BoardPaneModel) Update(msg tea.Msg) (BoardPaneModel, tea.Cmd) {
	if ev, ok := msg.(events.BoardProgressEvent); ok {
		m.counts = ev.Counts
		m.total = ev.Total()
	}
	return m, nil
}

// View renders the board pane.
func (m BoardPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Board")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	succeeded := m.counts[scheduler.StateSucceeded]
	failed := m.counts[scheduler.StateFailed]
	running := m.counts[scheduler.StateRunning]
	waiting := m.counts[scheduler.StatePlanned] + m.counts[scheduler.StateReady]

	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStatusComplete.Render(fmt.Sprint(succeeded)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(running)))
	fmt.Fprintf(&b, "Ready:     %s\n", StyleStatusReady.Render(fmt.Sprint(m.counts[scheduler.StateReady])))
	fmt.Fprintf(&b, "Planned:   %s\n", StyleStatusPending.Render(fmt.Sprint(m.counts[scheduler.StatePlanned])))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(failed)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusPending.Render(fmt.Sprint(m.counts[scheduler.StateCancelled])))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-16, 40)
		doneWidth := succeeded * barWidth / m.total
		failedWidth := failed * barWidth / m.total
		runningWidth := running * barWidth / m.total
		restWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d (%d waiting)\n", bar, succeeded, m.total, waiting)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *BoardPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *BoardPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
