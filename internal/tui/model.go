// Package tui renders a live board of the task store for `taskloop serve --tui`.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneLoop
	PaneBoard
	paneCount
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	loopPane    LoopPaneModel
	boardPane   BoardPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model seeded with the tasks already in the store.
// It subscribes to every topic of the event bus.
func New(eventBus *events.EventBus, seed []*scheduler.Task) Model {
	m := Model{
		taskPane:    NewTaskPaneModel(seed),
		loopPane:    NewLoopPaneModel(),
		boardPane:   NewBoardPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneLoop
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneBoard
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneLoop:
				m.loopPane, cmd = m.loopPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskCreatedEvent, events.TaskStateEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.RetryScheduledEvent, events.RetryLimitEvent, events.ProtocolViolationEvent:
		var cmd tea.Cmd
		m.loopPane, cmd = m.loopPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.BoardProgressEvent:
		var cmd tea.Cmd
		m.boardPane, cmd = m.boardPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// unknown event types are skipped
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.loopPane.View(), m.boardPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), rightPane)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	boardHeight := min(availableHeight/2, 14)

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.loopPane.SetSize(rightWidth, availableHeight-boardHeight)
	m.boardPane.SetSize(rightWidth, boardHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.loopPane.SetFocused(m.focusedPane == PaneLoop)
	m.boardPane.SetFocused(m.focusedPane == PaneBoard)
}
