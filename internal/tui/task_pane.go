package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/scheduler"
)

// TaskRow is what the board knows about one task.
type TaskRow struct {
	ID       string
	SkillID  string
	ParentID string
	State    scheduler.TaskState
	Kind     scheduler.FailureKind
	Rounds   int
	History  []string
	Updated  time.Time
}

// taskFilter narrows the task list.
type taskFilter int

const (
	filterAll taskFilter = iota
	filterActive
	filterFailed
	filterCount
)

func (f taskFilter) String() string {
	switch f {
	case filterActive:
		return "active"
	case filterFailed:
		return "failed"
	default:
		return "all"
	}
}

func (f taskFilter) match(row *TaskRow) bool {
	switch f {
	case filterActive:
		return row.State == scheduler.StateReady || row.State == scheduler.StateRunning
	case filterFailed:
		return row.State == scheduler.StateFailed
	default:
		return true
	}
}

// TaskPaneModel lists tasks with their state and shows the transition
// history of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskRow
	order       []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
	filter      taskFilter
}

// NewTaskPaneModel creates a task pane seeded with existing tasks.
func NewTaskPaneModel(seed []*scheduler.Task) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskRow),
		viewport: viewport.New(0, 0),
	}
	for _, t := range seed {
		m.add(&TaskRow{
			ID:       t.ID,
			SkillID:  t.SkillID,
			ParentID: t.ParentID,
			State:    t.State,
			Kind:     t.FailureKind,
			Rounds:   t.RetryCount,
			History:  []string{fmt.Sprintf("%s  loaded as %s", t.UpdatedAt.Format(time.TimeOnly), t.State)},
			Updated:  t.UpdatedAt,
		})
	}
	m.updateViewportContent()
	return m
}

// tickMsg debounces viewport refreshes.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.visible())-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		case KeyFilter:
			m.filter = (m.filter + 1) % filterCount
			m.selectedIdx = 0
			m.updateViewportContent()
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskCreatedEvent:
		if _, exists := m.tasks[msg.ID]; !exists {
			m.add(&TaskRow{
				ID:       msg.ID,
				SkillID:  msg.SkillID,
				ParentID: msg.ParentID,
				State:    msg.State,
				History:  []string{fmt.Sprintf("%s  created %s", msg.Timestamp.Format(time.TimeOnly), msg.State)},
				Updated:  msg.Timestamp,
			})
			if len(m.visible()) == 1 {
				m.updateViewportContent()
			}
		}

	case events.TaskStateEvent:
		row, exists := m.tasks[msg.ID]
		if !exists {
			row = &TaskRow{ID: msg.ID, SkillID: msg.SkillID}
			m.add(row)
		}
		row.State = msg.To
		row.Kind = msg.Kind
		row.Updated = msg.Timestamp
		if msg.From == scheduler.StateSucceeded && msg.To == scheduler.StateReady {
			row.Rounds++
		}
		row.History = append(row.History, describe(msg))
		if m.selectedID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func describe(e events.TaskStateEvent) string {
	line := fmt.Sprintf("%s  %s -> %s", e.Timestamp.Format(time.TimeOnly), e.From, e.To)
	if e.Kind != scheduler.FailureNone {
		line += " [" + string(e.Kind) + "]"
	}
	if e.Detail != "" {
		line += "  " + e.Detail
	}
	return line
}

func (m *TaskPaneModel) add(row *TaskRow) {
	m.tasks[row.ID] = row
	m.order = append(m.order, row.ID)
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 34
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	rows := m.visible()
	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d/%d, %s)", len(rows), len(m.order), m.filter))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for batches..."))
	} else if len(rows) == 0 {
		b.WriteString(StyleStatusPending.Render("No " + m.filter.String() + " tasks"))
	}

	// Keep the selection visible when the list is taller than the pane.
	visible := max(1, m.height-6)
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}
	for i := start; i < len(rows) && i < start+visible; i++ {
		row := m.tasks[rows[i]]
		label := row.SkillID + " " + shortID(row.ID)
		if row.ParentID != "" {
			label = "  " + label
		}
		if row.Rounds > 0 {
			label += fmt.Sprintf(" r%d", row.Rounds)
		}
		if len(label) > width-4 {
			label = label[:width-7] + "..."
		}

		line := fmt.Sprintf("%s %s", StateIcon(row.State), label)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// shortID keeps the random tail of a ULID, which is what differs between
// tasks created in the same millisecond.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

// StateIcon returns a styled state indicator.
func StateIcon(state scheduler.TaskState) string {
	switch state {
	case scheduler.StateReady:
		return StyleStatusReady.Render("◌")
	case scheduler.StateRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.StateSucceeded:
		return StyleStatusComplete.Render("✓")
	case scheduler.StateFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.StateCancelled:
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// visible returns the IDs that pass the current filter, in arrival order.
func (m TaskPaneModel) visible() []string {
	if m.filter == filterAll {
		return m.order
	}
	var ids []string
	for _, id := range m.order {
		if m.filter.match(m.tasks[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m TaskPaneModel) selectedID() string {
	rows := m.visible()
	if m.selectedIdx >= 0 && m.selectedIdx < len(rows) {
		return rows[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, if any.
func (m TaskPaneModel) Selected() (*TaskRow, bool) {
	row, ok := m.tasks[m.selectedID()]
	return row, ok
}

func (m *TaskPaneModel) updateViewportContent() {
	row, ok := m.Selected()
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s\nskill: %s  state: %s", row.ID, row.SkillID, row.State)
	if row.Kind != scheduler.FailureNone {
		header += "  kind: " + string(row.Kind)
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(row.History, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-34-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
