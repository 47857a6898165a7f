package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/scheduler"
)

func newModel(t *testing.T, seed ...*scheduler.Task) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m, _ := New(bus, seed).Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return m.(Model)
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestTaskPaneTracksTransitions(t *testing.T) {
	now := time.Now()
	m := newModel(t, &scheduler.Task{ID: "01SEEDED", SkillID: "build", State: scheduler.StateSucceeded, UpdatedAt: now})

	m = update(m, events.TaskCreatedEvent{ID: "01REVIEW", SkillID: "review", State: scheduler.StatePlanned, Timestamp: now})
	m = update(m, events.TaskStateEvent{ID: "01SEEDED", From: scheduler.StateSucceeded, To: scheduler.StateReady, Detail: "reopened", Timestamp: now})
	m = update(m, events.TaskStateEvent{ID: "01REVIEW", From: scheduler.StateRunning, To: scheduler.StateFailed, Kind: scheduler.FailureRetryLimitExceeded, Timestamp: now})

	require.Len(t, m.taskPane.order, 2)
	seeded := m.taskPane.tasks["01SEEDED"]
	assert.Equal(t, scheduler.StateReady, seeded.State)
	assert.Equal(t, 1, seeded.Rounds)
	assert.Contains(t, seeded.History[len(seeded.History)-1], "succeeded -> ready")

	review := m.taskPane.tasks["01REVIEW"]
	assert.Equal(t, scheduler.StateFailed, review.State)
	assert.Equal(t, scheduler.FailureRetryLimitExceeded, review.Kind)

	m = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	row, ok := m.taskPane.Selected()
	require.True(t, ok)
	assert.Equal(t, "01REVIEW", row.ID)
	assert.Contains(t, m.View(), "Tasks (2/2, all)")
}

func TestTaskPaneFilter(t *testing.T) {
	m := newModel(t,
		&scheduler.Task{ID: "01DONE", SkillID: "build", State: scheduler.StateSucceeded},
		&scheduler.Task{ID: "01BUSY", SkillID: "build", State: scheduler.StateRunning},
		&scheduler.Task{ID: "01BROKE", SkillID: "review", State: scheduler.StateFailed},
	)
	filter := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")}

	m = update(m, filter)
	assert.Equal(t, []string{"01BUSY"}, m.taskPane.visible())
	row, ok := m.taskPane.Selected()
	require.True(t, ok)
	assert.Equal(t, "01BUSY", row.ID)

	m = update(m, filter)
	assert.Equal(t, []string{"01BROKE"}, m.taskPane.visible())
	assert.Contains(t, m.View(), "Tasks (1/3, failed)")

	m = update(m, filter)
	assert.Len(t, m.taskPane.visible(), 3)
}

func TestLoopPaneRecordsActivity(t *testing.T) {
	m := newModel(t)
	now := time.Now()

	m = update(m, events.RetryScheduledEvent{CritiqueID: "C", Targets: []string{"T"}, Round: 1, Summary: "missing tests", Timestamp: now})
	m = update(m, events.ProtocolViolationEvent{CritiqueID: "C", Err: errors.New("target_not_terminal"), Timestamp: now})
	m = update(m, events.RetryLimitEvent{
		CritiqueID: "C",
		Targets:    []string{"T"},
		History: []scheduler.FeedbackEntry{
			{TaskID: "T", RetryFeedback: scheduler.RetryFeedback{Round: 1, Summary: "first"}},
			{TaskID: "T", RetryFeedback: scheduler.RetryFeedback{Round: 2, Summary: "second"}},
		},
		Timestamp: now,
	})

	require.Len(t, m.loopPane.lines, 5)
	assert.Contains(t, m.loopPane.lines[0], "missing tests")
	assert.Contains(t, m.loopPane.lines[1], "target_not_terminal")
	assert.Contains(t, m.loopPane.lines[2], "after 2 rounds")
	assert.Contains(t, m.loopPane.lines[4], "r2 T: second")
}

func TestBoardPaneCounts(t *testing.T) {
	m := newModel(t)
	m = update(m, events.BoardProgressEvent{Counts: map[scheduler.TaskState]int{
		scheduler.StateSucceeded: 3,
		scheduler.StateRunning:   1,
		scheduler.StatePlanned:   2,
	}})

	assert.Equal(t, 6, m.boardPane.total)
	assert.Contains(t, m.boardPane.View(), "3/6")
}

func TestFocusCycles(t *testing.T) {
	m := newModel(t)
	assert.Equal(t, PaneTasks, m.focusedPane)

	m = update(m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneLoop, m.focusedPane)
	m = update(m, tea.KeyMsg{Type: tea.KeyShiftTab})
	m = update(m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, PaneBoard, m.focusedPane)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.NotNil(t, cmd)
	assert.Equal(t, "Goodbye!\n", next.View())
}
