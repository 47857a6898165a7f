package events

import (
	"time"

	"github.com/aristath/taskloop/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicLoop  = "loop"
	TopicBoard = "board"
)

// Event type constants
const (
	EventTypeTaskCreated       = "task.created"
	EventTypeTaskState         = "task.state"
	EventTypeRetryScheduled    = "loop.retry"
	EventTypeRetryLimit        = "loop.retry_limit"
	EventTypeProtocolViolation = "loop.protocol_violation"
	EventTypeBoardProgress     = "board.progress"
)

// TaskCreatedEvent is published once per persisted task.
type TaskCreatedEvent struct {
	ID        string
	SkillID   string
	ParentID  string
	State     scheduler.TaskState
	Timestamp time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskStateEvent is published for every committed state transition.
type TaskStateEvent struct {
	ID        string
	SkillID   string
	From      scheduler.TaskState
	To        scheduler.TaskState
	Kind      scheduler.FailureKind
	Detail    string
	Timestamp time.Time
}

func (e TaskStateEvent) EventType() string { return EventTypeTaskState }
func (e TaskStateEvent) TaskID() string    { return e.ID }

// RetryScheduledEvent is published when a fail verdict reopens its targets.
type RetryScheduledEvent struct {
	CritiqueID string
	Targets    []string
	Round      int
	Summary    string
	Timestamp  time.Time
}

func (e RetryScheduledEvent) EventType() string { return EventTypeRetryScheduled }
func (e RetryScheduledEvent) TaskID() string    { return e.CritiqueID }

// RetryLimitEvent is published when a critique exhausts its retry budget.
type RetryLimitEvent struct {
	CritiqueID string
	Targets    []string
	History    []scheduler.FeedbackEntry
	Timestamp  time.Time
}

func (e RetryLimitEvent) EventType() string { return EventTypeRetryLimit }
func (e RetryLimitEvent) TaskID() string    { return e.CritiqueID }

// ProtocolViolationEvent is published when a fail verdict arrives while a
// target is still in flight.
type ProtocolViolationEvent struct {
	CritiqueID string
	Err        error
	Timestamp  time.Time
}

func (e ProtocolViolationEvent) EventType() string { return EventTypeProtocolViolation }
func (e ProtocolViolationEvent) TaskID() string    { return e.CritiqueID }

// BoardProgressEvent summarises how many tasks sit in each state.
type BoardProgressEvent struct {
	Counts    map[scheduler.TaskState]int
	Timestamp time.Time
}

func (e BoardProgressEvent) EventType() string { return EventTypeBoardProgress }
func (e BoardProgressEvent) TaskID() string    { return "" }

// Total returns the number of tasks on the board.
func (e BoardProgressEvent) Total() int {
	n := 0
	for _, c := range e.Counts {
		n += c
	}
	return n
}
