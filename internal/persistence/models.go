package persistence

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskloop/internal/scheduler"
)

// JSONField stores a value as a JSON text column.
type JSONField[T any] struct {
	Data T
}

// Scan implements the sql.Scanner interface for reading from database
func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into JSONField", value)
		}
		bytes = []byte(str)
	}

	return json.Unmarshal(bytes, &j.Data)
}

// Value implements the driver.Valuer interface for writing to database
func (j JSONField[T]) Value() (driver.Value, error) {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// taskColumns is the column list every task query selects.
const taskColumns = `seq, id, skill_id, task_name, description, task_order, inputs, validation_criteria,
	parent_id, state, failure_kind, failure_reason, output, verdict, retry_feedback, retry_count,
	has_children, subtasks_completed, timeout_seconds, claimed_by, created_at, updated_at, started_at`

// dbTask represents the tasks table structure
type dbTask struct {
	Seq                int64                                  `db:"seq"`
	ID                 string                                 `db:"id"`
	SkillID            string                                 `db:"skill_id"`
	Name               string                                 `db:"task_name"`
	Description        string                                 `db:"description"`
	Order              int                                    `db:"task_order"`
	Inputs             scheduler.Inputs                       `db:"inputs"`
	ValidationCriteria JSONField[scheduler.ValidationCriteria] `db:"validation_criteria"`
	ParentID           *string                                `db:"parent_id"` // NULL for top-level tasks
	State              string                                 `db:"state"`
	FailureKind        string                                 `db:"failure_kind"`
	FailureReason      string                                 `db:"failure_reason"`
	Output             string                                 `db:"output"`
	Verdict            JSONField[*scheduler.Verdict]          `db:"verdict"`
	RetryFeedback      JSONField[*scheduler.RetryFeedback]    `db:"retry_feedback"`
	RetryCount         int                                    `db:"retry_count"`
	HasChildren        bool                                   `db:"has_children"`
	SubtasksCompleted  bool                                   `db:"subtasks_completed"`
	TimeoutSeconds     int                                    `db:"timeout_seconds"`
	ClaimedBy          string                                 `db:"claimed_by"`
	CreatedAt          time.Time                              `db:"created_at"`
	UpdatedAt          time.Time                              `db:"updated_at"`
	StartedAt          *time.Time                             `db:"started_at"`
}

// toTask converts the row into the domain model. Dependencies are loaded
// separately.
func (r *dbTask) toTask() (*scheduler.Task, error) {
	state, err := scheduler.ParseTaskState(r.State)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", r.ID, err)
	}

	task := &scheduler.Task{
		ID:                 r.ID,
		SkillID:            r.SkillID,
		Name:               r.Name,
		Description:        r.Description,
		Order:              r.Order,
		Inputs:             r.Inputs,
		ValidationCriteria: r.ValidationCriteria.Data,
		State:              state,
		FailureKind:        scheduler.FailureKind(r.FailureKind),
		FailureReason:      r.FailureReason,
		Output:             r.Output,
		Verdict:            r.Verdict.Data,
		RetryFeedback:      r.RetryFeedback.Data,
		RetryCount:         r.RetryCount,
		HasChildren:        r.HasChildren,
		SubtasksCompleted:  r.SubtasksCompleted,
		TimeoutSeconds:     r.TimeoutSeconds,
		ClaimedBy:          r.ClaimedBy,
		Seq:                r.Seq,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		StartedAt:          r.StartedAt,
		Dependencies:       []string{},
	}
	if r.ParentID != nil {
		task.ParentID = *r.ParentID
	}
	return task, nil
}

// dbFeedback represents the task_retry_feedback table structure
type dbFeedback struct {
	ID         int64            `db:"id"`
	TaskID     string           `db:"task_id"`
	CritiqueID string           `db:"critique_id"`
	Round      int              `db:"round"`
	Summary    string           `db:"summary"`
	Issues     JSONField[[]any] `db:"issues"`
	Suggestion string           `db:"suggestion"`
	CreatedAt  time.Time        `db:"created_at"`
}

func (r *dbFeedback) toEntry() scheduler.FeedbackEntry {
	return scheduler.FeedbackEntry{
		TaskID: r.TaskID,
		RetryFeedback: scheduler.RetryFeedback{
			CritiqueID: r.CritiqueID,
			Round:      r.Round,
			Summary:    r.Summary,
			Issues:     r.Issues.Data,
			Suggestion: r.Suggestion,
		},
	}
}

// TaskEvent is one row of the transition audit log.
type TaskEvent struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	From      string    `db:"from_state" json:"from,omitempty"`
	To        string    `db:"to_state" json:"to"`
	Kind      string    `db:"kind" json:"kind,omitempty"`
	Detail    string    `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Change describes one committed state change. Created changes have no
// previous state.
type Change struct {
	TaskID   string
	SkillID  string
	ParentID string
	Created  bool
	From     scheduler.TaskState
	To       scheduler.TaskState
	Kind     scheduler.FailureKind
	Detail   string
}
