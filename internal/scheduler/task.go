package scheduler

import (
	"fmt"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState int

const (
	StatePlanned   TaskState = iota // Waiting for dependencies
	StateReady                      // All dependencies succeeded, eligible for dispatch
	StateRunning                    // Claimed by a worker (or opened, for containers)
	StateSucceeded                  // Finished successfully
	StateFailed                     // Finished with a failure kind
	StateCancelled                  // Cancelled directly or transitively
)

var stateNames = map[TaskState]string{
	StatePlanned:   "planned",
	StateReady:     "ready",
	StateRunning:   "running",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s TaskState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further automatic transition is expected.
func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ParseTaskState converts a state name back into a TaskState.
func ParseTaskState(name string) (TaskState, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", name)
}

func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskState) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FailureKind classifies why a task ended in StateFailed.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureInfrastructure     FailureKind = "infrastructure"
	FailureTimeout            FailureKind = "timeout"
	FailureRetryLimitExceeded FailureKind = "retry_limit_exceeded"
	FailureSubtaskFailed      FailureKind = "subtask_failed"
)

// ValidationCriteria is forwarded to the executing agent verbatim.
type ValidationCriteria struct {
	Critical   []string `json:"critical"`
	Expected   []string `json:"expected"`
	NiceToHave []string `json:"nice_to_have"`
}

// RetryFeedback is attached to a task when the correctness loop resets it.
type RetryFeedback struct {
	CritiqueID string `json:"critique_id,omitempty"`
	Round      int    `json:"round,omitempty"`
	Summary    string `json:"summary"`
	Issues     []any  `json:"issues,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Task is a unit of work bound to a skill.
type Task struct {
	ID                 string             `json:"id"`
	SkillID            string             `json:"skill_id"`
	Name               string             `json:"task_name"`
	Description        string             `json:"description"`
	Order              int                `json:"task_order"`
	Inputs             Inputs             `json:"inputs"`
	ValidationCriteria ValidationCriteria `json:"validation_criteria"`
	Dependencies       []string           `json:"dependencies"`
	ParentID           string             `json:"parent_id,omitempty"`
	State              TaskState          `json:"state"`
	FailureKind        FailureKind        `json:"failure_kind,omitempty"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	Output             string             `json:"output,omitempty"`
	Verdict            *Verdict           `json:"verdict,omitempty"`
	RetryFeedback      *RetryFeedback     `json:"retry_feedback,omitempty"`
	RetryCount         int                `json:"retry_count"`
	HasChildren        bool               `json:"has_children"`
	SubtasksCompleted  bool               `json:"subtasks_completed"`
	TimeoutSeconds     int                `json:"timeout_seconds"`
	ClaimedBy          string             `json:"claimed_by,omitempty"`
	Seq                int64              `json:"seq"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
}

// IsContainer reports whether the task only groups sub-tasks.
// Containers are never handed to a worker.
func (t *Task) IsContainer() bool {
	return t.HasChildren
}

// Timeout returns the running budget of the task.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.Inputs = t.Inputs.Clone()
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Verdict != nil {
		v := *t.Verdict
		cp.Verdict = &v
	}
	if t.RetryFeedback != nil {
		fb := *t.RetryFeedback
		cp.RetryFeedback = &fb
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	return &cp
}

// TaskSpec is one entry of a creation batch as submitted by a planner.
type TaskSpec struct {
	UniqueID            *int               `json:"uniqueId,omitempty"`
	SkillID             string             `json:"skill_id"`
	Name                string             `json:"task_name"`
	Description         string             `json:"description,omitempty"`
	Order               int                `json:"task_order,omitempty"`
	LogicalDependencies []int              `json:"logicalDependencies,omitempty"`
	Dependencies        []string           `json:"dependencies,omitempty" jsonschema:"description=IDs of already persisted tasks"`
	ParentUniqueID      *int               `json:"parentUniqueId,omitempty"`
	ParentID            string             `json:"parent_id,omitempty"`
	Inputs              Inputs             `json:"inputs,omitempty"`
	ValidationCriteria  ValidationCriteria `json:"validation_criteria,omitempty"`
	TimeoutSeconds      int                `json:"timeout_seconds,omitempty"`

	// Container marks a task that only groups sub-tasks. It is never
	// dispatched, so sub-tasks can be attached after it was submitted.
	Container bool `json:"container,omitempty"`
}

// Batch is the set of task specs submitted together.
type Batch struct {
	Tasks []TaskSpec `json:"tasks"`
}

// ResolvedTask is a task ready for insertion, together with the
// batch-local id it was submitted under.
type ResolvedTask struct {
	UniqueID *int
	Task     *Task
}

// ResolvedBatch is the output of the resolver: real IDs assigned,
// dependencies rewritten, in submission order.
type ResolvedBatch struct {
	Tasks []ResolvedTask
	// Order lists the real task IDs in a dependency-respecting order.
	Order []string
	// External lists persisted task IDs the batch relies on. The store
	// re-checks them at commit time.
	External []string
}

// IDs returns the assigned task IDs keyed by uniqueId.
func (b *ResolvedBatch) IDs() map[int]string {
	ids := make(map[int]string, len(b.Tasks))
	for _, rt := range b.Tasks {
		if rt.UniqueID != nil {
			ids[*rt.UniqueID] = rt.Task.ID
		}
	}
	return ids
}
