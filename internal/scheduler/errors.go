package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrTaskNotFound is returned when a task ID is unknown to the store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is the sentinel behind every failed compare-and-swap.
	// Callers re-read the task and decide again; it is never fatal.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStaleBatch means persisted state changed between resolving a batch
	// and committing it. The whole batch is re-resolved.
	ErrStaleBatch = errors.New("batch validated against stale state")

	// ErrInvalidVerdict rejects a verdict that is neither pass nor fail.
	ErrInvalidVerdict = errors.New("invalid verdict")
)

// ViolationKind names one reason a batch was rejected.
type ViolationKind string

const (
	ViolationMissingReference       ViolationKind = "missing_reference"
	ViolationCycleDetected          ViolationKind = "cycle_detected"
	ViolationSelfDependency         ViolationKind = "self_dependency"
	ViolationInvalidParentNesting   ViolationKind = "invalid_parent_nesting"
	ViolationDuplicateUniqueID      ViolationKind = "duplicate_unique_id"
	ViolationInvalidCritiqueTarget  ViolationKind = "invalid_critique_target"
	ViolationForbiddenSkillCategory ViolationKind = "forbidden_skill_category"
)

// Violation is a single problem found in a batch.
type Violation struct {
	Kind      ViolationKind `json:"kind"`
	UniqueIDs []int         `json:"unique_ids,omitempty"`
	TaskIDs   []string      `json:"task_ids,omitempty"`
	Message   string        `json:"message"`
}

// ValidationError rejects a whole batch before anything is persisted.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Kind, v.Message))
	}
	return "batch rejected: " + strings.Join(parts, "; ")
}

// Has reports whether any violation has the given kind.
func (e *ValidationError) Has(kind ViolationKind) bool {
	for _, v := range e.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

// Kinds returns the distinct violation kinds in first-seen order.
func (e *ValidationError) Kinds() []ViolationKind {
	seen := make(map[ViolationKind]bool)
	var kinds []ViolationKind
	for _, v := range e.Violations {
		if !seen[v.Kind] {
			seen[v.Kind] = true
			kinds = append(kinds, v.Kind)
		}
	}
	return kinds
}

// UniqueIDs returns every offending uniqueId, sorted.
func (e *ValidationError) UniqueIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, v := range e.Violations {
		for _, id := range v.UniqueIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)
	return ids
}

func (e *ValidationError) add(kind ViolationKind, uniqueIDs []int, taskIDs []string, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{
		Kind:      kind,
		UniqueIDs: uniqueIDs,
		TaskIDs:   taskIDs,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (e *ValidationError) empty() bool {
	return len(e.Violations) == 0
}

// AsValidationError unwraps err into a *ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// TransitionError reports a failed compare-and-swap.
type TransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
	Actual TaskState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move %s -> %s, current state is %s", e.TaskID, e.From, e.To, e.Actual)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// RetryErrorKind names a correctness-loop protocol violation.
type RetryErrorKind string

const RetryTargetNotTerminal RetryErrorKind = "target_not_terminal"

// RetryError aborts one correctness-loop round. No target is touched; the
// critique keeps its verdict and its dependents stay blocked.
type RetryError struct {
	Kind       RetryErrorKind       `json:"kind"`
	CritiqueID string               `json:"critique_id"`
	TaskIDs    []string             `json:"task_ids"`
	States     map[string]TaskState `json:"states"`
}

func (e *RetryError) Error() string {
	details := make([]string, 0, len(e.TaskIDs))
	for _, id := range e.TaskIDs {
		details = append(details, id+"="+e.States[id].String())
	}
	return fmt.Sprintf("retry for critique %s aborted: %s (%s)", e.CritiqueID, e.Kind, strings.Join(details, ", "))
}

// FeedbackEntry is one stored round of critique feedback for a task.
type FeedbackEntry struct {
	TaskID string `json:"task_id"`
	RetryFeedback
}

// RetryLimitError is surfaced when a critique keeps failing past the
// configured retry budget. The critique and its targets are Failed.
type RetryLimitError struct {
	CritiqueID string          `json:"critique_id"`
	Targets    []string        `json:"targets"`
	MaxRetries int             `json:"max_retries"`
	History    []FeedbackEntry `json:"history"`
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("critique %s exceeded %s retries for %s: %s",
		e.CritiqueID, strconv.Itoa(e.MaxRetries), strings.Join(e.Targets, ", "), FailureRetryLimitExceeded)
}
