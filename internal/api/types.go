package api

import (
	"github.com/aristath/taskloop/internal/scheduler"
)

// ClaimRequest is the body of POST /v1/claim.
type ClaimRequest struct {
	Worker   string   `json:"worker"`
	SkillIDs []string `json:"skill_ids,omitempty"`
}

// FailRequest is the body of POST /v1/tasks/{id}/fail.
type FailRequest struct {
	Reason string `json:"reason"`
}

// CancelRequest is the optional body of POST /v1/tasks/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelResponse lists every task the cancellation reached.
type CancelResponse struct {
	Cancelled []string `json:"cancelled"`
}

// ValidateResponse is the dry-run result of POST /v1/batches/validate.
type ValidateResponse struct {
	IDs   map[int]string `json:"ids"`
	Order []string       `json:"order"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Batch validation failures.
	Violations []scheduler.Violation `json:"violations,omitempty"`
	UniqueIDs  []int                 `json:"unique_ids,omitempty"`

	// Failed compare-and-swap.
	TaskID string `json:"task_id,omitempty"`
	State  string `json:"state,omitempty"`

	// Aborted correctness-loop round.
	Retry *scheduler.RetryError `json:"retry,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation   = "validation_failed"
	CodeNotFound     = "not_found"
	CodeConflict     = "invalid_transition"
	CodeRetryAborted = "retry_aborted"
	CodeBadVerdict   = "invalid_verdict"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)
