package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/orchestrator"
	"github.com/aristath/taskloop/internal/scheduler"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a service error onto a status code and error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		logger.G(r.Context()).WithError(err).Error("request failed")
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var (
		terr     *scheduler.TransitionError
		retryErr *scheduler.RetryError
	)
	if ve, ok := scheduler.AsValidationError(err); ok {
		body.Code = CodeValidation
		body.Violations = ve.Violations
		body.UniqueIDs = ve.UniqueIDs()
		return http.StatusBadRequest, body
	}

	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		body.Code = CodeNotFound
		return http.StatusNotFound, body

	case errors.As(err, &retryErr):
		body.Code = CodeRetryAborted
		body.Retry = retryErr
		return http.StatusConflict, body

	case errors.As(err, &terr):
		body.Code = CodeConflict
		body.TaskID = terr.TaskID
		body.State = terr.Actual.String()
		return http.StatusConflict, body

	case errors.Is(err, scheduler.ErrInvalidTransition):
		body.Code = CodeConflict
		return http.StatusConflict, body

	case errors.Is(err, orchestrator.ErrMissingVerdict), errors.Is(err, scheduler.ErrInvalidVerdict):
		body.Code = CodeBadVerdict
		return http.StatusUnprocessableEntity, body

	default:
		body.Code = CodeInternal
		return http.StatusInternalServerError, body
	}
}

// badRequest reports a malformed request body or parameter.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeBadRequest})
}
