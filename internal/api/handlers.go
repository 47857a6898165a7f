package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/taskloop/internal/orchestrator"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
)

// maxBodyBytes bounds request bodies; agent output can be large.
const maxBodyBytes = 8 << 20

// decode reads a JSON body into v. An empty body is accepted when optional.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var batch scheduler.Batch
	if !decode(w, r, &batch, false) {
		return
	}
	sub, err := s.svc.SubmitBatch(r.Context(), batch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleValidateBatch(w http.ResponseWriter, r *http.Request) {
	var batch scheduler.Batch
	if !decode(w, r, &batch, false) {
		return
	}
	resolved, err := s.svc.Validate(r.Context(), batch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{IDs: resolved.IDs(), Order: resolved.Order})
}

func (s *Server) handleCreateSubtask(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.TaskSpec
	if !decode(w, r, &spec, false) {
		return
	}
	task, err := s.svc.CreateSubtask(r.Context(), chi.URLParam(r, "id"), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decode(w, r, &req, false) {
		return
	}
	if req.Worker == "" {
		badRequest(w, "worker is required")
		return
	}
	task, err := s.svc.Claim(r.Context(), persistence.ClaimRequest{Worker: req.Worker, SkillIDs: req.SkillIDs})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleComplete applies a worker's result. An escalation past the retry
// budget is still a successful completion: the outcome carries it.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var c orchestrator.Completion
	if !decode(w, r, &c, false) {
		return
	}
	out, err := s.svc.Complete(r.Context(), chi.URLParam(r, "id"), c)
	var limit *scheduler.RetryLimitError
	if err != nil && !errors.As(err, &limit) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if !decode(w, r, &req, false) {
		return
	}
	if req.Reason == "" {
		badRequest(w, "reason is required")
		return
	}
	task, err := s.svc.Fail(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req, true) {
		return
	}
	cancelled, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleListTasks accepts ?state= (repeatable or comma-separated),
// ?parent= and ?limit=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.ListFilter{ParentID: q.Get("parent")}

	for _, raw := range q["state"] {
		for _, name := range strings.Split(raw, ",") {
			state, err := scheduler.ParseTaskState(strings.TrimSpace(name))
			if err != nil {
				badRequest(w, err.Error())
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}

	tasks, err := s.svc.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	entries, err := s.svc.Feedback(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []scheduler.FeedbackEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []persistence.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, history)
}
