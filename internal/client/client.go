// Package client talks to a running taskloop API server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aristath/taskloop/internal/api"
	"github.com/aristath/taskloop/internal/orchestrator"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
)

// Error is a non-2xx response from the server. It unwraps to the
// scheduler error matching its code, so callers can use errors.Is.
type Error struct {
	Status int
	Body   api.ErrorResponse
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Body.Error, e.Status, e.Body.Code)
}

func (e *Error) Unwrap() error {
	switch e.Body.Code {
	case api.CodeNotFound:
		return scheduler.ErrTaskNotFound
	case api.CodeConflict:
		return scheduler.ErrInvalidTransition
	case api.CodeBadVerdict:
		return scheduler.ErrInvalidVerdict
	case api.CodeValidation:
		return &scheduler.ValidationError{Violations: e.Body.Violations}
	case api.CodeRetryAborted:
		if e.Body.Retry != nil {
			return e.Body.Retry
		}
	}
	return nil
}

// Client is a thin JSON client for the /v1 API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the server at addr ("host:port" or a URL).
func New(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitBatch creates a batch of tasks.
func (c *Client) SubmitBatch(ctx context.Context, batch scheduler.Batch) (*orchestrator.Submission, error) {
	var out orchestrator.Submission
	if err := c.do(ctx, http.MethodPost, "/v1/batches", batch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateBatch resolves a batch on the server without persisting it.
func (c *Client) ValidateBatch(ctx context.Context, batch scheduler.Batch) (*api.ValidateResponse, error) {
	var out api.ValidateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/batches/validate", batch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	var out scheduler.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns tasks, optionally filtered.
func (c *Client) ListTasks(ctx context.Context, filter persistence.ListFilter) ([]*scheduler.Task, error) {
	q := url.Values{}
	for _, s := range filter.States {
		q.Add("state", s.String())
	}
	if filter.ParentID != "" {
		q.Set("parent", filter.ParentID)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	path := "/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []*scheduler.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Feedback returns the critique feedback recorded for a task.
func (c *Client) Feedback(ctx context.Context, id string) ([]scheduler.FeedbackEntry, error) {
	var out []scheduler.FeedbackEntry
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/feedback", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events returns the transition history of a task.
func (c *Client) Events(ctx context.Context, id string) ([]persistence.TaskEvent, error) {
	var out []persistence.TaskEvent
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel cancels a task and its cascade.
func (c *Client) Cancel(ctx context.Context, id, reason string) ([]string, error) {
	var out api.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/cancel", api.CancelRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return out.Cancelled, nil
}

// Resubmit requeues a failed or cancelled task.
func (c *Client) Resubmit(ctx context.Context, id string) (*scheduler.Task, error) {
	var out scheduler.Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/resubmit", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = resp.Status
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
