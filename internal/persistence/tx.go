package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aristath/taskloop/internal/scheduler"
)

// Tx is a unit of work against the Task Store. It is only valid inside
// the Update callback that created it.
type Tx struct {
	tx      sqlx.ExtContext
	now     time.Time
	changes []Change
}

// GetTask loads a task with its dependencies.
func (t *Tx) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	var row dbTask
	err := sqlx.GetContext(ctx, t.tx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	tasks, err := t.hydrate(ctx, []dbTask{row})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// LookupTasks returns the existing tasks among ids.
func (t *Tx) LookupTasks(ctx context.Context, ids []string) (map[string]*scheduler.Task, error) {
	out := make(map[string]*scheduler.Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	tasks, err := t.selectTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		out[task.ID] = task
	}
	return out, nil
}

// Children returns the sub-tasks of parentID in dispatch order.
func (t *Tx) Children(ctx context.Context, parentID string) ([]*scheduler.Task, error) {
	return t.selectTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY task_order, seq`, parentID)
}

// Dependents returns the tasks that list taskID as a dependency.
func (t *Tx) Dependents(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	return t.selectTasks(ctx, `
		SELECT `+prefixed("t", taskColumns)+`
		FROM tasks t
		JOIN task_dependencies d ON d.task_id = t.id
		WHERE d.depends_on_id = ?
		ORDER BY t.task_order, t.seq
	`, taskID)
}

// selectTasks runs a task query. Arguments that are slices are expanded
// with sqlx.In.
func (t *Tx) selectTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	query, args, err := expandIn(query, args)
	if err != nil {
		return nil, err
	}

	var rows []dbTask
	if err := sqlx.SelectContext(ctx, t.tx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return t.hydrate(ctx, rows)
}

// hydrate converts rows and loads their dependency lists in one query.
func (t *Tx) hydrate(ctx context.Context, rows []dbTask) ([]*scheduler.Task, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	tasks := make([]*scheduler.Task, 0, len(rows))
	byID := make(map[string]*scheduler.Task, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
		ids = append(ids, task.ID)
	}

	query, args, err := sqlx.In(`
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id IN (?)
		ORDER BY dep.seq
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency query: %w", err)
	}

	var edges []struct {
		TaskID      string `db:"task_id"`
		DependsOnID string `db:"depends_on_id"`
	}
	if err := sqlx.SelectContext(ctx, t.tx, &edges, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	for _, e := range edges {
		task := byID[e.TaskID]
		task.Dependencies = append(task.Dependencies, e.DependsOnID)
	}
	return tasks, nil
}

// TransitionOption sets extra columns during a transition.
type TransitionOption func(*transitionOpts)

type transitionOpts struct {
	output            *string
	verdict           *scheduler.Verdict
	failureKind       scheduler.FailureKind
	failureReason     string
	claimedBy         string
	retryFeedback     *scheduler.RetryFeedback
	retryCount        *int
	incrementRetries  bool
	subtasksCompleted bool
	detail            string
}

// WithOutput records the worker's result.
func WithOutput(output string) TransitionOption {
	return func(o *transitionOpts) { o.output = &output }
}

// WithVerdict records a critique verdict.
func WithVerdict(v *scheduler.Verdict) TransitionOption {
	return func(o *transitionOpts) { o.verdict = v }
}

// WithFailure records why a task failed.
func WithFailure(kind scheduler.FailureKind, reason string) TransitionOption {
	return func(o *transitionOpts) {
		o.failureKind = kind
		o.failureReason = reason
	}
}

// WithClaimedBy records which worker or dispatcher took the task.
func WithClaimedBy(worker string) TransitionOption {
	return func(o *transitionOpts) { o.claimedBy = worker }
}

// WithRetryFeedback attaches correctness-loop feedback.
func WithRetryFeedback(fb *scheduler.RetryFeedback) TransitionOption {
	return func(o *transitionOpts) { o.retryFeedback = fb }
}

// WithRetryCount overwrites the retry counter.
func WithRetryCount(n int) TransitionOption {
	return func(o *transitionOpts) { o.retryCount = &n }
}

// IncrementRetries bumps the retry counter by one.
func IncrementRetries() TransitionOption {
	return func(o *transitionOpts) { o.incrementRetries = true }
}

// WithSubtasksCompleted sets the derived subtasks_completed flag.
func WithSubtasksCompleted() TransitionOption {
	return func(o *transitionOpts) { o.subtasksCompleted = true }
}

// WithDetail adds free text to the audit event.
func WithDetail(detail string) TransitionOption {
	return func(o *transitionOpts) { o.detail = detail }
}

// Transition moves a task from one state to another with a single
// compare-and-swap UPDATE. If the task is not in from, nothing changes and
// a *scheduler.TransitionError is returned.
func (t *Tx) Transition(ctx context.Context, taskID string, from, to scheduler.TaskState, opts ...TransitionOption) (*scheduler.Task, error) {
	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}

	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{to.String(), t.now}

	switch to {
	case scheduler.StatePlanned, scheduler.StateReady:
		// Back in the queue: forget the previous run
		sets = append(sets, "output = ''", "verdict = NULL", "failure_kind = ''", "failure_reason = ''",
			"claimed_by = ''", "started_at = NULL", "subtasks_completed = 0")
	case scheduler.StateRunning:
		sets = append(sets, "started_at = ?", "claimed_by = ?")
		args = append(args, t.now, o.claimedBy)
	}

	if o.output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *o.output)
	}
	if o.verdict != nil {
		sets = append(sets, "verdict = ?")
		args = append(args, JSONField[*scheduler.Verdict]{Data: o.verdict})
	}
	if o.failureKind != scheduler.FailureNone || o.failureReason != "" {
		sets = append(sets, "failure_kind = ?", "failure_reason = ?")
		args = append(args, string(o.failureKind), o.failureReason)
	}
	if o.retryFeedback != nil {
		sets = append(sets, "retry_feedback = ?")
		args = append(args, JSONField[*scheduler.RetryFeedback]{Data: o.retryFeedback})
	}
	if o.retryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *o.retryCount)
	}
	if o.incrementRetries {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if o.subtasksCompleted {
		sets = append(sets, "subtasks_completed = 1")
	}

	args = append(args, taskID, from.String())
	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		var actual string
		err := sqlx.GetContext(ctx, t.tx, &actual, `SELECT state FROM tasks WHERE id = ?`, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read task state: %w", err)
		}
		state, _ := scheduler.ParseTaskState(actual)
		return nil, &scheduler.TransitionError{TaskID: taskID, From: from, To: to, Actual: state}
	}

	if err := t.recordEvent(ctx, taskID, from.String(), to.String(), o.failureKind, o.detail); err != nil {
		return nil, err
	}

	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.changes = append(t.changes, Change{
		TaskID:   taskID,
		SkillID:  task.SkillID,
		ParentID: task.ParentID,
		From:     from,
		To:       to,
		Kind:     o.failureKind,
		Detail:   o.detail,
	})
	return task, nil
}

func (t *Tx) recordEvent(ctx context.Context, taskID, from, to string, kind scheduler.FailureKind, detail string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, from_state, to_state, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, from, to, string(kind), detail, t.now)
	if err != nil {
		return fmt.Errorf("failed to record event for %s: %w", taskID, err)
	}
	return nil
}

// AppendFeedback stores one round of critique feedback for a task.
func (t *Tx) AppendFeedback(ctx context.Context, taskID string, fb scheduler.RetryFeedback) error {
	issues := fb.Issues
	if issues == nil {
		issues = []any{}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_retry_feedback (task_id, critique_id, round, summary, issues, suggestion, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, taskID, fb.CritiqueID, fb.Round, fb.Summary, JSONField[[]any]{Data: issues}, fb.Suggestion, t.now)
	if err != nil {
		return fmt.Errorf("failed to store feedback for %s: %w", taskID, err)
	}
	return nil
}

// Feedback returns the last limit feedback entries recorded for any of
// taskIDs, oldest first. A limit of zero returns everything.
func (t *Tx) Feedback(ctx context.Context, taskIDs []string, limit int) ([]scheduler.FeedbackEntry, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	query := `SELECT id, task_id, critique_id, round, summary, issues, suggestion, created_at
		FROM task_retry_feedback WHERE task_id IN (?) ORDER BY id DESC`
	args := []any{taskIDs}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build feedback query: %w", err)
	}

	var rows []dbFeedback
	if err := sqlx.SelectContext(ctx, t.tx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}

	entries := make([]scheduler.FeedbackEntry, len(rows))
	for i := range rows {
		entries[len(rows)-1-i] = rows[i].toEntry()
	}
	return entries, nil
}

// prefixed qualifies every column in a column list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// expandIn rewrites IN (?) placeholders when any argument is a slice.
func expandIn(query string, args []any) (string, []any, error) {
	for _, a := range args {
		if _, ok := a.([]string); ok {
			q, expanded, err := sqlx.In(query, args...)
			if err != nil {
				return "", nil, fmt.Errorf("failed to expand query: %w", err)
			}
			return q, expanded, nil
		}
	}
	return query, args, nil
}
