package persistence

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jmoiron/sqlx"

	"github.com/aristath/taskloop/internal/scheduler"
)

// readyQuery selects dispatchable tasks: Ready, not a container, and either
// top-level or inside an opened parent. Ties break on task_order then
// creation sequence.
const readyQuery = `
	SELECT ` + taskColumns + ` FROM tasks
	WHERE state = 'ready'
		AND has_children = 0
		AND (parent_id IS NULL OR EXISTS (
			SELECT 1 FROM tasks p WHERE p.id = tasks.parent_id AND p.state = 'running'))`

// Advance is the result of propagating a success through the graph.
type Advance struct {
	Promoted  []string // Planned -> Ready
	Completed []string // containers whose children all succeeded
}

func (a *Advance) merge(other *Advance) {
	a.Promoted = append(a.Promoted, other.Promoted...)
	a.Completed = append(a.Completed, other.Completed...)
}

// Eligible reports whether a Planned task may become Ready: every
// dependency has Succeeded, and its parent, if any, is Running.
func (t *Tx) Eligible(ctx context.Context, task *scheduler.Task) (bool, error) {
	var pending int
	err := sqlx.GetContext(ctx, t.tx, &pending, `
		SELECT COUNT(*)
		FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id = ? AND dep.state != 'succeeded'
	`, task.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count pending dependencies: %w", err)
	}
	if pending > 0 {
		return false, nil
	}

	if task.ParentID == "" {
		return true, nil
	}
	var parentState string
	if err := sqlx.GetContext(ctx, t.tx, &parentState, `SELECT state FROM tasks WHERE id = ?`, task.ParentID); err != nil {
		return false, fmt.Errorf("failed to read parent state: %w", err)
	}
	return parentState == scheduler.StateRunning.String(), nil
}

// OnDependencySucceeded promotes every Planned dependent of depID whose
// dependencies have now all succeeded. It is the only path out of Planned
// besides container opening.
func (t *Tx) OnDependencySucceeded(ctx context.Context, depID string) ([]string, error) {
	dependents, err := t.Dependents(ctx, depID)
	if err != nil {
		return nil, err
	}

	var promoted []string
	for _, d := range dependents {
		if d.State != scheduler.StatePlanned {
			continue
		}
		ok, err := t.Eligible(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, err := t.Transition(ctx, d.ID, scheduler.StatePlanned, scheduler.StateReady,
			WithDetail("dependencies satisfied")); err != nil {
			return nil, err
		}
		promoted = append(promoted, d.ID)
	}
	return promoted, nil
}

// Advance propagates the success of taskID: dependents are promoted and,
// when taskID is the last child of its parent to succeed, the parent is
// completed and propagated in turn.
func (t *Tx) Advance(ctx context.Context, taskID string) (*Advance, error) {
	out := &Advance{}

	promoted, err := t.OnDependencySucceeded(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out.Promoted = promoted

	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ParentID == "" {
		return out, nil
	}

	done, err := t.completeContainer(ctx, task.ParentID)
	if err != nil {
		return nil, err
	}
	if done {
		out.Completed = append(out.Completed, task.ParentID)
		next, err := t.Advance(ctx, task.ParentID)
		if err != nil {
			return nil, err
		}
		out.merge(next)
	}
	return out, nil
}

// completeContainer moves an opened container to Succeeded once every child
// has succeeded.
func (t *Tx) completeContainer(ctx context.Context, parentID string) (bool, error) {
	var counts struct {
		Total     int `db:"total"`
		Succeeded int `db:"succeeded"`
	}
	err := sqlx.GetContext(ctx, t.tx, &counts, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN state = 'succeeded' THEN 1 ELSE 0 END), 0) AS succeeded
		FROM tasks WHERE parent_id = ?
	`, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to count children: %w", err)
	}
	if counts.Total == 0 || counts.Succeeded < counts.Total {
		return false, nil
	}

	_, err = t.Transition(ctx, parentID, scheduler.StateRunning, scheduler.StateSucceeded,
		WithSubtasksCompleted(), WithDetail("all sub-tasks succeeded"))
	var terr *scheduler.TransitionError
	if errors.As(err, &terr) {
		// Not opened (or already finished); nothing to complete.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OpenContainers moves every Ready container to Running and promotes its
// eligible children. Containers are never handed to a worker.
func (t *Tx) OpenContainers(ctx context.Context) ([]string, error) {
	containers, err := t.selectTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE state = 'ready' AND has_children = 1 ORDER BY task_order, seq`)
	if err != nil {
		return nil, err
	}

	var opened []string
	for _, c := range containers {
		if _, err := t.Transition(ctx, c.ID, scheduler.StateReady, scheduler.StateRunning,
			WithDetail("container opened")); err != nil {
			return nil, err
		}
		opened = append(opened, c.ID)

		children, err := t.Children(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.State != scheduler.StatePlanned {
				continue
			}
			ok, err := t.Eligible(ctx, child)
			if err != nil {
				return nil, err
			}
			if ok {
				if _, err := t.Transition(ctx, child.ID, scheduler.StatePlanned, scheduler.StateReady,
					WithDetail("parent opened")); err != nil {
					return nil, err
				}
			}
		}

		// Every child may already have succeeded in an earlier round.
		done, err := t.completeContainer(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if done {
			if _, err := t.Advance(ctx, c.ID); err != nil {
				return nil, err
			}
		}
	}
	return opened, nil
}

// NextReady returns up to limit dispatchable tasks in dispatch order,
// optionally restricted to skillIDs.
func (t *Tx) NextReady(ctx context.Context, limit int, skillIDs []string) ([]*scheduler.Task, error) {
	query := readyQuery
	var args []any
	if len(skillIDs) > 0 {
		query += ` AND skill_id IN (?)`
		args = append(args, skillIDs)
	}
	query += ` ORDER BY task_order ASC, seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return t.selectTasks(ctx, query, args...)
}

// FailTask moves a Running task to Failed. A failed sub-task fails its
// opened parent with kind subtask_failed and cancels the siblings that
// have not started.
func (t *Tx) FailTask(ctx context.Context, taskID string, kind scheduler.FailureKind, reason string) (*scheduler.Task, error) {
	task, err := t.Transition(ctx, taskID, scheduler.StateRunning, scheduler.StateFailed,
		WithFailure(kind, reason), WithDetail(reason))
	if err != nil {
		return nil, err
	}
	if task.ParentID == "" {
		return task, nil
	}

	_, err = t.Transition(ctx, task.ParentID, scheduler.StateRunning, scheduler.StateFailed,
		WithFailure(scheduler.FailureSubtaskFailed, fmt.Sprintf("sub-task %s failed: %s", taskID, reason)))
	var terr *scheduler.TransitionError
	if errors.As(err, &terr) {
		return task, nil
	}
	if err != nil {
		return nil, err
	}

	siblings, err := t.Children(ctx, task.ParentID)
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.State != scheduler.StatePlanned && s.State != scheduler.StateReady {
			continue
		}
		if _, err := t.Transition(ctx, s.ID, s.State, scheduler.StateCancelled,
			WithDetail("sibling "+taskID+" failed")); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// CancelCascade cancels taskID, its incomplete children, its parent and
// transitively every non-terminal dependent. Cancelling a terminal task is
// an invalid transition.
func (t *Tx) CancelCascade(ctx context.Context, taskID, reason string) ([]string, error) {
	root, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if root.State.Terminal() {
		return nil, &scheduler.TransitionError{TaskID: taskID, From: root.State, To: scheduler.StateCancelled, Actual: root.State}
	}

	var cancelled []string
	seen := map[string]bool{taskID: true}
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		task, err := t.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.State.Terminal() {
			continue
		}

		detail := reason
		if id != taskID {
			detail = "cascaded from " + taskID
		}
		if _, err := t.Transition(ctx, id, task.State, scheduler.StateCancelled, WithDetail(detail)); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, id)

		var next []string
		if task.ParentID != "" {
			next = append(next, task.ParentID)
		}
		children, err := t.Children(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			next = append(next, c.ID)
		}
		dependents, err := t.Dependents(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, d := range dependents {
			next = append(next, d.ID)
		}

		for _, n := range next {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return cancelled, nil
}

// ResubmitTask puts a Failed or Cancelled task back in the queue: Ready if
// it is eligible, Planned otherwise. Resubmitting a container also requeues
// its failed or cancelled children.
func (t *Tx) ResubmitTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != scheduler.StateFailed && task.State != scheduler.StateCancelled {
		return nil, &scheduler.TransitionError{TaskID: taskID, From: scheduler.StateFailed, To: scheduler.StateReady, Actual: task.State}
	}
	if task.ParentID != "" {
		parent, err := t.GetTask(ctx, task.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.State.Terminal() {
			return nil, fmt.Errorf("%w: parent %s is %s, resubmit the parent instead",
				scheduler.ErrInvalidTransition, parent.ID, parent.State)
		}
	}

	opts := []TransitionOption{WithDetail("resubmitted")}
	if task.FailureKind == scheduler.FailureRetryLimitExceeded {
		opts = append(opts, WithRetryCount(0))
	}

	target := scheduler.StatePlanned
	ok, err := t.Eligible(ctx, task)
	if err != nil {
		return nil, err
	}
	if ok {
		target = scheduler.StateReady
	}

	if task.HasChildren {
		children, err := t.Children(ctx, taskID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.State != scheduler.StateFailed && c.State != scheduler.StateCancelled {
				continue
			}
			if _, err := t.Transition(ctx, c.ID, c.State, scheduler.StatePlanned,
				WithDetail("parent resubmitted")); err != nil {
				return nil, err
			}
		}
	}

	return t.Transition(ctx, taskID, task.State, target, opts...)
}

// Reopen sends a finished task straight back to Ready with fb attached,
// bypassing Planned since its dependencies already succeeded once. Ready
// dependents fall back to Planned because the task no longer counts as
// succeeded, and critiques that already passed it wait to judge it again. A container also resets every child to Planned so the whole
// sequence replays after it is opened again.
func (t *Tx) Reopen(ctx context.Context, taskID string, fb *scheduler.RetryFeedback) (*scheduler.Task, error) {
	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != scheduler.StateSucceeded && task.State != scheduler.StateFailed {
		return nil, &scheduler.TransitionError{TaskID: taskID, From: scheduler.StateSucceeded, To: scheduler.StateReady, Actual: task.State}
	}

	if task.HasChildren {
		children, err := t.Children(ctx, taskID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.State == scheduler.StatePlanned {
				continue
			}
			if _, err := t.Transition(ctx, c.ID, c.State, scheduler.StatePlanned,
				WithDetail("parent reopened for retry")); err != nil {
				return nil, err
			}
		}
	}

	if _, err := t.demote(ctx, taskID, true); err != nil {
		return nil, err
	}

	detail := "reopened for retry"
	if fb != nil && fb.CritiqueID != "" {
		detail = fmt.Sprintf("reopened by %s, round %d", fb.CritiqueID, fb.Round)
	}
	return t.Transition(ctx, taskID, task.State, scheduler.StateReady,
		WithRetryFeedback(fb), IncrementRetries(), WithDetail(detail))
}

// Escalate fails a task that already finished, e.g. when its critique
// gave up. Ready dependents fall back to Planned.
func (t *Tx) Escalate(ctx context.Context, taskID string, kind scheduler.FailureKind, reason string) (*scheduler.Task, error) {
	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != scheduler.StateSucceeded && task.State != scheduler.StateFailed {
		return nil, &scheduler.TransitionError{TaskID: taskID, From: scheduler.StateSucceeded, To: scheduler.StateFailed, Actual: task.State}
	}
	if _, err := t.demote(ctx, taskID, false); err != nil {
		return nil, err
	}
	return t.Transition(ctx, taskID, task.State, scheduler.StateFailed, WithFailure(kind, reason), WithDetail(reason))
}

// demote sends Ready dependents of taskID back to Planned. With
// resetCritiques set, a critique of taskID that already passed goes back
// to Planned as well and takes its own Ready dependents with it.
func (t *Tx) demote(ctx context.Context, taskID string, resetCritiques bool) ([]string, error) {
	dependents, err := t.Dependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var demoted []string
	for _, d := range dependents {
		switch {
		case d.State == scheduler.StateReady:
			if _, err := t.Transition(ctx, d.ID, scheduler.StateReady, scheduler.StatePlanned,
				WithDetail("dependency "+taskID+" reopened")); err != nil {
				return nil, err
			}
			demoted = append(demoted, d.ID)

		case resetCritiques && d.State == scheduler.StateSucceeded && slices.Contains(d.Inputs.CritiqueTaskIDs(), taskID):
			if _, err := t.Transition(ctx, d.ID, scheduler.StateSucceeded, scheduler.StatePlanned,
				WithDetail("target "+taskID+" reopened, verdict stale")); err != nil {
				return nil, err
			}
			demoted = append(demoted, d.ID)
			more, err := t.demote(ctx, d.ID, false)
			if err != nil {
				return nil, err
			}
			demoted = append(demoted, more...)
		}
	}
	return demoted, nil
}
