package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/aristath/taskloop/internal/scheduler"
)

// CreateBatch persists a resolved batch atomically. The persisted tasks the
// batch references are re-checked inside the transaction; if any vanished or
// can no longer accept sub-tasks the batch fails with ErrStaleBatch and the
// caller re-resolves it.
func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *scheduler.ResolvedBatch) ([]*scheduler.Task, error) {
	var created []*scheduler.Task

	err := s.Update(ctx, func(tx *Tx) error {
		external, err := tx.LookupTasks(ctx, batch.External)
		if err != nil {
			return err
		}
		for _, id := range batch.External {
			if _, ok := external[id]; !ok {
				return fmt.Errorf("%w: task %s no longer exists", scheduler.ErrStaleBatch, id)
			}
		}

		inBatch := make(map[string]*scheduler.Task, len(batch.Tasks))
		for _, rt := range batch.Tasks {
			inBatch[rt.Task.ID] = rt.Task
		}

		// Parents learn they are containers before anything is inserted.
		for _, rt := range batch.Tasks {
			parentID := rt.Task.ParentID
			if parentID == "" {
				continue
			}
			if parent, ok := inBatch[parentID]; ok {
				parent.HasChildren = true
				continue
			}
			parent := external[parentID]
			if parent.ParentID != "" || !acceptsChildren(parent) {
				return fmt.Errorf("%w: parent %s is %s", scheduler.ErrStaleBatch, parentID, parent.State)
			}
			if !parent.HasChildren {
				if _, err := tx.tx.ExecContext(ctx,
					`UPDATE tasks SET has_children = 1, updated_at = ? WHERE id = ? AND state = ?`,
					tx.now, parentID, parent.State.String()); err != nil {
					return fmt.Errorf("failed to mark container %s: %w", parentID, err)
				}
				parent.HasChildren = true
			}
		}

		for _, rt := range batch.Tasks {
			task := rt.Task
			task.State = initialState(task, inBatch, external)
			task.CreatedAt = tx.now
			task.UpdatedAt = tx.now
			if err := tx.insertTask(ctx, task); err != nil {
				return err
			}
		}

		for _, rt := range batch.Tasks {
			for _, dep := range rt.Task.Dependencies {
				if _, err := tx.tx.ExecContext(ctx,
					`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`,
					rt.Task.ID, dep); err != nil {
					return fmt.Errorf("failed to insert dependency %s -> %s: %w", rt.Task.ID, dep, err)
				}
			}
		}

		ids := make([]string, 0, len(batch.Tasks))
		for _, rt := range batch.Tasks {
			ids = append(ids, rt.Task.ID)
		}
		loaded, err := tx.LookupTasks(ctx, ids)
		if err != nil {
			return err
		}
		created = created[:0]
		for _, id := range ids {
			created = append(created, loaded[id])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// initialState is Ready when every dependency already succeeded and the
// parent, if any, is an opened container. In-batch dependencies and parents
// are never finished yet.
func initialState(task *scheduler.Task, inBatch, external map[string]*scheduler.Task) scheduler.TaskState {
	for _, dep := range task.Dependencies {
		if _, ok := inBatch[dep]; ok {
			return scheduler.StatePlanned
		}
		if d := external[dep]; d == nil || d.State != scheduler.StateSucceeded {
			return scheduler.StatePlanned
		}
	}
	if task.ParentID != "" {
		if _, ok := inBatch[task.ParentID]; ok {
			return scheduler.StatePlanned
		}
		if p := external[task.ParentID]; p == nil || p.State != scheduler.StateRunning {
			return scheduler.StatePlanned
		}
	}
	return scheduler.StateReady
}

func acceptsChildren(parent *scheduler.Task) bool {
	switch parent.State {
	case scheduler.StatePlanned, scheduler.StateReady:
		return true
	case scheduler.StateRunning:
		return parent.HasChildren
	default:
		return false
	}
}

func (t *Tx) insertTask(ctx context.Context, task *scheduler.Task) error {
	var parentID *string
	if task.ParentID != "" {
		parentID = &task.ParentID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tasks (id, skill_id, task_name, description, task_order, inputs, validation_criteria,
			parent_id, state, has_children, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.SkillID, task.Name, task.Description, task.Order, task.Inputs,
		JSONField[scheduler.ValidationCriteria]{Data: task.ValidationCriteria},
		parentID, task.State.String(), task.HasChildren, task.TimeoutSeconds, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}

	if err := t.recordEvent(ctx, task.ID, "", task.State.String(), scheduler.FailureNone, "created"); err != nil {
		return err
	}
	t.changes = append(t.changes, Change{
		TaskID:   task.ID,
		SkillID:  task.SkillID,
		ParentID: task.ParentID,
		Created:  true,
		To:       task.State,
	})
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	var task *scheduler.Task
	err := s.view(func(q *Tx) error {
		var err error
		task, err = q.GetTask(ctx, taskID)
		return err
	})
	return task, err
}

// LookupTasks implements scheduler.TaskLookup.
func (s *SQLiteStore) LookupTasks(ctx context.Context, ids []string) (map[string]*scheduler.Task, error) {
	var out map[string]*scheduler.Task
	err := s.view(func(q *Tx) error {
		var err error
		out, err = q.LookupTasks(ctx, ids)
		return err
	})
	return out, err
}

// ListTasks returns tasks in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter ListFilter) ([]*scheduler.Task, error) {
	var where []string
	var args []any
	if len(filter.States) > 0 {
		names := make([]string, len(filter.States))
		for i, st := range filter.States {
			names[i] = st.String()
		}
		where = append(where, "state IN (?)")
		args = append(args, names)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var tasks []*scheduler.Task
	err := s.view(func(q *Tx) error {
		var err error
		tasks, err = q.selectTasks(ctx, query, args...)
		return err
	})
	return tasks, err
}

// ListReady returns dispatchable tasks ordered by task_order, then FIFO.
func (s *SQLiteStore) ListReady(ctx context.Context, limit int) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	err := s.view(func(q *Tx) error {
		var err error
		tasks, err = q.NextReady(ctx, limit, nil)
		return err
	})
	return tasks, err
}

// ListRunning returns every Running task, containers included.
func (s *SQLiteStore) ListRunning(ctx context.Context) ([]*scheduler.Task, error) {
	return s.ListTasks(ctx, ListFilter{States: []scheduler.TaskState{scheduler.StateRunning}})
}

// Feedback returns the last limit feedback entries of a task, oldest first.
func (s *SQLiteStore) Feedback(ctx context.Context, taskID string, limit int) ([]scheduler.FeedbackEntry, error) {
	var entries []scheduler.FeedbackEntry
	err := s.view(func(q *Tx) error {
		var err error
		entries, err = q.Feedback(ctx, []string{taskID}, limit)
		return err
	})
	return entries, err
}

// Events returns the transition history of a task.
func (s *SQLiteStore) Events(ctx context.Context, taskID string) ([]TaskEvent, error) {
	var events []TaskEvent
	err := sqlx.SelectContext(ctx, s.db, &events, `
		SELECT id, task_id, from_state, to_state, kind, detail, created_at
		FROM task_events WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

// Transition performs a single compare-and-swap transition.
func (s *SQLiteStore) Transition(ctx context.Context, taskID string, from, to scheduler.TaskState, opts ...TransitionOption) (*scheduler.Task, error) {
	var task *scheduler.Task
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		task, err = tx.Transition(ctx, taskID, from, to, opts...)
		return err
	})
	return task, err
}

// Claim opens ready containers and then moves the first dispatchable task
// matching req from Ready to Running. It returns nil when nothing is ready.
func (s *SQLiteStore) Claim(ctx context.Context, req ClaimRequest) (*scheduler.Task, error) {
	var claimed *scheduler.Task
	err := s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.OpenContainers(ctx); err != nil {
			return err
		}
		next, err := tx.NextReady(ctx, 1, req.SkillIDs)
		if err != nil || len(next) == 0 {
			return err
		}
		claimed, err = tx.Transition(ctx, next[0].ID, scheduler.StateReady, scheduler.StateRunning,
			WithClaimedBy(req.Worker))
		return err
	})
	return claimed, err
}

// OpenContainers opens every Ready container.
func (s *SQLiteStore) OpenContainers(ctx context.Context) ([]string, error) {
	var opened []string
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		opened, err = tx.OpenContainers(ctx)
		return err
	})
	return opened, err
}

// Fail moves a Running task to Failed with the given kind.
func (s *SQLiteStore) Fail(ctx context.Context, taskID string, kind scheduler.FailureKind, reason string) (*scheduler.Task, error) {
	var task *scheduler.Task
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		task, err = tx.FailTask(ctx, taskID, kind, reason)
		return err
	})
	return task, err
}

// Cancel cancels a task and everything that can no longer run because of it.
func (s *SQLiteStore) Cancel(ctx context.Context, taskID, reason string) ([]string, error) {
	var cancelled []string
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		cancelled, err = tx.CancelCascade(ctx, taskID, reason)
		return err
	})
	return cancelled, err
}

// Resubmit requeues a Failed or Cancelled task.
func (s *SQLiteStore) Resubmit(ctx context.Context, taskID string) (*scheduler.Task, error) {
	var task *scheduler.Task
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		task, err = tx.ResubmitTask(ctx, taskID)
		return err
	})
	return task, err
}
