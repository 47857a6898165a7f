package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		skill_id TEXT NOT NULL,
		task_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		task_order INTEGER NOT NULL DEFAULT 0,
		inputs TEXT NOT NULL DEFAULT '{}',
		validation_criteria TEXT NOT NULL DEFAULT '{}',
		parent_id TEXT REFERENCES tasks(id) DEFERRABLE INITIALLY DEFERRED,
		state TEXT NOT NULL,
		failure_kind TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		verdict TEXT,
		retry_feedback TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		has_children INTEGER NOT NULL DEFAULT 0,
		subtasks_completed INTEGER NOT NULL DEFAULT 0,
		timeout_seconds INTEGER NOT NULL,
		claimed_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state_order ON tasks(state, task_order, seq);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE DEFERRABLE INITIALLY DEFERRED,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE DEFERRABLE INITIALLY DEFERRED
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);

	CREATE TABLE IF NOT EXISTS task_retry_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		critique_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		issues TEXT NOT NULL DEFAULT '[]',
		suggestion TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_retry_feedback_task ON task_retry_feedback(task_id, id);

	CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
