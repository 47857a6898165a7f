package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskloop/internal/scheduler"
)

// ListFilter narrows ListTasks.
type ListFilter struct {
	States   []scheduler.TaskState
	ParentID string
	Limit    int
}

// ClaimRequest asks for the next dispatchable task on behalf of a worker.
type ClaimRequest struct {
	Worker   string
	SkillIDs []string // empty means any skill
}

// Store is the Task Store. Every state change goes through a
// compare-and-swap transition inside a transaction.
type Store interface {
	scheduler.TaskLookup

	// Creation
	CreateBatch(ctx context.Context, batch *scheduler.ResolvedBatch) ([]*scheduler.Task, error)

	// Queries
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context, filter ListFilter) ([]*scheduler.Task, error)
	ListReady(ctx context.Context, limit int) ([]*scheduler.Task, error)
	ListRunning(ctx context.Context) ([]*scheduler.Task, error)
	Feedback(ctx context.Context, taskID string, limit int) ([]scheduler.FeedbackEntry, error)
	Events(ctx context.Context, taskID string) ([]TaskEvent, error)

	// State changes
	Transition(ctx context.Context, taskID string, from, to scheduler.TaskState, opts ...TransitionOption) (*scheduler.Task, error)
	Claim(ctx context.Context, req ClaimRequest) (*scheduler.Task, error)
	OpenContainers(ctx context.Context) ([]string, error)
	Fail(ctx context.Context, taskID string, kind scheduler.FailureKind, reason string) (*scheduler.Task, error)
	Cancel(ctx context.Context, taskID, reason string) ([]string, error)
	Resubmit(ctx context.Context, taskID string) (*scheduler.Task, error)

	// Update runs fn in one transaction. fn must only use tx.
	Update(ctx context.Context, fn func(tx *Tx) error) error

	// OnChange registers fn to receive every committed change.
	OnChange(fn func(Change))

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time

	hookMu   sync.RWMutex
	onChange []func(Change)
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	db, err := sqlx.Open("sqlite", fileDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := configure(ctx, db, true); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return newStore(ctx, db)
}

// fileDSN opens every transaction with BEGIN IMMEDIATE. A deferred
// transaction that reads before it writes fails with SQLITE_BUSY when
// another process wrote in between, without waiting on busy_timeout.
func fileDSN(path string) string {
	return path + "?_txlock=immediate&_pragma=busy_timeout(5000)"
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each name
// is a separate database; connections opened with the same name share it.
func NewMemoryStore(ctx context.Context, name string) (*SQLiteStore, error) {
	if name == "" {
		name = "taskloop"
	}
	db, err := sqlx.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	if err := configure(ctx, db, false); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// configure applies pragmas and limits the pool to a single connection, so
// every transaction is serialized by the pool itself.
func configure(ctx context.Context, db *sqlx.DB, wal bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if wal {
		pragmas = append([]string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"}, pragmas...)
	}

	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %q: %w", pragma, err)
		}
	}

	if wal {
		var journalMode string
		if err := db.GetContext(ctx, &journalMode, "PRAGMA journal_mode"); err != nil {
			return fmt.Errorf("failed to query journal mode: %w", err)
		}
		if strings.ToLower(journalMode) != "wal" {
			return fmt.Errorf("WAL mode not enabled, current mode: %s", journalMode)
		}
	}
	return nil
}

// OnChange registers a hook called after every committed state change.
// Hooks run synchronously on the committing goroutine and must not call
// back into the store.
func (s *SQLiteStore) OnChange(fn func(Change)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Update runs fn in a single transaction and commits when it returns nil.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{tx: sqlTx, now: s.now()}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(tx.changes)
	return nil
}

func (s *SQLiteStore) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.hookMu.RLock()
	hooks := append([]func(Change){}, s.onChange...)
	s.hookMu.RUnlock()

	for _, c := range changes {
		for _, fn := range hooks {
			fn(c)
		}
	}
}

// view runs fn against the database outside any transaction.
func (s *SQLiteStore) view(fn func(q *Tx) error) error {
	return fn(&Tx{tx: s.db, now: s.now()})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
