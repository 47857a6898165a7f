// Package orchestrator drives tasks through the store: it commits batches,
// dispatches ready work to agent runtimes, applies completions, and runs
// the correctness loop for critique verdicts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/metrics"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
	"github.com/aristath/taskloop/internal/skills"
)

// maxStaleRetries bounds how often a batch is re-resolved when persisted
// state keeps changing under it.
const maxStaleRetries = 5

// ServiceConfig configures a Service.
type ServiceConfig struct {
	MaxRetries            int // failing verdicts a critique may turn into retries
	FeedbackHistory       int // feedback entries surfaced on retry_limit_exceeded
	DefaultTimeoutSeconds int
	StaleBatchRetry       RetryConfig

	Bus     *events.EventBus // optional
	Metrics *metrics.Metrics // optional
}

// DefaultServiceConfig mirrors the configuration defaults.
func DefaultServiceConfig() ServiceConfig {
	stale := DefaultRetryConfig()
	stale.InitialInterval = 10 * time.Millisecond
	stale.MaxInterval = 200 * time.Millisecond
	stale.MaxElapsedTime = 5 * time.Second
	return ServiceConfig{
		MaxRetries:            3,
		FeedbackHistory:       5,
		DefaultTimeoutSeconds: 1800,
		StaleBatchRetry:       stale,
	}
}

// Service is the single entry point for every task mutation. The HTTP API,
// the CLI and the in-process dispatcher all go through it.
type Service struct {
	store    persistence.Store
	skills   *skills.Registry
	resolver *scheduler.Resolver
	locks    *scheduler.TaskLocks
	cfg      ServiceConfig
	bus      *events.EventBus
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService wires a Service to store. A nil registry treats every skill as
// development work.
func NewService(store persistence.Store, registry *skills.Registry, cfg ServiceConfig) *Service {
	if registry == nil {
		registry = skills.NewStaticRegistry()
	}
	if cfg.FeedbackHistory <= 0 {
		cfg.FeedbackHistory = 5
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 1800
	}
	if cfg.StaleBatchRetry.InitialInterval <= 0 {
		cfg.StaleBatchRetry = DefaultServiceConfig().StaleBatchRetry
	}

	s := &Service{
		store:    store,
		skills:   registry,
		resolver: scheduler.NewResolver(store, registry, scheduler.WithDefaultTimeout(cfg.DefaultTimeoutSeconds)),
		locks:    scheduler.NewTaskLocks(),
		cfg:      cfg,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
	store.OnChange(s.handleChange)
	return s
}

// Store returns the underlying task store.
func (s *Service) Store() persistence.Store { return s.store }

// Skills returns the skill registry.
func (s *Service) Skills() *skills.Registry { return s.skills }

// Bus returns the event bus, which may be nil.
func (s *Service) Bus() *events.EventBus { return s.bus }

// Category returns the category of a skill.
func (s *Service) Category(skillID string) scheduler.SkillCategory {
	return s.skills.Category(skillID)
}

// OnChange registers fn for every committed change. fn runs on the
// committing goroutine and must not call back into the store.
func (s *Service) OnChange(fn func(persistence.Change)) {
	s.store.OnChange(fn)
}

// Submission is the result of a committed batch.
type Submission struct {
	IDs   map[int]string    `json:"ids"`
	Order []string          `json:"order"`
	Tasks []*scheduler.Task `json:"tasks"`
}

// SubmitBatch validates and persists a batch atomically. When persisted
// state changed between validation and commit, the batch is resolved again.
func (s *Service) SubmitBatch(ctx context.Context, batch scheduler.Batch) (*Submission, error) {
	batch = s.withSkillDefaults(batch)
	resolved, created, err := s.commit(ctx, func() (*scheduler.ResolvedBatch, error) {
		return s.resolver.Resolve(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	logger.G(ctx).WithFields(logrus.Fields{
		"tasks": len(created),
		"order": resolved.Order,
	}).Info("batch created")
	return &Submission{IDs: resolved.IDs(), Order: resolved.Order, Tasks: created}, nil
}

// Validate resolves a batch against the store without persisting it.
func (s *Service) Validate(ctx context.Context, batch scheduler.Batch) (*scheduler.ResolvedBatch, error) {
	resolved, err := s.resolver.Resolve(ctx, s.withSkillDefaults(batch))
	if err != nil {
		s.countRejections(err)
		return nil, err
	}
	return resolved, nil
}

// CreateSubtask adds one sub-task under an existing top-level task.
func (s *Service) CreateSubtask(ctx context.Context, parentID string, spec scheduler.TaskSpec) (*scheduler.Task, error) {
	spec = s.withSkillDefaults(scheduler.Batch{Tasks: []scheduler.TaskSpec{spec}}).Tasks[0]
	_, created, err := s.commit(ctx, func() (*scheduler.ResolvedBatch, error) {
		return s.resolver.ResolveSubtask(ctx, parentID, spec)
	})
	if err != nil {
		return nil, err
	}
	logger.G(ctx).WithFields(logrus.Fields{"task_id": created[0].ID, "parent_id": parentID}).Info("sub-task created")
	return created[0], nil
}

// commit resolves and persists, re-resolving on ErrStaleBatch.
func (s *Service) commit(ctx context.Context, resolve func() (*scheduler.ResolvedBatch, error)) (*scheduler.ResolvedBatch, []*scheduler.Task, error) {
	var (
		resolved *scheduler.ResolvedBatch
		created  []*scheduler.Task
	)

	operation := func() error {
		var err error
		resolved, err = resolve()
		if err != nil {
			s.countRejections(err)
			return backoff.Permanent(err)
		}
		created, err = s.store.CreateBatch(ctx, resolved)
		if errors.Is(err, scheduler.ErrStaleBatch) {
			if s.metrics != nil {
				s.metrics.StaleBatchRetries.Inc()
			}
			logger.G(ctx).WithError(err).Debug("batch went stale before commit, resolving again")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(s.cfg.StaleBatchRetry.backOff(ctx), maxStaleRetries)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.BatchesCreated.Inc()
	}
	return resolved, created, nil
}

// withSkillDefaults copies the batch and fills timeouts from skill bundles.
func (s *Service) withSkillDefaults(batch scheduler.Batch) scheduler.Batch {
	out := scheduler.Batch{Tasks: make([]scheduler.TaskSpec, len(batch.Tasks))}
	snap := s.skills.Snapshot()
	for i, spec := range batch.Tasks {
		if spec.TimeoutSeconds <= 0 {
			if sk, ok := snap.Get(spec.SkillID); ok && sk.TimeoutSeconds > 0 {
				spec.TimeoutSeconds = sk.TimeoutSeconds
			}
		}
		out.Tasks[i] = spec
	}
	return out
}

func (s *Service) countRejections(err error) {
	ve, ok := scheduler.AsValidationError(err)
	if !ok || s.metrics == nil {
		return
	}
	for _, v := range ve.Violations {
		s.metrics.ValidationRejections.WithLabelValues(string(v.Kind)).Inc()
	}
}

// Claim hands the next dispatchable task to a worker, or returns nil.
func (s *Service) Claim(ctx context.Context, req persistence.ClaimRequest) (*scheduler.Task, error) {
	task, err := s.store.Claim(ctx, req)
	if err != nil || task == nil {
		return nil, err
	}
	logger.G(ctx).WithFields(logrus.Fields{
		"task_id":  task.ID,
		"skill_id": task.SkillID,
		"worker":   req.Worker,
	}).Debug("task claimed")
	return task, nil
}

// Fail records an infrastructure failure of a Running task. The
// correctness loop never retries these; an operator resubmits them.
func (s *Service) Fail(ctx context.Context, taskID, reason string) (*scheduler.Task, error) {
	return s.failTask(ctx, taskID, scheduler.FailureInfrastructure, reason)
}

func (s *Service) failTask(ctx context.Context, taskID string, kind scheduler.FailureKind, reason string) (*scheduler.Task, error) {
	task, err := s.store.Fail(ctx, taskID, kind, reason)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.Completions.WithLabelValues(string(kind)).Inc()
	}
	logger.G(ctx).WithFields(logrus.Fields{
		"task_id": taskID,
		"kind":    kind,
	}).Warnf("task failed: %s", reason)
	return task, nil
}

// Cancel cancels a task and everything that can no longer run because of it.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) ([]string, error) {
	if reason == "" {
		reason = "cancelled"
	}
	cancelled, err := s.store.Cancel(ctx, taskID, reason)
	if err != nil {
		return nil, err
	}
	logger.G(ctx).WithFields(logrus.Fields{"task_id": taskID, "cancelled": len(cancelled)}).Info("task cancelled")
	return cancelled, nil
}

// Resubmit requeues a Failed or Cancelled task.
func (s *Service) Resubmit(ctx context.Context, taskID string) (*scheduler.Task, error) {
	task, err := s.store.Resubmit(ctx, taskID)
	if err != nil {
		return nil, err
	}
	logger.G(ctx).WithFields(logrus.Fields{"task_id": taskID, "to": task.State}).Info("task resubmitted")
	return task, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks returns tasks in creation order.
func (s *Service) ListTasks(ctx context.Context, filter persistence.ListFilter) ([]*scheduler.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Feedback returns the most recent feedback rounds of a task, oldest first.
func (s *Service) Feedback(ctx context.Context, taskID string, limit int) ([]scheduler.FeedbackEntry, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.Feedback(ctx, taskID, limit)
}

// Events returns the transition history of a task.
func (s *Service) Events(ctx context.Context, taskID string) ([]persistence.TaskEvent, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, taskID)
}

// SweepTimeouts fails every Running task that outlived its timeout. Timed
// out tasks are reported, never retried automatically.
func (s *Service) SweepTimeouts(ctx context.Context) ([]string, error) {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var failed []string
	for _, task := range running {
		if task.IsContainer() || task.StartedAt == nil || task.TimeoutSeconds <= 0 {
			continue
		}
		if now.Before(task.StartedAt.Add(task.Timeout())) {
			continue
		}
		reason := fmt.Sprintf("exceeded timeout of %ds", task.TimeoutSeconds)
		_, err := s.failTask(ctx, task.ID, scheduler.FailureTimeout, reason)
		if errors.Is(err, scheduler.ErrInvalidTransition) {
			// finished while we were looking
			logger.G(ctx).WithField("task_id", task.ID).Debug("timeout sweep lost race")
			continue
		}
		if err != nil {
			return failed, err
		}
		failed = append(failed, task.ID)
	}
	return failed, nil
}

// Board counts tasks per state, updates the state gauge and publishes the
// counts on the board topic.
func (s *Service) Board(ctx context.Context) (events.BoardProgressEvent, error) {
	tasks, err := s.store.ListTasks(ctx, persistence.ListFilter{})
	if err != nil {
		return events.BoardProgressEvent{}, err
	}

	counts := make(map[scheduler.TaskState]int, 6)
	for _, t := range tasks {
		counts[t.State]++
	}
	ev := events.BoardProgressEvent{Counts: counts, Timestamp: s.now()}

	if s.metrics != nil {
		for _, st := range []scheduler.TaskState{
			scheduler.StatePlanned, scheduler.StateReady, scheduler.StateRunning,
			scheduler.StateSucceeded, scheduler.StateFailed, scheduler.StateCancelled,
		} {
			s.metrics.TasksByState.WithLabelValues(st.String()).Set(float64(counts[st]))
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicBoard, ev)
	}
	return ev, nil
}

// handleChange runs on the committing goroutine for every change.
func (s *Service) handleChange(c persistence.Change) {
	if s.metrics != nil {
		from := "none"
		if !c.Created {
			from = c.From.String()
		}
		s.metrics.Transitions.WithLabelValues(from, c.To.String()).Inc()
		if c.To == scheduler.StateFailed && c.Kind == scheduler.FailureTimeout {
			s.metrics.Timeouts.Inc()
		}
	}
	if s.bus == nil {
		return
	}

	now := s.now()
	if c.Created {
		s.bus.Publish(events.TopicTask, events.TaskCreatedEvent{
			ID:        c.TaskID,
			SkillID:   c.SkillID,
			ParentID:  c.ParentID,
			State:     c.To,
			Timestamp: now,
		})
		return
	}
	s.bus.Publish(events.TopicTask, events.TaskStateEvent{
		ID:        c.TaskID,
		SkillID:   c.SkillID,
		From:      c.From,
		To:        c.To,
		Kind:      c.Kind,
		Detail:    c.Detail,
		Timestamp: now,
	})
}
