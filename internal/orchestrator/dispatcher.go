package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
)

// DispatcherConfig configures the in-process dispatcher.
type DispatcherConfig struct {
	Concurrency   int           // Max concurrent agent executions (default 4)
	PollInterval  time.Duration // Claim attempts without a wake-up (default 1s)
	SweepInterval time.Duration // Timeout sweep and board refresh (default 5s)
	SkillIDs      []string      // Only claim these skills; empty claims any
	Retry         RetryConfig   // Agent call retry policy
}

// Dispatcher claims Ready tasks from the store and runs them on agent
// runtimes with bounded concurrency. Several dispatchers may share one
// store; the compare-and-swap claim keeps them from running a task twice.
type Dispatcher struct {
	svc      *Service
	runtimes RuntimeSource
	cfg      DispatcherConfig
	worker   string
	breakers *CircuitBreakerRegistry
	queue    *CompletionQueue

	wake     chan struct{}
	inflight atomic.Int64

	mu      sync.Mutex
	running map[string]*execution
}

// execution is one in-flight agent call.
type execution struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// NewDispatcher creates a dispatcher and subscribes it to store changes.
func NewDispatcher(svc *Service, runtimes RuntimeSource, cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	d := &Dispatcher{
		svc:      svc,
		runtimes: runtimes,
		cfg:      cfg,
		worker:   "dispatcher-" + uuid.NewString(),
		breakers: NewCircuitBreakerRegistry(),
		wake:     make(chan struct{}, 1),
		running:  make(map[string]*execution),
	}
	d.queue = NewCompletionQueue(2*cfg.Concurrency, svc.Complete)
	svc.OnChange(d.onChange)
	return d
}

// Worker returns the identity recorded in claimed_by.
func (d *Dispatcher) Worker() string { return d.worker }

// Inflight returns the number of running agent executions.
func (d *Dispatcher) Inflight() int { return int(d.inflight.Load()) }

// Run dispatches until ctx is cancelled, then waits for in-flight work.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logger.WithFields(ctx, logrus.Fields{"worker": d.worker})
	log := logger.G(ctx)

	d.queue.Start(ctx)
	defer d.queue.Stop()

	var workers errgroup.Group
	workers.SetLimit(d.cfg.Concurrency)

	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	log.WithField("concurrency", d.cfg.Concurrency).Info("dispatcher started")
	d.sweep(ctx)

	for {
		d.fill(ctx, &workers)

		select {
		case <-ctx.Done():
			workers.Wait()
			log.Info("dispatcher stopped")
			return nil
		case <-d.wake:
		case <-poll.C:
		case <-sweep.C:
			d.sweep(ctx)
		}
	}
}

// fill claims tasks until every worker slot is busy or nothing is ready.
func (d *Dispatcher) fill(ctx context.Context, workers *errgroup.Group) {
	for ctx.Err() == nil && d.inflight.Load() < int64(d.cfg.Concurrency) {
		task, err := d.svc.Claim(ctx, persistence.ClaimRequest{Worker: d.worker, SkillIDs: d.cfg.SkillIDs})
		if err != nil {
			if ctx.Err() == nil {
				logger.G(ctx).WithError(err).Error("claim failed")
			}
			return
		}
		if task == nil {
			return
		}

		d.inflight.Add(1)
		workers.Go(func() error {
			defer d.signal()
			defer d.inflight.Add(-1)
			d.execute(ctx, task)
			return nil
		})
	}
}

// execute runs one claimed task and reports how it ended.
func (d *Dispatcher) execute(ctx context.Context, task *scheduler.Task) {
	ctx = logger.WithFields(ctx, logrus.Fields{
		"task_id":  task.ID,
		"skill_id": task.SkillID,
		"attempt":  task.RetryCount + 1,
	})
	log := logger.G(ctx)

	skill, _ := d.svc.Skills().Get(task.SkillID)
	category := d.svc.Category(task.SkillID)

	rt, err := d.runtimes.RuntimeFor(task, skill, category)
	if err != nil {
		d.fail(ctx, task.ID, scheduler.FailureInfrastructure, err.Error())
		return
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout := task.Timeout(); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	exec := d.track(task.ID, cancel)
	defer d.untrack(task.ID)

	if m := d.svc.metrics; m != nil {
		m.Dispatches.WithLabelValues(rt.Name()).Inc()
	}
	log.WithField("runtime", rt.Name()).Info("dispatching task")

	start := time.Now()
	res, err := executeWithRetry(runCtx, rt, NewAssignment(task, skill, category), d.breakers.Get(rt.Name()), d.cfg.Retry)
	if m := d.svc.metrics; m != nil {
		m.AgentDuration.WithLabelValues(rt.Name()).Observe(time.Since(start).Seconds())
	}

	switch {
	case exec.aborted.Load():
		log.Info("task left running state while its agent was busy, result discarded")
	case err == nil:
		d.report(ctx, task.ID, Completion{Output: res.Output, Verdict: res.Verdict})
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		d.fail(ctx, task.ID, scheduler.FailureTimeout, fmt.Sprintf("exceeded timeout of %ds", task.TimeoutSeconds))
	case ctx.Err() != nil:
		d.fail(ctx, task.ID, scheduler.FailureInfrastructure, "dispatcher stopped before the agent finished")
	default:
		d.fail(ctx, task.ID, scheduler.FailureInfrastructure, err.Error())
	}
}

// report applies a successful execution through the completion queue.
func (d *Dispatcher) report(ctx context.Context, taskID string, c Completion) {
	_, err := d.queue.Report(ctx, taskID, c)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The queue is shutting down; apply the result directly.
		_, err = d.svc.Complete(context.WithoutCancel(ctx), taskID, c)
	}

	log := logger.G(ctx)
	var (
		limitErr *scheduler.RetryLimitError
		retryErr *scheduler.RetryError
	)
	switch {
	case err == nil:
	case errors.As(err, &limitErr), errors.As(err, &retryErr):
		// logged and published by the loop
	case errors.Is(err, scheduler.ErrInvalidTransition):
		log.WithError(err).Debug("completion lost race")
	case errors.Is(err, ErrMissingVerdict):
		d.fail(ctx, taskID, scheduler.FailureInfrastructure, "agent reported no verdict")
	default:
		log.WithError(err).Error("failed to apply completion")
		d.fail(ctx, taskID, scheduler.FailureInfrastructure, "completion rejected: "+err.Error())
	}
}

func (d *Dispatcher) fail(ctx context.Context, taskID string, kind scheduler.FailureKind, reason string) {
	_, err := d.svc.failTask(context.WithoutCancel(ctx), taskID, kind, reason)
	if errors.Is(err, scheduler.ErrInvalidTransition) {
		logger.G(ctx).WithError(err).Debug("failure lost race")
		return
	}
	if err != nil {
		logger.G(ctx).WithError(err).Error("failed to record task failure")
	}
}

// sweep fails overdue tasks and refreshes the board.
func (d *Dispatcher) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if failed, err := d.svc.SweepTimeouts(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("timeout sweep failed")
	} else if len(failed) > 0 {
		logger.G(ctx).WithField("tasks", failed).Warn("timed out tasks failed")
	}
	if _, err := d.svc.Board(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("board refresh failed")
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) track(taskID string, cancel context.CancelFunc) *execution {
	exec := &execution{cancel: cancel}
	d.mu.Lock()
	d.running[taskID] = exec
	d.mu.Unlock()
	return exec
}

func (d *Dispatcher) untrack(taskID string) {
	d.mu.Lock()
	delete(d.running, taskID)
	d.mu.Unlock()
}

// onChange wakes the claim loop when work becomes Ready and aborts agent
// calls whose task was moved out of Running by someone else.
func (d *Dispatcher) onChange(c persistence.Change) {
	if c.To == scheduler.StateReady {
		d.signal()
	}
	if c.Created || c.From != scheduler.StateRunning {
		return
	}

	d.mu.Lock()
	exec, ok := d.running[c.TaskID]
	d.mu.Unlock()
	if ok {
		exec.aborted.Store(true)
		exec.cancel()
	}
}
