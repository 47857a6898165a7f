package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
)

// ErrMissingVerdict rejects a critique completion that carries no verdict.
var ErrMissingVerdict = errors.New("critique completed without a verdict")

// Completion is what a worker reports for a finished task.
type Completion struct {
	Output  string             `json:"output"`
	Verdict *scheduler.Verdict `json:"verdict,omitempty"`
}

// Outcome describes everything one completion changed.
type Outcome struct {
	Task      *scheduler.Task `json:"task"`
	Promoted  []string        `json:"promoted,omitempty"`
	Completed []string        `json:"completed,omitempty"`

	// Set when a fail verdict reopened its targets.
	Retried []string `json:"retried,omitempty"`
	Round   int      `json:"round,omitempty"`

	// Set when the critique exhausted its retry budget.
	Escalation *scheduler.RetryLimitError `json:"escalation,omitempty"`
}

// Complete applies a worker's result to a Running task. Critique verdicts
// drive the correctness loop:
//
//   - pass: the critique succeeds and its dependents advance. Targets are
//     never touched.
//   - fail: every target is reopened with the feedback attached and the
//     critique goes back to Planned until they succeed again.
//   - fail past the retry budget: the critique and its targets fail with
//     retry_limit_exceeded and a *scheduler.RetryLimitError is returned
//     together with the Outcome.
//   - fail while a target is still in flight: nothing is retried and a
//     *scheduler.RetryError is returned.
func (s *Service) Complete(ctx context.Context, taskID string, c Completion) (*Outcome, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	category := s.Category(task.SkillID)

	if c.Verdict != nil {
		if err := c.Verdict.Validate(); err != nil {
			return nil, err
		}
	}
	if category.TriggersRetry() && c.Verdict == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrMissingVerdict)
	}

	ctx = logger.WithFields(ctx, logrus.Fields{"task_id": taskID, "skill_id": task.SkillID})

	if !category.TriggersRetry() || !c.Verdict.Failed() {
		out, err := s.succeed(ctx, taskID, c)
		if err != nil {
			return nil, err
		}
		s.countCompletion("succeeded")
		return out, nil
	}

	targets := task.Inputs.CritiqueTaskIDs()
	unlock := s.locks.Lock(append([]string{taskID}, targets...)...)
	defer unlock()

	ctx = logger.WithFields(ctx, logrus.Fields{"critique_id": taskID})
	if len(targets) == 0 {
		// Nothing to rebuild: keep the verdict but leave dependents blocked.
		out, err := s.record(ctx, taskID, c, "fail verdict without targets")
		if err != nil {
			return nil, err
		}
		logger.G(ctx).Warn("fail verdict from a critique with no targets, dependents stay blocked")
		s.countCompletion("failed_verdict")
		return out, nil
	}
	return s.retry(ctx, task, targets, c)
}

// succeed finishes a task and propagates the success.
func (s *Service) succeed(ctx context.Context, taskID string, c Completion) (*Outcome, error) {
	out := &Outcome{}
	err := s.store.Update(ctx, func(tx *persistence.Tx) error {
		task, err := tx.Transition(ctx, taskID, scheduler.StateRunning, scheduler.StateSucceeded,
			completionOpts(c, "completed")...)
		if err != nil {
			return err
		}
		adv, err := tx.Advance(ctx, taskID)
		if err != nil {
			return err
		}
		if out.Task, err = tx.GetTask(ctx, task.ID); err != nil {
			return err
		}
		out.Promoted, out.Completed = adv.Promoted, adv.Completed
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.G(ctx).WithFields(logrus.Fields{
		"promoted":  len(out.Promoted),
		"completed": out.Completed,
	}).Info("task succeeded")
	return out, nil
}

// record finishes a task without propagating anything.
func (s *Service) record(ctx context.Context, taskID string, c Completion, detail string) (*Outcome, error) {
	task, err := s.store.Transition(ctx, taskID, scheduler.StateRunning, scheduler.StateSucceeded,
		completionOpts(c, detail)...)
	if err != nil {
		return nil, err
	}
	return &Outcome{Task: task}, nil
}

// retry runs one correctness-loop round for a fail verdict.
func (s *Service) retry(ctx context.Context, critique *scheduler.Task, targets []string, c Completion) (*Outcome, error) {
	out := &Outcome{}
	var (
		violation  *scheduler.RetryError
		escalation *scheduler.RetryLimitError
	)

	err := s.store.Update(ctx, func(tx *persistence.Tx) error {
		current, err := tx.GetTask(ctx, critique.ID)
		if err != nil {
			return err
		}
		if current.State != scheduler.StateRunning {
			return &scheduler.TransitionError{TaskID: critique.ID, From: scheduler.StateRunning, To: scheduler.StateSucceeded, Actual: current.State}
		}

		violation, err = checkTargets(ctx, tx, critique.ID, targets)
		if err != nil {
			return err
		}
		if violation != nil {
			out.Task, err = tx.Transition(ctx, critique.ID, scheduler.StateRunning, scheduler.StateSucceeded,
				completionOpts(c, "retry aborted: "+string(violation.Kind))...)
			return err
		}

		round := current.RetryCount + 1
		fb := c.Verdict.Feedback(critique.ID, round)
		out.Round = round

		exhausted, err := exhaustedTargets(ctx, tx, targets, s.cfg.MaxRetries)
		if err != nil {
			return err
		}
		if round > s.cfg.MaxRetries || len(exhausted) > 0 {
			reason := fmt.Sprintf("critique %s failed %d times", critique.ID, round)
			if round <= s.cfg.MaxRetries {
				reason = fmt.Sprintf("%s already retried %d times", strings.Join(exhausted, ","), s.cfg.MaxRetries)
			}
			escalation, err = s.escalate(ctx, tx, critique.ID, targets, c, *fb, reason)
			if err != nil {
				return err
			}
			out.Task, err = tx.GetTask(ctx, critique.ID)
			return err
		}

		for _, id := range targets {
			if err := tx.AppendFeedback(ctx, id, *fb); err != nil {
				return err
			}
			if _, err := tx.Reopen(ctx, id, fb); err != nil {
				return err
			}
		}
		out.Retried = targets

		if _, err := tx.Transition(ctx, critique.ID, scheduler.StateRunning, scheduler.StateSucceeded,
			completionOpts(c, "fail verdict")...); err != nil {
			return err
		}
		out.Task, err = tx.Transition(ctx, critique.ID, scheduler.StateSucceeded, scheduler.StatePlanned,
			persistence.IncrementRetries(), persistence.WithDetail(fmt.Sprintf("waiting for round %d", round)))
		return err
	})
	if err != nil {
		return nil, err
	}

	log := logger.G(ctx).WithField("round", out.Round)
	now := s.now()
	switch {
	case violation != nil:
		log.WithError(violation).Error("correctness loop aborted")
		s.countCompletion("protocol_violation")
		if s.metrics != nil {
			s.metrics.ProtocolViolations.Inc()
		}
		s.publish(events.TopicLoop, events.ProtocolViolationEvent{CritiqueID: critique.ID, Err: violation, Timestamp: now})
		return out, violation

	case escalation != nil:
		out.Escalation = escalation
		log.WithField("targets", strings.Join(targets, ",")).Warn("retry limit exceeded, escalating")
		s.countCompletion("retry_limit_exceeded")
		if s.metrics != nil {
			s.metrics.RetryLimitExceeded.Inc()
		}
		s.publish(events.TopicLoop, events.RetryLimitEvent{
			CritiqueID: critique.ID,
			Targets:    targets,
			History:    escalation.History,
			Timestamp:  now,
		})
		return out, escalation

	default:
		log.WithField("targets", strings.Join(targets, ",")).Info("fail verdict, targets reopened")
		s.countCompletion("retried")
		if s.metrics != nil {
			s.metrics.Retries.Inc()
		}
		s.publish(events.TopicLoop, events.RetryScheduledEvent{
			CritiqueID: critique.ID,
			Targets:    targets,
			Round:      out.Round,
			Summary:    c.Verdict.Summary,
			Timestamp:  now,
		})
		return out, nil
	}
}

// escalate fails the critique and every target with retry_limit_exceeded
// and collects the feedback history for the operator.
func (s *Service) escalate(ctx context.Context, tx *persistence.Tx, critiqueID string, targets []string, c Completion, fb scheduler.RetryFeedback, reason string) (*scheduler.RetryLimitError, error) {
	for _, id := range targets {
		if err := tx.AppendFeedback(ctx, id, fb); err != nil {
			return nil, err
		}
		if _, err := tx.Escalate(ctx, id, scheduler.FailureRetryLimitExceeded, reason); err != nil {
			return nil, err
		}
	}

	opts := append(completionOpts(c, reason), persistence.WithFailure(scheduler.FailureRetryLimitExceeded, reason))
	if _, err := tx.Transition(ctx, critiqueID, scheduler.StateRunning, scheduler.StateFailed, opts...); err != nil {
		return nil, err
	}

	history, err := tx.Feedback(ctx, targets, s.cfg.FeedbackHistory)
	if err != nil {
		return nil, err
	}
	return &scheduler.RetryLimitError{
		CritiqueID: critiqueID,
		Targets:    targets,
		MaxRetries: s.cfg.MaxRetries,
		History:    history,
	}, nil
}

// exhaustedTargets returns the targets that cannot take another reopen.
// The count lives on the target, so critiques sharing a target share its
// budget.
func exhaustedTargets(ctx context.Context, tx *persistence.Tx, targets []string, maxRetries int) ([]string, error) {
	found, err := tx.LookupTasks(ctx, targets)
	if err != nil {
		return nil, err
	}
	var exhausted []string
	for _, id := range targets {
		if t, ok := found[id]; ok && t.RetryCount+1 > maxRetries {
			exhausted = append(exhausted, id)
		}
	}
	return exhausted, nil
}

// checkTargets requires every target to be Succeeded or Failed with no
// sub-task still running.
func checkTargets(ctx context.Context, tx *persistence.Tx, critiqueID string, targets []string) (*scheduler.RetryError, error) {
	found, err := tx.LookupTasks(ctx, targets)
	if err != nil {
		return nil, err
	}

	violation := &scheduler.RetryError{
		Kind:       scheduler.RetryTargetNotTerminal,
		CritiqueID: critiqueID,
		States:     make(map[string]scheduler.TaskState),
	}
	for _, id := range targets {
		t, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("critique %s target: %w: %s", critiqueID, scheduler.ErrTaskNotFound, id)
		}
		settled := t.State == scheduler.StateSucceeded || t.State == scheduler.StateFailed
		if settled && t.IsContainer() {
			children, err := tx.Children(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if child.State == scheduler.StateRunning {
					settled = false
					break
				}
			}
		}
		if !settled {
			violation.TaskIDs = append(violation.TaskIDs, id)
			violation.States[id] = t.State
		}
	}
	if len(violation.TaskIDs) == 0 {
		return nil, nil
	}
	return violation, nil
}

func completionOpts(c Completion, detail string) []persistence.TransitionOption {
	opts := []persistence.TransitionOption{persistence.WithOutput(c.Output), persistence.WithDetail(detail)}
	if c.Verdict != nil {
		opts = append(opts, persistence.WithVerdict(c.Verdict))
	}
	return opts
}

func (s *Service) countCompletion(outcome string) {
	if s.metrics != nil {
		s.metrics.Completions.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}
