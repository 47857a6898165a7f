package orchestrator

import (
	"context"
)

// report is one worker result waiting to be applied.
type report struct {
	TaskID     string
	Completion Completion
	responseCh chan reply
}

type reply struct {
	Outcome *Outcome
	Error   error
}

// CompleteFunc applies one completion. Service.Complete satisfies it.
type CompleteFunc func(ctx context.Context, taskID string, c Completion) (*Outcome, error)

// CompletionQueue hands worker results to a single goroutine that applies
// them in arrival order, so workers never wait on each other's store
// transactions while the agent call is still in flight.
type CompletionQueue struct {
	reportCh   chan report
	completeFn CompleteFunc
	done       chan struct{}
}

// NewCompletionQueue creates a queue with the given buffer size.
// bufferSize should typically be 2x the concurrency limit to prevent blocking.
func NewCompletionQueue(bufferSize int, completeFn CompleteFunc) *CompletionQueue {
	return &CompletionQueue{
		reportCh:   make(chan report, bufferSize),
		completeFn: completeFn,
		done:       make(chan struct{}),
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (q *CompletionQueue) Start(ctx context.Context) {
	go q.handleReports(ctx)
}

func (q *CompletionQueue) handleReports(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.reportCh:
			// A completion that started is always applied; the store
			// transaction must not be torn by shutdown.
			outcome, err := q.completeFn(context.WithoutCancel(ctx), r.TaskID, r.Completion)
			r.responseCh <- reply{Outcome: outcome, Error: err}
		}
	}
}

// Report queues a completion and waits until it has been applied. It
// respects cancellation while queueing and while waiting.
func (q *CompletionQueue) Report(ctx context.Context, taskID string, c Completion) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	responseCh := make(chan reply, 1)

	select {
	case q.reportCh <- report{TaskID: taskID, Completion: c, responseCh: responseCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-responseCh:
		return r.Outcome, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (q *CompletionQueue) Stop() {
	<-q.done
}
