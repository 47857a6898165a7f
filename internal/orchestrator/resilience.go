package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskloop/internal/backend"
	"github.com/aristath/taskloop/internal/logger"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.InitialInterval
	policy.MaxInterval = c.MaxInterval
	policy.MaxElapsedTime = c.MaxElapsedTime
	policy.Multiplier = c.Multiplier
	policy.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(policy, ctx)
}

// CircuitBreakerRegistry manages per-runtime circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given runtime name.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // test requests in half-open state
		Interval:    0,                // never clear counts while closed
		Timeout:     30 * time.Second, // stay open for 30s before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.L.WithField("runtime", name).Warnf("circuit breaker %s -> %s", from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and a missing verdict say nothing about the
			// health of the runtime itself.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, backend.ErrNoVerdict)
		},
	})

	r.breakers[name] = cb
	return cb
}

// executeWithRetry runs one assignment on rt with exponential backoff and
// circuit breaker protection. Only transport failures are retried.
func executeWithRetry(ctx context.Context, rt backend.Runtime, a backend.Assignment, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (backend.Result, error) {
	var res backend.Result
	attempt := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		out, err := cb.Execute(func() (interface{}, error) {
			return rt.Execute(ctx, a)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || errors.Is(err, backend.ErrNoVerdict) {
				return backoff.Permanent(err)
			}
			logger.G(ctx).WithError(err).WithField("attempt", attempt).Warn("agent call failed, retrying")
			return err
		}

		res = out.(backend.Result)
		return nil
	}

	err := backoff.Retry(operation, retryCfg.backOff(ctx))
	return res, err
}
