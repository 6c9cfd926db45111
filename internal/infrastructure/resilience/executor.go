package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Observer receives retry and breaker events, typically for metrics.
type Observer interface {
	RetryAttempt(dependency string, attempt int)
	BreakerStateChanged(dependency string, from, to string)
}

type Option func(*Executor)

func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(e *Executor) {
		e.observer = observer
	}
}

// Executor runs calls against named dependencies. Each attempt goes through
// the dependency's circuit breaker; retries wrap the breaker, so an open
// breaker rejects attempts without invoking the dependency.
type Executor struct {
	cfg      Config
	sleep    SleepFunc
	observer Observer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewExecutor(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg.normalize(),
		sleep:    sleepContext,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(
	ctx context.Context,
	dependency string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	dep := strings.TrimSpace(dependency)
	if dep == "" {
		dep = "unknown"
	}
	if classifier == nil {
		classifier = DefaultClassifier
	}

	call := func(ctx context.Context) error { return fn(ctx) }
	if e.cfg.BreakerEnabled {
		breaker := e.circuitBreaker(dep, classifier)
		call = func(ctx context.Context) error {
			_, err := breaker.Execute(func() (any, error) {
				return nil, fn(ctx)
			})
			if IsCircuitOpen(err) {
				return domain.WrapError(domain.ErrCircuitOpen, dep, err)
			}
			return err
		}
	}
	return e.executeWithRetry(ctx, dep, call, classifier)
}

// Run executes fn with the default classifier. Adapters wrap their transient
// failures in domain.ErrTemporary, which is all the classifier needs.
func (e *Executor) Run(ctx context.Context, dependency string, fn func(context.Context) error) error {
	return e.Execute(ctx, dependency, fn, nil)
}

func (e *Executor) executeWithRetry(
	ctx context.Context,
	dependency string,
	call func(context.Context) error,
	classifier ErrorClassifier,
) error {
	maxAttempts := e.cfg.RetryMaxAttempts
	backoff := e.cfg.RetryInitialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return &RetryError{Operation: dependency, Attempts: attempt - 1, Err: lastErr}
		}
		if e.observer != nil {
			e.observer.RetryAttempt(dependency, attempt)
		}

		err := call(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class := classifier(err)
		if !class.Retryable {
			if attempt == 1 {
				return err
			}
			return &RetryError{Operation: dependency, Attempts: attempt, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		wait := backoff
		if wait > e.cfg.RetryMaxBackoff {
			wait = e.cfg.RetryMaxBackoff
		}
		slog.Warn("retry_attempt",
			"dependency", dependency,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff_ms", float64(wait.Microseconds())/1000.0,
			"error", err,
		)
		if err := e.sleep(ctx, wait); err != nil {
			return &RetryError{Operation: dependency, Attempts: attempt, Err: lastErr}
		}

		backoff = time.Duration(float64(backoff) * e.cfg.RetryMultiplier)
		if backoff > e.cfg.RetryMaxBackoff {
			backoff = e.cfg.RetryMaxBackoff
		}
	}

	return &RetryError{Operation: dependency, Attempts: maxAttempts, Err: lastErr}
}

// State reports the breaker state for a dependency ("closed" when unknown).
func (e *Executor) State(dependency string) string {
	e.mu.Lock()
	breaker, ok := e.breakers[dependency]
	e.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return breaker.State().String()
}

func (e *Executor) circuitBreaker(dependency string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, ok := e.breakers[dependency]; ok {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        dependency,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Interval:    e.cfg.BreakerInterval,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < e.cfg.BreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= e.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "dependency", name, "from", from.String(), "to", to.String())
			if e.observer != nil {
				e.observer.BreakerStateChanged(name, from.String(), to.String())
			}
		},
	}

	breaker := gobreaker.NewCircuitBreaker[any](settings)
	e.breakers[dependency] = breaker
	return breaker
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || errors.Is(err, domain.ErrCircuitOpen)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
