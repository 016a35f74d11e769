// Package retry runs remote calls with exponential backoff, retrying only
// failures that signal transient server overload (HTTP 429 and 5xx).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

var ErrExhausted = errors.New("retries exhausted")

const (
	DefaultMaxRetries    = 3
	DefaultBackoffFactor = 500 * time.Millisecond
)

// Policy configures an Executor.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BackoffFactor is the delay before the first retry; each further retry doubles it.
	BackoffFactor time.Duration
}

// DefaultPolicy returns three retries starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BackoffFactor: DefaultBackoffFactor}
}

// Delay returns the wait before retry n (0-indexed): BackoffFactor * 2^n.
func (p Policy) Delay(n int) time.Duration {
	return p.BackoffFactor * time.Duration(uint64(1)<<uint(n))
}

// StatusError attaches an HTTP status code to a transport error.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Code }

// ExhaustedError is returned once every allowed attempt failed with a retryable error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

type statusCoder interface {
	StatusCode() int
}

// StatusCode reports the HTTP status carried anywhere in err's chain.
func StatusCode(err error) (int, bool) {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

// Retryable reports whether err carries status 429 or 5xx.
func Retryable(err error) bool {
	code, ok := StatusCode(err)
	if !ok {
		return false
	}
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customises an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithSleep replaces the timer based wait, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// Executor applies one Policy to any number of calls. It keeps no state
// between calls and is safe for concurrent use.
type Executor struct {
	policy Policy
	logger *slog.Logger
	sleep  SleepFunc
}

func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BackoffFactor < 0 {
		policy.BackoffFactor = 0
	}
	e := &Executor{policy: policy, sleep: sleepContext}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. Non-retryable errors are returned as-is without
// delay; an exhausted budget returns *ExhaustedError wrapping the last error.
func (e *Executor) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error
	started := time.Now()

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 && e.logger != nil {
				e.logger.Info("operation recovered after retries", "operation", operation, "retries", attempt, "elapsed", time.Since(started))
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt >= e.policy.MaxRetries {
			break
		}

		delay := e.policy.Delay(attempt)
		if e.logger != nil {
			code, _ := StatusCode(err)
			e.logger.Warn("retrying after transient error",
				"operation", operation,
				"attempt", attempt+1,
				"maxAttempts", e.policy.MaxRetries+1,
				"status", code,
				"backoff", delay,
				"err", err,
			)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
	}

	return &ExhaustedError{Operation: operation, Attempts: e.policy.MaxRetries + 1, Err: lastErr}
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
