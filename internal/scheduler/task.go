// Package scheduler runs named recurring tasks on a swappable backend.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSuppressed is returned when a run is dropped because another run of the
// same task is in flight or the rate window has not elapsed.
var ErrSuppressed = errors.New("scheduler: run suppressed")

// FailurePolicy says what happens when a handler fails.
type FailurePolicy int

const (
	// Rethrow hands the failure to the backend's retry policy.
	Rethrow FailurePolicy = iota
	// Swallow logs the failure and drops it.
	Swallow
)

func (p FailurePolicy) String() string {
	if p == Swallow {
		return "swallow"
	}
	return "rethrow"
}

// Handler performs one run of a task.
type Handler func(ctx context.Context) error

// Task is a named recurring unit of work. ConcurrencyLimit 0 means unlimited;
// Window is the minimum spacing between runs for limited tasks.
type Task struct {
	Name             string
	Cadence          Cadence
	ConcurrencyLimit int
	Window           time.Duration
	OnFailure        FailurePolicy
	Handler          Handler
}

// Validate checks the task is runnable.
func (t Task) Validate() error {
	switch {
	case t.Name == "":
		return errors.New("task name required")
	case t.Handler == nil:
		return fmt.Errorf("task %s: handler required", t.Name)
	case !t.Cadence.valid():
		return fmt.Errorf("task %s: invalid cadence", t.Name)
	case t.ConcurrencyLimit < 0:
		return fmt.Errorf("task %s: negative concurrency limit", t.Name)
	}
	return nil
}

// Backend registers recurring tasks and drives them until ctx ends.
type Backend interface {
	RegisterRecurring(task Task) error
	Run(ctx context.Context) error
}

// RetryPolicy configures how rethrown failures are retried.
type RetryPolicy struct {
	Limit int
	Delay time.Duration
}

// Backoff returns the delay before retry attempt n (1-based), doubling each time.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Delay
	if d <= 0 {
		d = 5 * time.Second
	}
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return d
}
