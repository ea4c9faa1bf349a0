package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gasguard/internal/metrics"
)

// runner wraps one registered task with its guard and timeout.
type runner struct {
	task    Task
	guard   *Guard
	timeout time.Duration
	logger  zerolog.Logger
}

func newRunner(task Task, timeout time.Duration, logger zerolog.Logger) *runner {
	return &runner{
		task:    task,
		guard:   NewGuard(task.ConcurrencyLimit, task.Window),
		timeout: timeout,
		logger:  logger.With().Str("task", task.Name).Logger(),
	}
}

// withClock makes the rate window follow the backend's clock.
func (r *runner) withClock(now func() time.Time) *runner {
	r.guard.now = now
	return r
}

// execute performs one run. The returned error is non-nil only for rethrow
// tasks or suppressed runs; swallowed failures are logged and dropped.
func (r *runner) execute(ctx context.Context, retry bool) error {
	acquire := r.guard.Acquire
	if retry {
		acquire = r.guard.AcquireRetry
	}
	release, err := acquire()
	if err != nil {
		metrics.JobRuns.WithLabelValues(r.task.Name, "suppressed").Inc()
		r.logger.Debug().Msg("run suppressed, previous run still inside window")
		return err
	}
	defer release()

	return r.invoke(ctx)
}

// invoke calls the handler without consulting the guard.
func (r *runner) invoke(ctx context.Context) (err error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", r.task.Name, rec)
		}
		if err == nil {
			metrics.JobRuns.WithLabelValues(r.task.Name, "ok").Inc()
			r.logger.Debug().Dur("took", time.Since(start)).Msg("task completed")
			return
		}
		metrics.JobRuns.WithLabelValues(r.task.Name, "error").Inc()
		if r.task.OnFailure == Swallow {
			r.logger.Warn().Err(err).Msg("task failed, ignoring")
			err = nil
			return
		}
		r.logger.Error().Err(err).Msg("task failed")
	}()

	return r.task.Handler(runCtx)
}

func isSuppressed(err error) bool {
	return errors.Is(err, ErrSuppressed)
}
