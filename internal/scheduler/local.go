package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalOptions tune the in-process backend.
type LocalOptions struct {
	TaskTimeout time.Duration
	Retry       RetryPolicy
}

// LocalBackend drives every task from timers inside this process.
type LocalBackend struct {
	opts    LocalOptions
	logger  zerolog.Logger
	mu      sync.Mutex
	runners []*runner
	names   map[string]struct{}
	now     func() time.Time
}

// NewLocal constructs an in-process backend.
func NewLocal(opts LocalOptions, logger zerolog.Logger) *LocalBackend {
	return &LocalBackend{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("backend", "local").Logger(),
		names:  make(map[string]struct{}),
		now:    time.Now,
	}
}

// RegisterRecurring adds a task. Names must be unique.
func (b *LocalBackend) RegisterRecurring(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[task.Name]; ok {
		return fmt.Errorf("task %s already registered", task.Name)
	}
	b.names[task.Name] = struct{}{}
	b.runners = append(b.runners, newRunner(task, b.opts.TaskTimeout, b.logger).withClock(b.clock))
	return nil
}

func (b *LocalBackend) clock() time.Time { return b.now() }

// Run blocks until ctx is cancelled and in-flight runs have returned.
func (b *LocalBackend) Run(ctx context.Context) error {
	b.mu.Lock()
	runners := append([]*runner(nil), b.runners...)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *runner) {
			defer wg.Done()
			b.loop(ctx, r, &wg)
		}(r)
	}
	b.logger.Info().Int("tasks", len(runners)).Msg("scheduler started")

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (b *LocalBackend) loop(ctx context.Context, r *runner, wg *sync.WaitGroup) {
	next := r.task.Cadence.Next(b.now())
	for {
		delay := next.Sub(b.now())
		if delay < 0 {
			next = r.task.Cadence.Next(b.now())
			delay = next.Sub(b.now())
		}

		timer := time.NewTimer(delay)
		r.logger.Debug().Time("next_run", next).Msg("waiting for next slot")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// slots never wait on a slow run
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.fire(ctx, r)
		}()

		next = r.task.Cadence.Next(next)
	}
}

// fire runs a slot and, for rethrow tasks, retries with backoff.
func (b *LocalBackend) fire(ctx context.Context, r *runner) {
	err := r.execute(ctx, false)
	if err == nil || isSuppressed(err) {
		return
	}
	for attempt := 1; attempt <= b.opts.Retry.Limit; attempt++ {
		wait := b.opts.Retry.Backoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.logger.Info().Int("attempt", attempt).Dur("after", wait).Msg("retrying task")
		err = r.execute(ctx, true)
		if err == nil || isSuppressed(err) {
			return
		}
	}
	r.logger.Error().Err(err).Int("attempts", b.opts.Retry.Limit+1).Msg("task exhausted retries")
}
