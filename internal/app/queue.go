package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gasguard/internal/cache"
	"gasguard/internal/jobs"
	"gasguard/internal/scheduler"
)

// queueBackend opens the shared scheduler queue with every task registered,
// without starting producers or workers.
func (a *App) queueBackend() (*scheduler.RedisBackend, func(), error) {
	if a.Config.Scheduler.Backend != "redis" {
		return nil, nil, fmt.Errorf("scheduler.backend is %q; the shared queue is only used by the redis backend", a.Config.Scheduler.Backend)
	}
	g := cache.New(a.Config.Cache, a.Logger)
	closeCache := func() { _ = g.Close() }
	if !g.Enabled() {
		closeCache()
		return nil, nil, errors.New("cache.url not configured; no shared queue")
	}
	if g.State() != cache.StateConnected {
		closeCache()
		return nil, nil, fmt.Errorf("cache unreachable (%s)", g.State())
	}

	backend := scheduler.NewRedis(g.Client(), a.redisOptions(g), a.Logger)
	table := jobs.New(backend, jobs.Deps{}, jobs.OptionsFromConfig(a.Config), a.Logger)
	for _, task := range table.Tasks() {
		if err := backend.RegisterRecurring(task); err != nil {
			closeCache()
			return nil, nil, err
		}
	}
	return backend, closeCache, nil
}

// QueueStats prints the pending, retrying and dead-lettered message counts.
func (a *App) QueueStats(ctx context.Context, w io.Writer) error {
	backend, done, err := a.queueBackend()
	if err != nil {
		return err
	}
	defer done()

	stats, err := backend.Stats(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, stats)
}

// TriggerTask enqueues one immediate run for the workers of a running pipeline.
func (a *App) TriggerTask(ctx context.Context, name string, w io.Writer) error {
	backend, done, err := a.queueBackend()
	if err != nil {
		return err
	}
	defer done()

	if err := backend.Trigger(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(w, "queued %s\n", name)
	return nil
}
