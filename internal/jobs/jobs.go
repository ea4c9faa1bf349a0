// Package jobs owns the named recurring tasks that keep the pipeline fresh.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gasguard/internal/aggregator"
	"gasguard/internal/alerting"
	"gasguard/internal/config"
	"gasguard/internal/fetcher"
	"gasguard/internal/prediction"
	"gasguard/internal/scheduler"
	"gasguard/internal/storage"
)

// Task names.
const (
	TaskPollFee           = "poll-fee"
	TaskCheckAlerts       = "check-alerts"
	TaskFetchHistory      = "fetch-history"
	TaskTrainModel        = "train-model"
	TaskUpdateLeaderboard = "update-leaderboard"
	TaskPruneAlerts       = "prune-alerts"
)

// Cache keys written by the tasks.
const (
	ConditionsKey  = "conditions:current"
	HistoryKey     = "history:lookback"
	CrossChainKey  = "history:crosschain"
	LeaderboardKey = "leaderboard:savers"
)

// Aggregator is the read side the poll and history tasks use.
type Aggregator interface {
	CurrentConditions(ctx context.Context) (aggregator.Conditions, error)
	History(ctx context.Context, window time.Duration) ([]fetcher.HistoricalPoint, error)
	CrossChain(ctx context.Context) (map[string]float64, error)
}

// Trainer refits the prediction model.
type Trainer interface {
	Train(ctx context.Context) (prediction.Model, error)
}

// AlertChecker evaluates alert rules.
type AlertChecker interface {
	Check(ctx context.Context) ([]alerting.Notification, error)
}

// Cache is the subset of the cache gateway the tasks use. Enabled is the
// all-or-nothing gate for registration.
type Cache interface {
	Enabled() bool
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration)
	Increment(ctx context.Context, key string) int64
}

// Deps wires the tasks. Samples, Savers, AlertLog and Locker are optional.
type Deps struct {
	Aggregator Aggregator
	Trainer    Trainer
	Alerts     AlertChecker
	Cache      Cache
	Samples    storage.FeeSampleStore
	Savers     storage.RecommendationStore
	AlertLog   storage.AlertStore
	Locker     storage.AdvisoryLocker
}

// Options carry the task cadences.
type Options struct {
	PollInterval        time.Duration
	AlertInterval       time.Duration
	HistoryInterval     time.Duration
	LeaderboardInterval time.Duration
	PruneInterval       time.Duration
	AlertRetention      time.Duration
	TrainHour           int
	Lookback            time.Duration
	LockKey             int64
	LeaderboardSize     int
}

// OptionsFromConfig extracts the task options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:        cfg.Scheduler.PollInterval,
		AlertInterval:       cfg.Scheduler.AlertInterval,
		HistoryInterval:     cfg.Scheduler.HistoryInterval,
		LeaderboardInterval: cfg.Scheduler.LeaderboardInterval,
		PruneInterval:       cfg.Scheduler.PruneInterval,
		AlertRetention:      cfg.Alerting.Retention,
		TrainHour:           cfg.Scheduler.TrainHour,
		Lookback:            cfg.Lookback(),
		LockKey:             cfg.Scheduler.AdvisoryLockKey,
		LeaderboardSize:     10,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 12 * time.Second
	}
	if o.AlertInterval <= 0 {
		o.AlertInterval = 12 * time.Second
	}
	if o.HistoryInterval <= 0 {
		o.HistoryInterval = time.Hour
	}
	if o.LeaderboardInterval <= 0 {
		o.LeaderboardInterval = 5 * time.Minute
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = 24 * time.Hour
	}
	if o.Lookback <= 0 {
		o.Lookback = 30 * 24 * time.Hour
	}
	if o.LeaderboardSize <= 0 {
		o.LeaderboardSize = 10
	}
	return o
}

// Scheduler registers the task set on a backend exactly once.
type Scheduler struct {
	backend scheduler.Backend
	deps    Deps
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	once       sync.Once
	registered int
	startErr   error
	done       chan error
}

// New builds the job scheduler.
func New(backend scheduler.Backend, deps Deps, opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		backend: backend,
		deps:    deps,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "jobs").Logger(),
		now:     time.Now,
		done:    make(chan error, 1),
	}
}

// Tasks returns the full task table.
func (s *Scheduler) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{
			Name:             TaskPollFee,
			Cadence:          scheduler.Every(s.opts.PollInterval),
			ConcurrencyLimit: 1,
			// ticks jitter, so the window sits slightly under the interval
			Window:    s.opts.PollInterval * 9 / 10,
			OnFailure: scheduler.Rethrow,
			Handler:   s.counted(TaskPollFee, s.pollFee),
		},
		{
			Name:             TaskCheckAlerts,
			Cadence:          scheduler.Every(s.opts.AlertInterval),
			ConcurrencyLimit: 1,
			Window:           s.opts.AlertInterval * 9 / 10,
			OnFailure:        scheduler.Rethrow,
			Handler:          s.counted(TaskCheckAlerts, s.checkAlerts),
		},
		{
			Name:      TaskFetchHistory,
			Cadence:   scheduler.Every(s.opts.HistoryInterval),
			OnFailure: scheduler.Swallow,
			Handler:   s.counted(TaskFetchHistory, s.fetchHistory),
		},
		{
			Name:      TaskTrainModel,
			Cadence:   scheduler.DailyAt(s.opts.TrainHour),
			OnFailure: scheduler.Rethrow,
			Handler:   s.counted(TaskTrainModel, s.trainModel),
		},
		{
			Name:      TaskUpdateLeaderboard,
			Cadence:   scheduler.Every(s.opts.LeaderboardInterval),
			OnFailure: scheduler.Swallow,
			Handler:   s.counted(TaskUpdateLeaderboard, s.updateLeaderboard),
		},
		{
			Name:      TaskPruneAlerts,
			Cadence:   scheduler.Every(s.opts.PruneInterval),
			OnFailure: scheduler.Swallow,
			Handler:   s.counted(TaskPruneAlerts, s.pruneAlerts),
		},
	}
}

// StartAll registers every task and starts the backend in the background.
// Later calls return the first result. With the cache disabled nothing is
// registered and 0 is returned.
func (s *Scheduler) StartAll(ctx context.Context) (int, error) {
	s.once.Do(func() {
		if s.deps.Cache == nil || !s.deps.Cache.Enabled() {
			s.logger.Warn().Msg("cache backend not configured, recurring jobs disabled")
			close(s.done)
			return
		}

		for _, task := range s.Tasks() {
			if err := s.backend.RegisterRecurring(task); err != nil {
				s.startErr = err
				close(s.done)
				return
			}
			s.registered++
		}

		go func() {
			err := s.backend.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			s.done <- err
			close(s.done)
		}()
		s.logger.Info().Int("tasks", s.registered).Msg("recurring jobs started")
	})
	return s.registered, s.startErr
}

// Wait blocks until the backend stops. It returns immediately when no task
// was registered.
func (s *Scheduler) Wait() error {
	if err, ok := <-s.done; ok {
		return err
	}
	return s.startErr
}

func (s *Scheduler) counted(name string, fn scheduler.Handler) scheduler.Handler {
	return func(ctx context.Context) error {
		if s.deps.Cache != nil {
			s.deps.Cache.Increment(ctx, "jobs:"+name+":runs")
		}
		return fn(ctx)
	}
}
