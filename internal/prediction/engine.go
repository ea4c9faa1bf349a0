// Package prediction turns the fee history into forecast signals and owns
// the retrainable model.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gasguard/internal/fetcher"
	"gasguard/internal/storage"
)

// ModelKey is the cache key the trained model lives under.
const ModelKey = "prediction:model"

// History reads an oldest-first series for a window.
type History interface {
	HistoryBetween(ctx context.Context, from, to time.Time) ([]fetcher.HistoricalPoint, error)
}

// Cache is the subset of the cache gateway the engine uses.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

// Forecast is derived from the persisted model.
type Forecast struct {
	NextHourFee    float64   `json:"nextHourFee"`
	BestHourUTC    int       `json:"bestHourUtc"`
	ExpectedLowFee float64   `json:"expectedLowFee"`
	Confidence     int       `json:"confidence"`
	TrainedWindow  time.Time `json:"trainedWindowEnd"`
}

// Predictions is the payload served to callers.
type Predictions struct {
	Summary  Summary   `json:"summary"`
	Forecast *Forecast `json:"forecast,omitempty"`
}

// Options configure an Engine.
type Options struct {
	Lookback time.Duration
	LockKey  int64
}

// Engine trains and serves the fee model.
type Engine struct {
	history History
	cache   Cache
	locker  storage.AdvisoryLocker
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	last    atomic.Pointer[Model]
}

// NewEngine builds an engine. cache and locker may be nil.
func NewEngine(history History, cache Cache, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Engine {
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * 24 * time.Hour
	}
	return &Engine{
		history: history,
		cache:   cache,
		locker:  locker,
		opts:    opts,
		logger:  logger.With().Str("component", "prediction").Logger(),
		now:     time.Now,
	}
}

// Window returns the lookback window ending at the current hour boundary.
// Runs within the same hour see the same window.
func (e *Engine) Window() (time.Time, time.Time) {
	end := e.now().UTC().Truncate(time.Hour)
	return end.Add(-e.opts.Lookback), end
}

// Train refits the model on the current window and persists it. With fewer
// than two points nothing is persisted and a neutral model is returned.
func (e *Engine) Train(ctx context.Context) (Model, error) {
	if e.locker != nil {
		unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.LockKey)
		switch {
		case errors.Is(err, storage.ErrNotConfigured):
		case err != nil:
			return Model{}, fmt.Errorf("acquire trainer lock: %w", err)
		case !acquired:
			e.logger.Info().Msg("another trainer holds the lock, skipping")
			if m, ok := e.Current(ctx); ok {
				return m, nil
			}
			return Model{}, nil
		default:
			defer unlock()
		}
	}

	from, to := e.Window()
	series, err := e.history.HistoryBetween(ctx, from, to)
	if err != nil {
		return Model{}, fmt.Errorf("load training window: %w", err)
	}

	if len(series) < 2 {
		e.logger.Warn().Int("points", len(series)).Msg("training window too small, keeping previous model")
		return Fit(series, from, to), nil
	}

	model := Fit(series, from, to)
	payload, err := json.Marshal(model)
	if err != nil {
		return Model{}, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, ModelKey, string(payload))
	}
	e.last.Store(&model)

	e.logger.Info().
		Int("points", model.DataPoints).
		Float64("mean", model.Mean).
		Float64("slope", model.Slope).
		Int("best_hour", model.BestHourUTC).
		Msg("model trained")
	return model, nil
}

// Current returns the persisted model, preferring the shared cache copy.
func (e *Engine) Current(ctx context.Context) (Model, bool) {
	if e.cache != nil {
		if raw, ok := e.cache.Get(ctx, ModelKey); ok {
			var m Model
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				return m, true
			}
			e.logger.Warn().Msg("cached model unreadable")
		}
	}
	if m := e.last.Load(); m != nil {
		return *m, true
	}
	return Model{}, false
}

// Predictions summarises the lookback window and attaches a forecast when a
// trained model exists. It never trains inline.
func (e *Engine) Predictions(ctx context.Context) (Predictions, error) {
	to := e.now()
	series, err := e.history.HistoryBetween(ctx, to.Add(-e.opts.Lookback), to)
	if err != nil {
		e.logger.Warn().Err(err).Msg("history unavailable, returning neutral predictions")
		series = nil
	}

	p := Predictions{Summary: Summarize(series)}
	if m, ok := e.Current(ctx); ok && m.DataPoints >= 2 {
		f := &Forecast{
			NextHourFee:   m.At(to.Add(time.Hour)),
			BestHourUTC:   m.BestHourUTC,
			Confidence:    m.Confidence(),
			TrainedWindow: m.WindowEnd,
		}
		if m.BestHourUTC >= 0 {
			f.ExpectedLowFee = m.HourlyMean[m.BestHourUTC]
		}
		p.Forecast = f
	}
	return p, nil
}

// Summary reads the lookback window and summarises it.
func (e *Engine) Summary(ctx context.Context) (Summary, error) {
	to := e.now()
	series, err := e.history.HistoryBetween(ctx, to.Add(-e.opts.Lookback), to)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(series), nil
}
