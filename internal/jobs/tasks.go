package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gasguard/internal/aggregator"
	"gasguard/internal/fetcher"
	"gasguard/internal/storage"
)

// pollFee refreshes the cached snapshot and records it. Only one process
// records a given poll when the advisory lock is available.
func (s *Scheduler) pollFee(ctx context.Context) error {
	cond, err := s.deps.Aggregator.CurrentConditions(ctx)
	if err != nil {
		return fmt.Errorf("fetch conditions: %w", err)
	}

	if payload, err := json.Marshal(cond); err == nil {
		s.deps.Cache.SetWithTTL(ctx, ConditionsKey, string(payload), 2*s.opts.PollInterval)
	}

	s.logger.Info().
		Float64("fee_gwei", cond.Fee.Gwei).
		Str("source", string(cond.Source)).
		Str("status", string(cond.Status)).
		Int("congestion", cond.Congestion).
		Msg("fee polled")

	if s.deps.Samples == nil {
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Msg("skip sample because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	sample := SampleFromConditions(cond, s.now())
	if err := s.deps.Samples.UpsertFeeSample(ctx, sample); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		s.logger.Error().Err(err).Time("captured_at", sample.CapturedAt).Msg("failed to upsert sample")
	}
	return nil
}

func (s *Scheduler) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if errors.Is(err, storage.ErrNotConfigured) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// SampleFromConditions converts a snapshot into a storage row.
func SampleFromConditions(cond aggregator.Conditions, now time.Time) storage.FeeSampleRecord {
	capturedAt := now.UTC()
	if cond.Fee.CapturedAtMs > 0 {
		capturedAt = time.UnixMilli(cond.Fee.CapturedAtMs).UTC()
	}

	wei := decimal.Zero
	if cond.Fee.Wei != nil {
		wei = decimal.NewFromBigInt(cond.Fee.Wei, 0)
	}

	sample := storage.FeeSampleRecord{
		CapturedAt: capturedAt,
		Gwei:       decimal.NewFromFloat(cond.Fee.Gwei),
		Wei:        wei,
		Source:     string(cond.Source),
		AssetPrice: decimal.NewFromFloat(cond.AssetPrice.Value),
		Congestion: cond.Congestion,
		FeeUSD:     decimal.NewFromFloat(cond.FeeUSD),
		Status:     "ok",
		CreatedAt:  now.UTC(),
	}
	if cond.BlockNumber != 0 {
		block := int64(cond.BlockNumber)
		sample.BlockNumber = &block
	}
	return sample
}

func (s *Scheduler) checkAlerts(ctx context.Context) error {
	if s.deps.Alerts == nil {
		return nil
	}
	fired, err := s.deps.Alerts.Check(ctx)
	if len(fired) > 0 {
		s.logger.Info().Int("alerts", len(fired)).Msg("alerts dispatched")
	}
	return err
}

// fetchHistory refreshes the cached lookback series and the cross-chain snapshot.
func (s *Scheduler) fetchHistory(ctx context.Context) error {
	var errs []error

	series, err := s.deps.Aggregator.History(ctx, s.opts.Lookback)
	if err != nil {
		errs = append(errs, fmt.Errorf("history: %w", err))
	} else if payload, err := json.Marshal(series); err == nil {
		s.deps.Cache.SetWithTTL(ctx, HistoryKey, string(payload), 2*s.opts.HistoryInterval)
		s.logger.Info().Int("points", len(series)).Msg("history refreshed")
	}

	snapshot, err := s.deps.Aggregator.CrossChain(ctx)
	if err != nil && !errors.Is(err, fetcher.ErrNotConfigured) {
		errs = append(errs, fmt.Errorf("cross chain: %w", err))
	}
	if len(snapshot) > 0 {
		if payload, err := json.Marshal(snapshot); err == nil {
			s.deps.Cache.SetWithTTL(ctx, CrossChainKey, string(payload), 2*s.opts.HistoryInterval)
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) trainModel(ctx context.Context) error {
	if s.deps.Trainer == nil {
		return nil
	}
	_, err := s.deps.Trainer.Train(ctx)
	return err
}

// updateLeaderboard caches the top savers of the lookback period.
func (s *Scheduler) updateLeaderboard(ctx context.Context) error {
	if s.deps.Savers == nil {
		return nil
	}
	rows, err := s.deps.Savers.TopSavers(ctx, s.now().Add(-s.opts.Lookback), s.opts.LeaderboardSize)
	if errors.Is(err, storage.ErrNotConfigured) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("top savers: %w", err)
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	s.deps.Cache.SetWithTTL(ctx, LeaderboardKey, string(payload), 2*s.opts.LeaderboardInterval)
	return nil
}

// pruneAlerts drops audited alerts older than the retention period.
func (s *Scheduler) pruneAlerts(ctx context.Context) error {
	if s.deps.AlertLog == nil || s.opts.AlertRetention <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.opts.AlertRetention).UTC()
	err := s.deps.AlertLog.DeleteAlertsBefore(ctx, cutoff)
	if errors.Is(err, storage.ErrNotConfigured) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("prune alerts: %w", err)
	}
	s.logger.Info().Time("before", cutoff).Msg("old alerts pruned")
	return nil
}
