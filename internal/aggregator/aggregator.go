// Package aggregator resolves one authoritative view of network fee
// conditions from competing sources.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gasguard/internal/config"
	"gasguard/internal/fetcher"
	"gasguard/internal/metrics"
)

var (
	// ErrNoFeeSource is returned when every fee source failed.
	ErrNoFeeSource = errors.New("aggregator: no fee source available")
	// ErrNoHistorySource is returned when every history source failed.
	ErrNoHistorySource = errors.New("aggregator: no history source available")
	// ErrStalePrice marks a price quote past its freshness window.
	ErrStalePrice = errors.New("aggregator: price quote stale")
)

// SourceError records one failed source within a fallback chain.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Policy holds the constants the aggregator applies.
type Policy struct {
	LowFee        float64
	HighFee       float64
	GasUnits      uint64
	Asset         string
	PriceMaxAge   time.Duration
	PriceFallback float64
	TrendWindow   time.Duration
}

// PolicyFromConfig extracts the aggregator policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		LowFee:        cfg.Policy.LowFee,
		HighFee:       cfg.Policy.HighFee,
		GasUnits:      cfg.Chain.GasUnits,
		Asset:         cfg.Price.Feed,
		PriceMaxAge:   cfg.Price.MaxAge,
		PriceFallback: cfg.Price.FallbackValue,
		TrendWindow:   cfg.History.TrendWindow,
	}
}

// Sources wires the providers. Fees and History are tried in order.
type Sources struct {
	Fees       []fetcher.FeeSource
	Price      fetcher.PriceSource
	Congestion fetcher.CongestionSource
	History    []fetcher.HistorySource
	CrossChain fetcher.CrossChainSource
}

// Conditions is the resolved snapshot handed to callers.
type Conditions struct {
	Fee         fetcher.FeeSample  `json:"fee"`
	FeeUSD      float64            `json:"feeUsd"`
	AssetPrice  fetcher.PriceQuote `json:"assetPrice"`
	Congestion  int                `json:"congestion"`
	Status      Status             `json:"status"`
	Trend       Trend              `json:"trend"`
	Source      fetcher.Source     `json:"source"`
	BlockNumber uint64             `json:"blockNumber,omitempty"`
	Degraded    []string           `json:"degraded,omitempty"`
}

// Aggregator holds no mutable state; calls are safe to run concurrently.
type Aggregator struct {
	src    Sources
	policy Policy
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an aggregator.
func New(src Sources, policy Policy, logger zerolog.Logger) *Aggregator {
	if policy.GasUnits == 0 {
		policy.GasUnits = 21000
	}
	if policy.PriceMaxAge <= 0 {
		policy.PriceMaxAge = 120 * time.Second
	}
	if policy.TrendWindow <= 0 {
		policy.TrendWindow = time.Hour
	}
	return &Aggregator{
		src:    src,
		policy: policy,
		logger: logger.With().Str("component", "aggregator").Logger(),
		now:    time.Now,
	}
}

// Policy returns the active policy.
func (a *Aggregator) Policy() Policy { return a.policy }

// CurrentFee walks the fee sources in order and returns the first success.
func (a *Aggregator) CurrentFee(ctx context.Context) (fetcher.FeeSample, error) {
	var errs []error
	for _, s := range a.src.Fees {
		sample, err := s.FetchFee(ctx)
		if err == nil {
			metrics.FeeSourceSelected.WithLabelValues(string(sample.Source)).Inc()
			metrics.LastFee.Set(sample.Gwei)
			return sample, nil
		}
		if ctx.Err() != nil {
			return fetcher.FeeSample{}, ctx.Err()
		}
		a.logger.Warn().Err(err).Str("source", string(s.Name())).Msg("fee source failed, trying next")
		metrics.SourceFallbacks.WithLabelValues("fee", string(s.Name())).Inc()
		errs = append(errs, &SourceError{Source: string(s.Name()), Err: err})
	}
	return fetcher.FeeSample{}, errors.Join(append([]error{ErrNoFeeSource}, errs...)...)
}

// AssetPrice returns a fresh quote or the configured fallback flagged as such.
// It never fails.
func (a *Aggregator) AssetPrice(ctx context.Context) fetcher.PriceQuote {
	fallback := fetcher.PriceQuote{
		Asset:        a.policy.Asset,
		Value:        a.policy.PriceFallback,
		CapturedAtMs: a.now().UnixMilli(),
		Fallback:     true,
	}
	if a.src.Price == nil {
		return fallback
	}

	q, err := a.src.Price.FetchPrice(ctx, a.policy.Asset)
	if err == nil && q.Age(a.now()) >= a.policy.PriceMaxAge {
		err = fmt.Errorf("%w: age %s", ErrStalePrice, q.Age(a.now()).Round(time.Second))
	}
	if err == nil && q.Value <= 0 {
		err = errors.New("non-positive price")
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("asset", a.policy.Asset).Float64("fallback", fallback.Value).Msg("price unavailable, using fallback")
		metrics.SourceFallbacks.WithLabelValues("price", "oracle").Inc()
		return fallback
	}
	return q
}

// Congestion returns the congestion percentage from its independent source.
func (a *Aggregator) Congestion(ctx context.Context) (int, error) {
	if a.src.Congestion == nil {
		return 0, fetcher.ErrNotConfigured
	}
	pct, err := a.src.Congestion.FetchCongestion(ctx)
	if err != nil {
		return 0, err
	}
	metrics.LastCongestion.Set(float64(pct))
	return pct, nil
}

// CurrentConditions assembles the full snapshot. Only a failure of every fee
// source is returned as an error; other failures degrade the snapshot.
func (a *Aggregator) CurrentConditions(ctx context.Context) (Conditions, error) {
	fee, err := a.CurrentFee(ctx)
	if err != nil {
		return Conditions{}, err
	}

	c := Conditions{
		Fee:         fee,
		Source:      fee.Source,
		BlockNumber: fee.BlockNumber,
		Status:      Classify(fee.Gwei, a.policy.LowFee, a.policy.HighFee),
	}

	c.AssetPrice = a.AssetPrice(ctx)
	if c.AssetPrice.Fallback {
		c.Degraded = append(c.Degraded, "price")
	}
	c.FeeUSD = FeeUSD(fee.Gwei, a.policy.GasUnits, c.AssetPrice.Value)

	if pct, err := a.Congestion(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("congestion unavailable")
		metrics.SourceFallbacks.WithLabelValues("congestion", "oracle").Inc()
		c.Degraded = append(c.Degraded, "congestion")
	} else {
		c.Congestion = pct
	}

	history, err := a.History(ctx, a.policy.TrendWindow)
	if err != nil {
		a.logger.Warn().Err(err).Msg("history unavailable, trend defaults to stable")
		c.Degraded = append(c.Degraded, "trend")
		c.Trend = TrendStable
	} else {
		c.Trend = TrendOf(history, fee.Gwei)
	}

	return c, nil
}

// History returns the series covering the last window, oldest first.
func (a *Aggregator) History(ctx context.Context, window time.Duration) ([]fetcher.HistoricalPoint, error) {
	to := a.now()
	return a.HistoryBetween(ctx, to.Add(-window), to)
}

// HistoryBetween walks the history sources in order. A source returning an
// empty series defers to the next one.
func (a *Aggregator) HistoryBetween(ctx context.Context, from, to time.Time) ([]fetcher.HistoricalPoint, error) {
	var (
		errs  []error
		empty bool
	)
	for i, s := range a.src.History {
		points, err := s.FetchHistory(ctx, from, to)
		if err == nil && len(points) > 0 {
			return points, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := fmt.Sprintf("history[%d]", i)
		if err != nil {
			a.logger.Debug().Err(err).Str("source", name).Msg("history source failed, trying next")
			metrics.SourceFallbacks.WithLabelValues("history", name).Inc()
			errs = append(errs, &SourceError{Source: name, Err: err})
			continue
		}
		empty = true
	}
	if empty {
		return []fetcher.HistoricalPoint{}, nil
	}
	return nil, errors.Join(append([]error{ErrNoHistorySource}, errs...)...)
}

// CrossChain returns the per-chain fee snapshot.
func (a *Aggregator) CrossChain(ctx context.Context) (map[string]float64, error) {
	if a.src.CrossChain == nil {
		return nil, fetcher.ErrNotConfigured
	}
	return a.src.CrossChain.FetchCrossChain(ctx)
}
