package fetcher

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Source identifies where a fee sample originated.
type Source string

const (
	SourceLocalMonitor Source = "LOCAL_MONITOR"
	SourceChainOracle  Source = "CHAIN_ORACLE"
)

var (
	// ErrStale marks data older than its freshness threshold.
	ErrStale = errors.New("fetcher: data stale")
	// ErrNotConfigured indicates a source without the settings it needs.
	ErrNotConfigured = errors.New("fetcher: source not configured")
)

// FeeSample is one observation of the network fee.
type FeeSample struct {
	Wei          *big.Int `json:"wei"`
	Gwei         float64  `json:"gwei"`
	CapturedAtMs int64    `json:"capturedAtMs"`
	Source       Source   `json:"source"`
	BlockNumber  uint64   `json:"blockNumber,omitempty"`
}

// HistoricalPoint is one entry of an oldest-first fee series.
type HistoricalPoint struct {
	CapturedAt time.Time `json:"capturedAt"`
	Gwei       float64   `json:"gwei"`
}

// PriceQuote is a market-data oracle answer. Fallback marks a substituted value.
type PriceQuote struct {
	Asset        string  `json:"asset"`
	Value        float64 `json:"value"`
	Decimals     int     `json:"decimals"`
	CapturedAtMs int64   `json:"capturedAtMs"`
	Fallback     bool    `json:"fallback"`
}

// Age returns how old the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(q.CapturedAtMs))
}

// FeeSource yields the current fee.
type FeeSource interface {
	Name() Source
	FetchFee(ctx context.Context) (FeeSample, error)
}

// PriceSource looks up an asset price by pair identifier, e.g. "FLR/USD".
type PriceSource interface {
	FetchPrice(ctx context.Context, asset string) (PriceQuote, error)
}

// CongestionSource yields network congestion as a 0-100 percentage.
type CongestionSource interface {
	FetchCongestion(ctx context.Context) (int, error)
}

// HistorySource returns an oldest-first fee series within [from, to].
type HistorySource interface {
	FetchHistory(ctx context.Context, from, to time.Time) ([]HistoricalPoint, error)
}

// CrossChainSource returns the current fee per chain name.
type CrossChainSource interface {
	FetchCrossChain(ctx context.Context) (map[string]float64, error)
}
