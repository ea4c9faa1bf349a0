package aggregator

import "gasguard/internal/fetcher"

// Status buckets the current fee.
type Status string

const (
	StatusLow    Status = "LOW"
	StatusMedium Status = "MEDIUM"
	StatusHigh   Status = "HIGH"
)

// Trend is the direction of the fee relative to recent history.
type Trend string

const (
	TrendRising  Trend = "RISING"
	TrendFalling Trend = "FALLING"
	TrendStable  Trend = "STABLE"
)

// Classify buckets fee against the low/high cut points. Each cut point
// belongs to the higher bucket.
func Classify(fee, low, high float64) Status {
	switch {
	case fee >= high:
		return StatusHigh
	case fee >= low:
		return StatusMedium
	default:
		return StatusLow
	}
}

// TrendOf compares the newest historical point against current.
// Fewer than two points carry no direction.
func TrendOf(history []fetcher.HistoricalPoint, current float64) Trend {
	if len(history) < 2 {
		return TrendStable
	}
	if history[len(history)-1].Gwei < current {
		return TrendRising
	}
	return TrendFalling
}

// FeeUSD prices a transfer of gasUnits at gwei per unit in USD.
func FeeUSD(gwei float64, gasUnits uint64, assetPrice float64) float64 {
	return gwei * 1e-9 * float64(gasUnits) * assetPrice
}
