package prediction

import (
	"gasguard/internal/aggregator"
	"gasguard/internal/fetcher"
)

// Summary is the range and direction of a historical series.
type Summary struct {
	DataPoints   int              `json:"dataPoints"`
	Average      float64          `json:"averageFee"`
	Min          float64          `json:"minFee"`
	Max          float64          `json:"maxFee"`
	Trend        aggregator.Trend `json:"trend"`
	Insufficient bool             `json:"insufficient"`
}

// Summarize reduces an oldest-first series. Fewer than two points yield a
// neutral summary flagged Insufficient.
func Summarize(series []fetcher.HistoricalPoint) Summary {
	s := Summary{DataPoints: len(series), Trend: aggregator.TrendStable}
	if len(series) == 0 {
		s.Insufficient = true
		return s
	}

	s.Min, s.Max = series[0].Gwei, series[0].Gwei
	var sum float64
	for _, p := range series {
		sum += p.Gwei
		if p.Gwei < s.Min {
			s.Min = p.Gwei
		}
		if p.Gwei > s.Max {
			s.Max = p.Gwei
		}
	}
	s.Average = sum / float64(len(series))

	if len(series) < 2 {
		s.Insufficient = true
		return s
	}
	if series[len(series)-1].Gwei > series[0].Gwei {
		s.Trend = aggregator.TrendRising
	} else {
		s.Trend = aggregator.TrendFalling
	}
	return s
}
