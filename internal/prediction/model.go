package prediction

import (
	"math"
	"time"

	"gasguard/internal/fetcher"
)

// Model holds fitted parameters. It carries no wall-clock state, so fitting
// the same window twice produces identical bytes.
type Model struct {
	DataPoints    int         `json:"dataPoints"`
	WindowStart   time.Time   `json:"windowStart"`
	WindowEnd     time.Time   `json:"windowEnd"`
	Mean          float64     `json:"mean"`
	StdDev        float64     `json:"stdDev"`
	Slope         float64     `json:"slopePerHour"`
	Intercept     float64     `json:"intercept"`
	HourlyMean    [24]float64 `json:"hourlyMean"`
	HourlySamples [24]int     `json:"hourlySamples"`
	BestHourUTC   int         `json:"bestHourUtc"`
}

// Fit computes a least-squares line over hours since start plus per-hour
// averages. Callers guarantee at least two points.
func Fit(series []fetcher.HistoricalPoint, start, end time.Time) Model {
	m := Model{
		DataPoints:  len(series),
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
		BestHourUTC: -1,
	}
	if len(series) == 0 {
		return m
	}

	n := float64(len(series))
	var sumX, sumY, sumXY, sumXX float64
	var hourSum [24]float64
	for _, p := range series {
		x := p.CapturedAt.Sub(start).Hours()
		y := p.Gwei
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x

		h := p.CapturedAt.UTC().Hour()
		hourSum[h] += y
		m.HourlySamples[h]++
	}

	m.Mean = sumY / n
	var sq float64
	for _, p := range series {
		d := p.Gwei - m.Mean
		sq += d * d
	}
	m.StdDev = math.Sqrt(sq / n)

	denom := n*sumXX - sumX*sumX
	if denom != 0 {
		m.Slope = (n*sumXY - sumX*sumY) / denom
		m.Intercept = (sumY - m.Slope*sumX) / n
	} else {
		m.Intercept = m.Mean
	}

	for h := 0; h < 24; h++ {
		if m.HourlySamples[h] == 0 {
			continue
		}
		m.HourlyMean[h] = hourSum[h] / float64(m.HourlySamples[h])
		if m.BestHourUTC < 0 || m.HourlyMean[h] < m.HourlyMean[m.BestHourUTC] {
			m.BestHourUTC = h
		}
	}
	return m
}

// At evaluates the fitted line at t, floored at zero.
func (m Model) At(t time.Time) float64 {
	v := m.Intercept + m.Slope*t.Sub(m.WindowStart).Hours()
	if v < 0 {
		return 0
	}
	return v
}

// Confidence maps the series dispersion to 10-90.
func (m Model) Confidence() int {
	if m.DataPoints < 2 || m.Mean <= 0 {
		return 10
	}
	c := int(math.Round(100 * (1 - m.StdDev/m.Mean)))
	return min(max(c, 10), 90)
}
