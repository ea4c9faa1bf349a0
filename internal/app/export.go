package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"gasguard/internal/fetcher"
	"gasguard/internal/storage"
)

// Export renders historical data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.PollInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := a.loadSamples(ctx, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// loadSamples prefers persisted polls and falls back to the history chain
// when no database is configured.
func (a *App) loadSamples(ctx context.Context, from, to time.Time) ([]storage.FeeSampleRecord, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer closeStore()
		return store.ListSamplesBetween(ctx, from, to)
	}

	a.Logger.Warn().Msg("database not configured; exporting from the history sources")
	c, err := a.build(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close()

	series, err := c.aggregator.HistoryBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return samplesFromSeries(series), nil
}

func samplesFromSeries(series []fetcher.HistoricalPoint) []storage.FeeSampleRecord {
	samples := make([]storage.FeeSampleRecord, 0, len(series))
	for _, p := range series {
		gwei := decimal.NewFromFloat(p.Gwei)
		samples = append(samples, storage.FeeSampleRecord{
			CapturedAt: p.CapturedAt.UTC(),
			Gwei:       gwei,
			Wei:        gwei.Shift(9).Truncate(0),
			Source:     "history",
			Status:     "ok",
		})
	}
	return samples
}

func downsampleSamples(samples []storage.FeeSampleRecord, max int) []storage.FeeSampleRecord {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]storage.FeeSampleRecord, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.FeeSampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"captured_at", "fee_gwei", "fee_wei", "source", "block_number", "asset_price_usd", "congestion_pct", "fee_usd", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = *sample.Error
		}
		block := ""
		if sample.BlockNumber != nil {
			block = strconv.FormatInt(*sample.BlockNumber, 10)
		}
		record := []string{
			sample.CapturedAt.UTC().Format(time.RFC3339),
			sample.Gwei.String(),
			sample.Wei.String(),
			sample.Source,
			block,
			sample.AssetPrice.String(),
			strconv.Itoa(sample.Congestion),
			sample.FeeUSD.String(),
			sample.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSamplesPNG(path string, samples []storage.FeeSampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	fees := make([]float64, len(samples))
	congestion := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.CapturedAt
		fees[i] = sample.Gwei.InexactFloat64()
		congestion[i] = float64(sample.Congestion)
	}

	feeFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Fee (gwei)",
			ValueFormatter: feeFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Congestion (%)",
			ValueFormatter: feeFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Fee",
				XValues: x,
				YValues: fees,
			},
			chart.TimeSeries{
				Name:    "Congestion %",
				XValues: x,
				YValues: congestion,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
