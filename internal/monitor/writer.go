package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"gasguard/internal/fetcher"
	"gasguard/internal/metrics"
)

const recordSource = "metamask_api"

// Writer keeps the local monitor file fresh for fetcher.LocalMonitor.
type Writer struct {
	client   *Client
	path     string
	interval time.Duration
	logger   zerolog.Logger
}

// NewWriter builds a monitor writer targeting path.
func NewWriter(client *Client, path string, interval time.Duration, logger zerolog.Logger) *Writer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Writer{
		client:   client,
		path:     path,
		interval: interval,
		logger:   logger.With().Str("component", "monitor_writer").Logger(),
	}
}

// Run polls until ctx is cancelled. Failed polls are logged and skipped;
// the reader falls back on its own once the file goes stale.
func (w *Writer) Run(ctx context.Context) error {
	if w.path == "" {
		return errors.New("monitor path not configured")
	}

	w.logger.Info().Str("path", w.path).Dur("interval", w.interval).Msg("monitor writer started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn().Err(err).Msg("monitor poll failed")
		}

		select {
		case <-ctx.Done():
			w.logger.Info().Msg("monitor writer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches one suggestion and rewrites the file.
func (w *Writer) Poll(ctx context.Context) (fetcher.MonitorRecord, error) {
	s, err := w.client.Fetch(ctx)
	if err != nil {
		metrics.MonitorPolls.WithLabelValues("fetch_error").Inc()
		return fetcher.MonitorRecord{}, err
	}

	rec := BuildRecord(s)
	if err := WriteRecord(w.path, rec); err != nil {
		metrics.MonitorPolls.WithLabelValues("write_error").Inc()
		return fetcher.MonitorRecord{}, err
	}
	metrics.MonitorPolls.WithLabelValues("ok").Inc()

	w.logger.Debug().Float64("gwei", rec.GasPrice.Gwei).Msg("monitor file updated")
	return rec, nil
}

// BuildRecord maps a suggestion onto the monitor file layout.
func BuildRecord(s Suggestion) fetcher.MonitorRecord {
	rec := fetcher.MonitorRecord{
		Timestamp:   s.FetchedAt.Format("2006-01-02T15:04:05.000000"),
		TimestampMs: s.FetchedAt.UnixMilli(),
		GasPrice: fetcher.MonitorGasPrice{
			Gwei: s.MaxFee,
			Wei:  fetcher.GweiToWei(s.MaxFee).String(),
		},
		SuggestedMaxFeePerGas: s.MaxFee,
		Source:                recordSource,
	}
	if s.BaseFee > 0 {
		v := s.BaseFee
		rec.BaseFee = &v
	}
	if s.PriorityFee > 0 {
		v := s.PriorityFee
		rec.PriorityFee = &v
		rec.SuggestedMaxPriorityFeePerGas = &v
	}
	return rec
}

// WriteRecord replaces path atomically so readers never see a partial file.
func WriteRecord(path string, rec fetcher.MonitorRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".gas_monitor_*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace monitor file: %w", err)
	}
	return nil
}
