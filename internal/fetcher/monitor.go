package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// MonitorRecord is the payload the local monitor rewrites on every poll.
type MonitorRecord struct {
	Timestamp                     string          `json:"timestamp"`
	TimestampMs                   int64           `json:"timestamp_ms"`
	GasPrice                      MonitorGasPrice `json:"gasPrice"`
	BaseFee                       *float64        `json:"baseFee"`
	PriorityFee                   *float64        `json:"priorityFee"`
	SuggestedMaxFeePerGas         float64         `json:"suggestedMaxFeePerGas"`
	SuggestedMaxPriorityFeePerGas *float64        `json:"suggestedMaxPriorityFeePerGas"`
	Source                        string          `json:"source"`
}

// MonitorGasPrice is the fee in both units.
type MonitorGasPrice struct {
	Gwei float64 `json:"gwei"`
	Wei  string  `json:"wei"`
}

// LocalMonitorOptions parameterise the file-backed fee source.
type LocalMonitorOptions struct {
	Path   string
	MaxAge time.Duration
}

// LocalMonitor reads the near-real-time monitor file. The file is trusted
// only while its last write is younger than MaxAge.
type LocalMonitor struct {
	opts   LocalMonitorOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewLocalMonitor builds a local monitor source.
func NewLocalMonitor(opts LocalMonitorOptions, logger zerolog.Logger) *LocalMonitor {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 60 * time.Second
	}
	return &LocalMonitor{
		opts:   opts,
		logger: logger.With().Str("component", "local_monitor").Logger(),
		now:    time.Now,
	}
}

// Name implements FeeSource.
func (m *LocalMonitor) Name() Source { return SourceLocalMonitor }

// FetchFee returns the monitor's fee when the file is fresh.
func (m *LocalMonitor) FetchFee(ctx context.Context) (FeeSample, error) {
	if m.opts.Path == "" {
		return FeeSample{}, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return FeeSample{}, err
	}

	info, err := os.Stat(m.opts.Path)
	if err != nil {
		return FeeSample{}, fmt.Errorf("stat monitor file: %w", err)
	}
	age := m.now().Sub(info.ModTime())
	if age >= m.opts.MaxAge {
		return FeeSample{}, fmt.Errorf("monitor file %s old: %w", age.Round(time.Second), ErrStale)
	}

	raw, err := os.ReadFile(m.opts.Path)
	if err != nil {
		return FeeSample{}, fmt.Errorf("read monitor file: %w", err)
	}

	var rec MonitorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return FeeSample{}, fmt.Errorf("decode monitor file: %w", err)
	}
	if rec.GasPrice.Gwei <= 0 {
		return FeeSample{}, fmt.Errorf("monitor file carries no fee")
	}

	wei, ok := new(big.Int).SetString(rec.GasPrice.Wei, 10)
	if !ok {
		wei = GweiToWei(rec.GasPrice.Gwei)
	}

	captured := rec.TimestampMs
	if captured == 0 {
		captured = info.ModTime().UnixMilli()
	}

	return FeeSample{
		Wei:          wei,
		Gwei:         rec.GasPrice.Gwei,
		CapturedAtMs: captured,
		Source:       SourceLocalMonitor,
	}, nil
}

var _ FeeSource = (*LocalMonitor)(nil)
