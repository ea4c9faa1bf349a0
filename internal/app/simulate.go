package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gasguard/internal/aggregator"
	"gasguard/internal/alerting"
	"gasguard/internal/fetcher"
)

// SimulateAlert 以给定费用模拟一次告警检查，忽略冷却期。
func (a *App) SimulateAlert(ctx context.Context, feeGwei float64, w io.Writer) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	checker := alerting.NewChecker(nil, alerting.CheckerOptions{
		Rules:    alerting.RulesFromConfig(a.Config),
		Notifier: a.newNotifier(),
	}, a.Logger)

	fired, err := checker.Evaluate(ctx, a.simulatedConditions(feeGwei, time.Now()))
	if err != nil {
		return err
	}
	if len(fired) == 0 {
		fmt.Fprintf(w, "no rule matched %.3f gwei\n", feeGwei)
		return nil
	}
	for _, note := range fired {
		fmt.Fprintf(w, "fired %s (%s %s gwei)\n", note.Rule, note.Direction, note.ThresholdGwei.StringFixed(3))
	}
	return nil
}

func (a *App) simulatedConditions(feeGwei float64, now time.Time) aggregator.Conditions {
	policy := aggregator.PolicyFromConfig(a.Config)
	return aggregator.Conditions{
		Fee: fetcher.FeeSample{
			Wei:          fetcher.GweiToWei(feeGwei),
			Gwei:         feeGwei,
			CapturedAtMs: now.UnixMilli(),
			Source:       "SIMULATED",
		},
		FeeUSD:     aggregator.FeeUSD(feeGwei, policy.GasUnits, policy.PriceFallback),
		AssetPrice: fetcher.PriceQuote{Asset: policy.Asset, Value: policy.PriceFallback, Fallback: true},
		Status:     aggregator.Classify(feeGwei, policy.LowFee, policy.HighFee),
		Trend:      aggregator.TrendStable,
		Source:     "SIMULATED",
	}
}
