package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"gasguard/internal/storage"
)

// Show prints recent samples, or recent alerts with opts.Alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions, w io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	defer closeStore()

	if opts.Alerts {
		return a.showAlerts(ctx, store, opts.Limit, w)
	}
	return showSamples(ctx, store, opts.Limit, w)
}

func showSamples(ctx context.Context, store storage.FeeSampleStore, limit int, w io.Writer) error {
	total, err := store.CountSamples(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Fprintln(w, "no samples found")
		return nil
	}

	samples, err := store.ListRecentSamples(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d samples stored, latest %d:\n", total, len(samples))

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tFee (gwei)\tSource\tCongestion%\tCost (USD)\tStatus\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			sample.CapturedAt.UTC().Format(time.RFC3339),
			formatDecimal(sample.Gwei, 3),
			sample.Source,
			sample.Congestion,
			formatDecimal(sample.FeeUSD, 6),
			sample.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

func (a *App) showAlerts(ctx context.Context, store storage.AlertStore, limit int, w io.Writer) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(w, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRule\tFee (gwei)\tThreshold\tDirection\tChannels")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Rule,
			formatDecimal(alert.FeeGwei, 3),
			formatDecimal(alert.ThresholdGwei, 3),
			alert.Direction,
			strings.Join(alert.Channels, ","),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
