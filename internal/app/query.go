package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"gasguard/internal/monitor"
	"gasguard/internal/recommend"
	"gasguard/internal/version"
)

// Conditions prints the current fee snapshot.
func (a *App) Conditions(ctx context.Context, w io.Writer) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	cond, err := c.aggregator.CurrentConditions(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, cond)
}

// History prints the fee series for the last hours.
func (a *App) History(ctx context.Context, hours int, w io.Writer) error {
	if hours <= 0 {
		return errors.New("hours must be greater than zero")
	}
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	series, err := c.aggregator.History(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		return err
	}
	return writeJSON(w, series)
}

// Predict prints the trend summary and the trained forecast when one exists.
func (a *App) Predict(ctx context.Context, w io.Writer) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	preds, err := c.prediction.Predictions(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, preds)
}

// Train refits the prediction model once and prints it.
func (a *App) Train(ctx context.Context, w io.Writer) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	model, err := c.prediction.Train(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, model)
}

// Recommend prints a recommendation for one message.
func (a *App) Recommend(ctx context.Context, opts RecommendOptions, w io.Writer) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := c.recommend.Recommend(ctx, recommend.Request{
		Message: opts.Message,
		Wallet:  opts.Wallet,
		Context: opts.Context,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, res)
}

// Monitor keeps the local monitor file fresh until interrupted.
func (a *App) Monitor(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := a.Config.Monitor
	if cfg.APIURL == "" {
		return fmt.Errorf("monitor.api_url not configured")
	}
	client := monitor.NewClient(monitor.ClientOptions{
		URL:        cfg.APIURL,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		UserAgent:  version.UserAgent(),
	}, a.Logger)
	writer := monitor.NewWriter(client, cfg.Path, cfg.Interval, a.Logger)

	return writer.Run(ctx)
}
