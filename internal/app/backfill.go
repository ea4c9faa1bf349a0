package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"gasguard/internal/fetcher"
	"gasguard/internal/storage"
)

// Backfill 通过 eth_feeHistory 重建区间内的费用样本并写入数据库。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := opts.From.UTC()
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	var samples storage.FeeSampleStore
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		defer closeStore()
		samples = store
	}

	rpc := fetcher.NewRPC(a.Config.Chain.RPCURL)
	defer rpc.Close()

	oracle := fetcher.NewFeeHistoryOracle(fetcher.FeeHistoryOptions{
		Blocks:    a.Config.Chain.HistoryBlocks,
		BlockTime: a.Config.Chain.BlockTime,
		Timeout:   a.Config.Chain.RequestTimeout,
	}, rpc.Reader)

	series, err := oracle.FetchHistory(ctx, start, end)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		a.Logger.Warn().Time("from", start).Time("to", end).Msg("区间超出节点可回溯范围，没有可回填的数据")
		return nil
	}
	if first := series[0].CapturedAt; first.After(start.Add(a.Config.Chain.BlockTime)) {
		a.Logger.Warn().Time("earliest", first).Msg("节点仅返回部分区间")
	}

	processed := 0
	failed := 0
	for _, point := range series {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if samples == nil {
			processed++
			continue
		}
		if err := samples.UpsertFeeSample(ctx, backfillSample(point)); err != nil {
			failed++
			a.Logger.Error().Err(err).Time("captured_at", point.CapturedAt).Msg("回填失败")
			continue
		}
		processed++
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分样本回填失败，请检查日志")
	}
	return nil
}

func backfillSample(point fetcher.HistoricalPoint) storage.FeeSampleRecord {
	gwei := decimal.NewFromFloat(point.Gwei)
	return storage.FeeSampleRecord{
		CapturedAt: point.CapturedAt.UTC().Truncate(time.Second),
		Gwei:       gwei,
		Wei:        gwei.Shift(9).Truncate(0),
		Source:     string(fetcher.SourceChainOracle),
		Status:     "backfill",
		CreatedAt:  time.Now().UTC(),
	}
}
