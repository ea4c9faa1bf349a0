package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxFeeHistoryBlocks is the upper bound most nodes accept for eth_feeHistory.
const maxFeeHistoryBlocks = 1024

// FeeHistoryOptions parameterise the RPC-derived history oracle.
type FeeHistoryOptions struct {
	Blocks    uint64
	BlockTime time.Duration
	Timeout   time.Duration
}

// FeeHistoryOracle rebuilds a recent fee series from per-block base fees
// plus the median priority reward.
type FeeHistoryOracle struct {
	opts FeeHistoryOptions
	dial DialFunc
}

// NewFeeHistoryOracle builds the history source.
func NewFeeHistoryOracle(opts FeeHistoryOptions, dial DialFunc) *FeeHistoryOracle {
	if opts.Blocks == 0 || opts.Blocks > maxFeeHistoryBlocks {
		opts.Blocks = maxFeeHistoryBlocks
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 2 * time.Second
	}
	return &FeeHistoryOracle{opts: opts, dial: dial}
}

// FetchHistory returns points inside [from, to], oldest first. The series is
// bounded by the configured block count, so long windows come back partial.
func (o *FeeHistoryOracle) FetchHistory(ctx context.Context, from, to time.Time) ([]HistoricalPoint, error) {
	ctx, cancel := withTimeout(ctx, o.opts.Timeout)
	defer cancel()

	client, err := o.dial(ctx)
	if err != nil {
		return nil, err
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	if head.Number == nil {
		return nil, errors.New("latest header has no number")
	}

	hist, err := client.FeeHistory(ctx, o.opts.Blocks, head.Number, []float64{50})
	if err != nil {
		return nil, fmt.Errorf("fee history: %w", err)
	}
	if hist == nil || hist.OldestBlock == nil {
		return nil, errors.New("empty fee history")
	}

	headTime := time.Unix(int64(head.Time), 0).UTC()
	headNum := head.Number.Uint64()
	oldest := hist.OldestBlock.Uint64()

	// BaseFee carries one extra entry for the next block; skip it.
	count := len(hist.GasUsedRatio)
	if count > len(hist.BaseFee) {
		count = len(hist.BaseFee)
	}

	points := make([]HistoricalPoint, 0, count)
	for i := 0; i < count; i++ {
		fee := new(big.Int)
		if hist.BaseFee[i] != nil {
			fee.Set(hist.BaseFee[i])
		}
		if i < len(hist.Reward) && len(hist.Reward[i]) > 0 && hist.Reward[i][0] != nil {
			fee.Add(fee, hist.Reward[i][0])
		}

		block := oldest + uint64(i)
		at := headTime.Add(-time.Duration(headNum-block) * o.opts.BlockTime)
		if at.Before(from) || at.After(to) {
			continue
		}
		points = append(points, HistoricalPoint{CapturedAt: at, Gwei: WeiToGwei(fee)})
	}
	return points, nil
}

// CrossChain snapshots the current fee on several chains.
type CrossChain struct {
	chains  map[string]DialFunc
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCrossChain builds a snapshot source from chain name to RPC dialer.
func NewCrossChain(chains map[string]DialFunc, timeout time.Duration, logger zerolog.Logger) *CrossChain {
	return &CrossChain{chains: chains, timeout: timeout, logger: logger.With().Str("component", "cross_chain").Logger()}
}

// Chains lists configured chain names in stable order.
func (c *CrossChain) Chains() []string {
	names := make([]string, 0, len(c.chains))
	for name := range c.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FetchCrossChain queries each chain concurrently. Chains that fail are left
// out of the map; only a fully failed snapshot is an error.
func (c *CrossChain) FetchCrossChain(ctx context.Context) (map[string]float64, error) {
	if len(c.chains) == 0 {
		return nil, fmt.Errorf("cross chain: %w", ErrNotConfigured)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		out  = make(map[string]float64, len(c.chains))
		errs []error
	)

	for name, dial := range c.chains {
		wg.Add(1)
		go func(name string, dial DialFunc) {
			defer wg.Done()
			oracle := NewChainOracle(dial, c.timeout, c.logger)
			sample, err := oracle.FetchFee(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn().Err(err).Str("chain", name).Msg("cross chain fee unavailable")
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			out[name] = sample.Gwei
		}(name, dial)
	}
	wg.Wait()

	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

var (
	_ HistorySource    = (*FeeHistoryOracle)(nil)
	_ CrossChainSource = (*CrossChain)(nil)
)
