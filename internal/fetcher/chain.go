package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ChainReader is the read-only subset of the RPC client the oracles use.
type ChainReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialFunc returns a ready chain reader.
type DialFunc func(ctx context.Context) (ChainReader, error)

// RPC lazily dials one endpoint and shares the client between oracles.
type RPC struct {
	url       string
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewRPC builds a lazy RPC handle for url.
func NewRPC(url string) *RPC {
	return &RPC{url: url}
}

// Reader returns the shared client, dialing on first use.
func (r *RPC) Reader(ctx context.Context) (ChainReader, error) {
	if r.url == "" {
		return nil, fmt.Errorf("rpc url: %w", ErrNotConfigured)
	}

	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.url)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// Close releases the underlying client if one was dialed.
func (r *RPC) Close() {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// ChainOracle derives the current fee from a live RPC query.
type ChainOracle struct {
	dial    DialFunc
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewChainOracle builds the RPC-backed fee source.
func NewChainOracle(dial DialFunc, timeout time.Duration, logger zerolog.Logger) *ChainOracle {
	return &ChainOracle{
		dial:    dial,
		timeout: timeout,
		logger:  logger.With().Str("component", "chain_oracle").Logger(),
		now:     time.Now,
	}
}

// Name implements FeeSource.
func (o *ChainOracle) Name() Source { return SourceChainOracle }

// FetchFee queries the suggested gas price and the head block number.
func (o *ChainOracle) FetchFee(ctx context.Context) (FeeSample, error) {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	client, err := o.dial(ctx)
	if err != nil {
		return FeeSample{}, err
	}

	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return FeeSample{}, fmt.Errorf("suggest gas price: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return FeeSample{}, errors.New("rpc returned empty gas price")
	}

	// block number only annotates the sample
	block, err := client.BlockNumber(ctx)
	if err != nil {
		o.logger.Debug().Err(err).Msg("block number unavailable")
		block = 0
	}

	return FeeSample{
		Wei:          new(big.Int).Set(price),
		Gwei:         WeiToGwei(price),
		CapturedAtMs: o.now().UnixMilli(),
		Source:       SourceChainOracle,
		BlockNumber:  block,
	}, nil
}

// CongestionOracle estimates congestion from the head block's utilization.
type CongestionOracle struct {
	dial    DialFunc
	timeout time.Duration
}

// NewCongestionOracle builds a block-utilization congestion source.
func NewCongestionOracle(dial DialFunc, timeout time.Duration) *CongestionOracle {
	return &CongestionOracle{dial: dial, timeout: timeout}
}

// FetchCongestion returns gasUsed/gasLimit of the latest block as 0-100.
func (o *CongestionOracle) FetchCongestion(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	client, err := o.dial(ctx)
	if err != nil {
		return 0, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	if header.GasLimit == 0 {
		return 0, errors.New("latest header has zero gas limit")
	}

	pct := int(header.GasUsed * 100 / header.GasLimit)
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

var (
	_ FeeSource        = (*ChainOracle)(nil)
	_ CongestionSource = (*CongestionOracle)(nil)
)
