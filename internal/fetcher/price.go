package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

const (
	ftsoABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"feedId","type":"bytes32"}],"name":"getCurrentPrice","outputs":[{"internalType":"int256","name":"value","type":"int256"},{"internalType":"uint256","name":"timestamp","type":"uint256"},{"internalType":"uint8","name":"decimals","type":"uint8"}],"stateMutability":"view","type":"function"}]`
)

var (
	ftsoABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(ftsoABIJSON))
	if err != nil {
		panic("failed to parse FTSO ABI: " + err.Error())
	}
	ftsoABI = parsed
}

// FeedID derives the oracle feed identifier from a pair name.
func FeedID(asset string) [32]byte {
	return crypto.Keccak256Hash([]byte(asset))
}

// PriceOracleOptions parameterise the market-data oracle.
type PriceOracleOptions struct {
	Address string
	Timeout time.Duration
}

// PriceOracle reads asset prices from the on-chain feed contract.
type PriceOracle struct {
	opts   PriceOracleOptions
	dial   DialFunc
	logger zerolog.Logger
}

// NewPriceOracle builds a feed-contract price source.
func NewPriceOracle(opts PriceOracleOptions, dial DialFunc, logger zerolog.Logger) *PriceOracle {
	return &PriceOracle{opts: opts, dial: dial, logger: logger.With().Str("component", "price_oracle").Logger()}
}

// FetchPrice returns the feed's latest value. Freshness is judged by the caller.
func (o *PriceOracle) FetchPrice(ctx context.Context, asset string) (PriceQuote, error) {
	if o.opts.Address == "" {
		return PriceQuote{}, fmt.Errorf("oracle address: %w", ErrNotConfigured)
	}

	ctx, cancel := withTimeout(ctx, o.opts.Timeout)
	defer cancel()

	client, err := o.dial(ctx)
	if err != nil {
		return PriceQuote{}, err
	}

	addr := common.HexToAddress(o.opts.Address)
	payload, err := ftsoABI.Pack("getCurrentPrice", FeedID(asset))
	if err != nil {
		return PriceQuote{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return PriceQuote{}, err
	}

	outputs, err := ftsoABI.Unpack("getCurrentPrice", res)
	if err != nil {
		return PriceQuote{}, err
	}
	if len(outputs) != 3 {
		return PriceQuote{}, errors.New("unexpected getCurrentPrice response")
	}

	value, ok := outputs[0].(*big.Int)
	if !ok {
		return PriceQuote{}, errors.New("failed to decode price value")
	}
	ts, ok := outputs[1].(*big.Int)
	if !ok {
		return PriceQuote{}, errors.New("failed to decode price timestamp")
	}
	decimals, ok := outputs[2].(uint8)
	if !ok {
		return PriceQuote{}, errors.New("failed to decode price decimals")
	}
	if value.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("non-positive price for %s", asset)
	}

	return PriceQuote{
		Asset:        asset,
		Value:        ScaleOracleValue(value, decimals),
		Decimals:     int(decimals),
		CapturedAtMs: ts.Int64() * 1000,
	}, nil
}

var _ PriceSource = (*PriceOracle)(nil)
