package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOracleFetchFee(t *testing.T) {
	chain := &fakeChain{gasPrice: big.NewInt(25_000_000_000), block: 123}
	oracle := NewChainOracle(dialer(chain), time.Second, noopLogger())
	now := time.UnixMilli(1_700_000_000_000)
	oracle.now = func() time.Time { return now }

	sample, err := oracle.FetchFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceChainOracle, sample.Source)
	assert.Equal(t, 25.0, sample.Gwei)
	assert.Equal(t, "25000000000", sample.Wei.String())
	assert.Equal(t, uint64(123), sample.BlockNumber)
	assert.Equal(t, now.UnixMilli(), sample.CapturedAtMs)
}

func TestChainOracleErrors(t *testing.T) {
	oracle := NewChainOracle(failingDialer(errors.New("dial")), time.Second, noopLogger())
	_, err := oracle.FetchFee(context.Background())
	assert.Error(t, err)

	oracle = NewChainOracle(dialer(&fakeChain{gasErr: errors.New("rpc down")}), time.Second, noopLogger())
	_, err = oracle.FetchFee(context.Background())
	assert.Error(t, err)

	oracle = NewChainOracle(dialer(&fakeChain{gasPrice: big.NewInt(0)}), time.Second, noopLogger())
	_, err = oracle.FetchFee(context.Background())
	assert.Error(t, err, "零 gas price 应报错")
}

func TestRPCWithoutURL(t *testing.T) {
	_, err := NewRPC("").Reader(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCongestionOracle(t *testing.T) {
	chain := &fakeChain{header: &types.Header{GasUsed: 7_500_000, GasLimit: 10_000_000}}
	pct, err := NewCongestionOracle(dialer(chain), time.Second).FetchCongestion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 75, pct)

	chain.header = &types.Header{GasUsed: 1, GasLimit: 0}
	_, err = NewCongestionOracle(dialer(chain), time.Second).FetchCongestion(context.Background())
	assert.Error(t, err)
}

func TestPriceOracleDecodesFeed(t *testing.T) {
	ts := time.Now().Add(-30 * time.Second).Unix()
	out, err := ftsoABI.Methods["getCurrentPrice"].Outputs.Pack(big.NewInt(2_512_345), big.NewInt(ts), uint8(8))
	require.NoError(t, err)

	chain := &fakeChain{callResult: out}
	oracle := NewPriceOracle(PriceOracleOptions{Address: "0x1000000000000000000000000000000000000003", Timeout: time.Second}, dialer(chain), noopLogger())

	quote, err := oracle.FetchPrice(context.Background(), "FLR/USD")
	require.NoError(t, err)
	assert.Equal(t, "FLR/USD", quote.Asset)
	assert.InDelta(t, 0.02512345, quote.Value, 1e-12)
	assert.Equal(t, 8, quote.Decimals)
	assert.Equal(t, ts*1000, quote.CapturedAtMs)
	assert.False(t, quote.Fallback)

	require.NotNil(t, chain.lastCall.To)
	assert.Equal(t, common.HexToAddress("0x1000000000000000000000000000000000000003"), *chain.lastCall.To)
	feed := FeedID("FLR/USD")
	assert.Equal(t, feed[:], chain.lastCall.Data[4:36])
}

func TestPriceOracleRequiresAddress(t *testing.T) {
	_, err := NewPriceOracle(PriceOracleOptions{}, dialer(&fakeChain{}), noopLogger()).FetchPrice(context.Background(), "FLR/USD")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFeeHistoryOracle(t *testing.T) {
	headTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	chain := &fakeChain{
		header: &types.Header{Number: big.NewInt(103), Time: uint64(headTime.Unix())},
		history: &ethereum.FeeHistory{
			OldestBlock:  big.NewInt(100),
			BaseFee:      []*big.Int{big.NewInt(10e9), big.NewInt(20e9), big.NewInt(30e9), big.NewInt(40e9), big.NewInt(50e9)},
			Reward:       [][]*big.Int{{big.NewInt(1e9)}, {big.NewInt(1e9)}, {big.NewInt(1e9)}, {big.NewInt(1e9)}},
			GasUsedRatio: []float64{0.5, 0.5, 0.5, 0.5},
		},
	}
	oracle := NewFeeHistoryOracle(FeeHistoryOptions{Blocks: 4, BlockTime: 2 * time.Second, Timeout: time.Second}, dialer(chain))

	points, err := oracle.FetchHistory(context.Background(), headTime.Add(-time.Hour), headTime)
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, 11.0, points[0].Gwei)
	assert.Equal(t, 41.0, points[3].Gwei)
	assert.Equal(t, headTime.Add(-6*time.Second), points[0].CapturedAt)
	assert.Equal(t, headTime, points[3].CapturedAt)

	points, err = oracle.FetchHistory(context.Background(), headTime.Add(-3*time.Second), headTime)
	require.NoError(t, err)
	assert.Len(t, points, 2, "窗口外的区块应被过滤")
}

func TestCrossChainPartialFailure(t *testing.T) {
	cc := NewCrossChain(map[string]DialFunc{
		"flare":    dialer(&fakeChain{gasPrice: big.NewInt(25e9)}),
		"ethereum": dialer(&fakeChain{gasPrice: big.NewInt(8e9)}),
		"broken":   failingDialer(errors.New("offline")),
	}, time.Second, noopLogger())

	snapshot, err := cc.FetchCrossChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"flare": 25, "ethereum": 8}, snapshot)
	assert.Equal(t, []string{"broken", "ethereum", "flare"}, cc.Chains())

	cc = NewCrossChain(map[string]DialFunc{"broken": failingDialer(errors.New("offline"))}, time.Second, noopLogger())
	_, err = cc.FetchCrossChain(context.Background())
	assert.Error(t, err)
}
