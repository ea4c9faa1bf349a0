package aggregator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/fetcher"
)

type stubFee struct {
	name   fetcher.Source
	gwei   float64
	err    error
	called int
}

func (s *stubFee) Name() fetcher.Source { return s.name }

func (s *stubFee) FetchFee(context.Context) (fetcher.FeeSample, error) {
	s.called++
	if s.err != nil {
		return fetcher.FeeSample{}, s.err
	}
	return fetcher.FeeSample{Wei: fetcher.GweiToWei(s.gwei), Gwei: s.gwei, Source: s.name}, nil
}

type stubPrice struct {
	quote fetcher.PriceQuote
	err   error
}

func (s stubPrice) FetchPrice(context.Context, string) (fetcher.PriceQuote, error) {
	return s.quote, s.err
}

type stubCongestion struct {
	pct int
	err error
}

func (s stubCongestion) FetchCongestion(context.Context) (int, error) { return s.pct, s.err }

type stubHistory struct {
	points []fetcher.HistoricalPoint
	err    error
}

func (s stubHistory) FetchHistory(context.Context, time.Time, time.Time) ([]fetcher.HistoricalPoint, error) {
	return s.points, s.err
}

func series(now time.Time, values ...float64) []fetcher.HistoricalPoint {
	out := make([]fetcher.HistoricalPoint, len(values))
	for i, v := range values {
		out[i] = fetcher.HistoricalPoint{CapturedAt: now.Add(time.Duration(i-len(values)) * time.Minute), Gwei: v}
	}
	return out
}

func testPolicy() Policy {
	return Policy{
		LowFee:        20,
		HighFee:       40,
		GasUnits:      21000,
		Asset:         "FLR/USD",
		PriceMaxAge:   120 * time.Second,
		PriceFallback: 0.025,
		TrendWindow:   time.Hour,
	}
}

func newTestAggregator(src Sources, now time.Time) *Aggregator {
	a := New(src, testPolicy(), zerolog.Nop())
	a.now = func() time.Time { return now }
	return a
}

func TestClassify(t *testing.T) {
	cases := map[float64]Status{
		0:     StatusLow,
		15:    StatusLow,
		19.99: StatusLow,
		20:    StatusMedium,
		25:    StatusMedium,
		39.99: StatusMedium,
		40:    StatusHigh,
		45:    StatusHigh,
	}
	for fee, want := range cases {
		assert.Equal(t, want, Classify(fee, 20, 40), "fee %v", fee)
	}
}

func TestTrendOf(t *testing.T) {
	now := time.Now()
	assert.Equal(t, TrendRising, TrendOf(series(now, 10, 20, 30), 35))
	assert.Equal(t, TrendFalling, TrendOf(series(now, 30, 20, 10), 5))
	assert.Equal(t, TrendFalling, TrendOf(series(now, 10, 20), 20), "相等视为下降")
	assert.Equal(t, TrendStable, TrendOf(series(now, 10), 50))
	assert.Equal(t, TrendStable, TrendOf(nil, 50))
}

func TestFeeUSD(t *testing.T) {
	assert.InDelta(t, 25*1e-9*21000*0.025, FeeUSD(25, 21000, 0.025), 1e-15)
	assert.Equal(t, 0.0, FeeUSD(0, 21000, 1))
}

func TestCurrentFeePrefersFirstSource(t *testing.T) {
	local := &stubFee{name: fetcher.SourceLocalMonitor, gwei: 18}
	chain := &stubFee{name: fetcher.SourceChainOracle, gwei: 30}
	a := newTestAggregator(Sources{Fees: []fetcher.FeeSource{local, chain}}, time.Now())

	sample, err := a.CurrentFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fetcher.SourceLocalMonitor, sample.Source)
	assert.Equal(t, 0, chain.called, "本地数据新鲜时不应访问链上")
}

func TestCurrentFeeFallsBack(t *testing.T) {
	local := &stubFee{name: fetcher.SourceLocalMonitor, err: fetcher.ErrStale}
	chain := &stubFee{name: fetcher.SourceChainOracle, gwei: 30}
	a := newTestAggregator(Sources{Fees: []fetcher.FeeSource{local, chain}}, time.Now())

	sample, err := a.CurrentFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fetcher.SourceChainOracle, sample.Source)
	assert.Equal(t, 30.0, sample.Gwei)
}

func TestCurrentFeeTotalFailure(t *testing.T) {
	local := &stubFee{name: fetcher.SourceLocalMonitor, err: fetcher.ErrStale}
	chain := &stubFee{name: fetcher.SourceChainOracle, err: errors.New("rpc down")}
	a := newTestAggregator(Sources{Fees: []fetcher.FeeSource{local, chain}}, time.Now())

	_, err := a.CurrentFee(context.Background())
	require.ErrorIs(t, err, ErrNoFeeSource)
	assert.ErrorIs(t, err, fetcher.ErrStale)

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, string(fetcher.SourceLocalMonitor), srcErr.Source)

	_, err = a.CurrentConditions(context.Background())
	assert.ErrorIs(t, err, ErrNoFeeSource, "全部失败不能返回零值")
}

// The real file-backed monitor against a stub chain: fresh files win,
// stale ones hand over to the chain path.
func TestMonitorStalenessDrivesFallback(t *testing.T) {
	now := time.Now()
	path := filepath.Join(t.TempDir(), "gas_monitor_data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gasPrice":{"gwei":12,"wei":"12000000000"}}`), 0o600))

	chain := &stubFee{name: fetcher.SourceChainOracle, gwei: 30}
	local := fetcher.NewLocalMonitor(fetcher.LocalMonitorOptions{Path: path, MaxAge: 60 * time.Second}, zerolog.Nop())
	a := newTestAggregator(Sources{Fees: []fetcher.FeeSource{local, chain}}, now)

	for _, age := range []time.Duration{0, 59 * time.Second, 60 * time.Second, 5 * time.Minute} {
		mtime := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, mtime, mtime))

		sample, err := a.CurrentFee(context.Background())
		require.NoError(t, err)
		if age < 60*time.Second {
			assert.Equal(t, fetcher.SourceLocalMonitor, sample.Source, "age %s", age)
		} else {
			assert.Equal(t, fetcher.SourceChainOracle, sample.Source, "age %s", age)
		}
	}
}

func TestAssetPriceRejectsStaleQuotes(t *testing.T) {
	now := time.Now()
	for _, age := range []time.Duration{0, 119 * time.Second, 120 * time.Second, time.Hour} {
		quote := fetcher.PriceQuote{Asset: "FLR/USD", Value: 0.031, Decimals: 5, CapturedAtMs: now.Add(-age).UnixMilli()}
		a := newTestAggregator(Sources{Price: stubPrice{quote: quote}}, now)

		got := a.AssetPrice(context.Background())
		if age < 120*time.Second {
			assert.False(t, got.Fallback, "age %s", age)
			assert.Equal(t, 0.031, got.Value)
		} else {
			assert.True(t, got.Fallback, "age %s 应被拒绝", age)
			assert.Equal(t, 0.025, got.Value)
		}
	}
}

func TestAssetPriceOracleFailure(t *testing.T) {
	a := newTestAggregator(Sources{Price: stubPrice{err: errors.New("revert")}}, time.Now())
	got := a.AssetPrice(context.Background())
	assert.True(t, got.Fallback)
	assert.Equal(t, 0.025, got.Value)

	a = newTestAggregator(Sources{}, time.Now())
	assert.True(t, a.AssetPrice(context.Background()).Fallback)
}

func TestCurrentConditions(t *testing.T) {
	now := time.Now()
	src := Sources{
		Fees:       []fetcher.FeeSource{&stubFee{name: fetcher.SourceChainOracle, gwei: 45}},
		Price:      stubPrice{quote: fetcher.PriceQuote{Asset: "FLR/USD", Value: 0.02, CapturedAtMs: now.UnixMilli()}},
		Congestion: stubCongestion{pct: 80},
		History:    []fetcher.HistorySource{stubHistory{points: series(now, 10, 20, 30)}},
	}
	c, err := newTestAggregator(src, now).CurrentConditions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusHigh, c.Status)
	assert.Equal(t, TrendRising, c.Trend)
	assert.Equal(t, 80, c.Congestion)
	assert.Equal(t, fetcher.SourceChainOracle, c.Source)
	assert.InDelta(t, 45*1e-9*21000*0.02, c.FeeUSD, 1e-15)
	assert.Empty(t, c.Degraded)
}

func TestCurrentConditionsDegrades(t *testing.T) {
	now := time.Now()
	src := Sources{
		Fees:       []fetcher.FeeSource{&stubFee{name: fetcher.SourceChainOracle, gwei: 15}},
		Congestion: stubCongestion{err: errors.New("header unavailable")},
		History:    []fetcher.HistorySource{stubHistory{err: errors.New("store down")}},
	}
	c, err := newTestAggregator(src, now).CurrentConditions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusLow, c.Status)
	assert.Equal(t, TrendStable, c.Trend)
	assert.Equal(t, 0, c.Congestion)
	assert.True(t, c.AssetPrice.Fallback)
	assert.ElementsMatch(t, []string{"price", "congestion", "trend"}, c.Degraded)
}

func TestHistoryChain(t *testing.T) {
	now := time.Now()
	want := series(now, 1, 2, 3)

	a := newTestAggregator(Sources{History: []fetcher.HistorySource{
		stubHistory{err: errors.New("no store")},
		stubHistory{points: want},
	}}, now)
	got, err := a.History(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	a = newTestAggregator(Sources{History: []fetcher.HistorySource{
		stubHistory{points: nil},
		stubHistory{err: errors.New("rpc down")},
	}}, now)
	got, err = a.History(context.Background(), time.Hour)
	require.NoError(t, err, "空序列不是错误")
	assert.Empty(t, got)

	a = newTestAggregator(Sources{History: []fetcher.HistorySource{stubHistory{err: errors.New("rpc down")}}}, now)
	_, err = a.History(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrNoHistorySource)
}

func TestCrossChainNotConfigured(t *testing.T) {
	_, err := newTestAggregator(Sources{}, time.Now()).CrossChain(context.Background())
	assert.ErrorIs(t, err, fetcher.ErrNotConfigured)
}
