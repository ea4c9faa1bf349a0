package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/aggregator"
	"gasguard/internal/cache"
	"gasguard/internal/config"
	"gasguard/internal/fetcher"
	"gasguard/internal/prediction"
	"gasguard/internal/storage"
)

type stubConditions struct {
	cond  aggregator.Conditions
	err   error
	calls int
}

func (s *stubConditions) CurrentConditions(context.Context) (aggregator.Conditions, error) {
	s.calls++
	return s.cond, s.err
}

type stubSummary struct {
	summary prediction.Summary
	err     error
}

func (s stubSummary) Summary(context.Context) (prediction.Summary, error) { return s.summary, s.err }

type stubReasoner struct {
	reply  string
	err    error
	calls  int
	system string
	user   string
}

func (s *stubReasoner) Complete(_ context.Context, system, user string) (string, error) {
	s.calls++
	s.system, s.user = system, user
	return s.reply, s.err
}

type stubRecorder struct {
	records []storage.RecommendationRecord
}

func (s *stubRecorder) InsertRecommendation(_ context.Context, rec storage.RecommendationRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func conditions(fee float64, congestion int) aggregator.Conditions {
	price := 0.025
	return aggregator.Conditions{
		Fee:        fetcher.FeeSample{Gwei: fee, Wei: fetcher.GweiToWei(fee), Source: fetcher.SourceChainOracle},
		FeeUSD:     aggregator.FeeUSD(fee, 21000, price),
		AssetPrice: fetcher.PriceQuote{Asset: "FLR/USD", Value: price},
		Congestion: congestion,
		Status:     aggregator.Classify(fee, 20, 40),
		Trend:      aggregator.TrendStable,
		Source:     fetcher.SourceChainOracle,
	}
}

func newMiniGateway(t *testing.T) (*cache.Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	g := cache.New(config.CacheConfig{
		URL:         "redis://" + mr.Addr(),
		KeyPrefix:   "gasguard",
		DialTimeout: 200 * time.Millisecond,
		OpTimeout:   200 * time.Millisecond,
		Enabled:     true,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = g.Close() })
	return g, mr
}

func newTestEngine(deps Deps) *Engine {
	e := New(deps, Policy{}, zerolog.Nop())
	e.now = func() time.Time { return time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC) }
	return e
}

const validReply = `{
  "action": "SCHEDULE",
  "reasoning": "Fees usually dip overnight.",
  "prediction": {"targetFee": 18, "targetTime": "2025-05-01T03:00:00Z", "confidence": 70, "waitDuration": "17 hours"},
  "savings": {"amount": 0.001, "currency": "USD", "percentage": 25},
  "actions": [{"type": "SCHEDULE", "label": "Schedule", "cost": 0.0003, "scheduledTime": "2025-05-01T03:00:00Z"}]
}`

func TestFallbackHighFeeOrCongestionWaits(t *testing.T) {
	for _, reasoner := range []Reasoner{nil, &stubReasoner{err: errors.New("connection refused")}} {
		e := newTestEngine(Deps{Conditions: &stubConditions{cond: conditions(50, 80)}, Reasoner: reasoner})

		res, err := e.Recommend(context.Background(), Request{Message: "swap now?"})
		require.NoError(t, err)
		assert.Equal(t, ActionWait, res.Action)
		require.NotNil(t, res.Savings)
		assert.Equal(t, 40.0, res.Savings.Percentage)
		assert.InDelta(t, conditions(50, 80).FeeUSD*0.4, res.Savings.Amount, 1e-15)
		require.NotNil(t, res.Prediction)
		assert.InDelta(t, 35.0, res.Prediction.TargetFee, 1e-9)
		assert.Equal(t, 60, res.Prediction.Confidence)
		assert.Equal(t, "2 hours", res.Prediction.WaitDuration)
		assert.Equal(t, "2025-05-01T12:00:00Z", res.Prediction.TargetTime)
		require.Len(t, res.Actions, 1)
		assert.Equal(t, "SCHEDULE", res.Actions[0].Type)
		assert.Equal(t, "2025-05-01T12:00:00Z", res.Actions[0].ScheduledTime)
		assert.NoError(t, res.Validate())
	}
}

func TestFallbackLowConditionsExecute(t *testing.T) {
	e := newTestEngine(Deps{
		Conditions: &stubConditions{cond: conditions(10, 10)},
		Reasoner:   &stubReasoner{err: &ReasoningError{Kind: KindRateLimit, Status: 429, Err: errors.New("slow down")}},
	})

	res, err := e.Recommend(context.Background(), Request{Message: "swap now?"})
	require.NoError(t, err)
	assert.Equal(t, ActionExecuteNow, res.Action)
	require.NotNil(t, res.Savings)
	assert.Equal(t, 0.0, res.Savings.Percentage)
	assert.Equal(t, 0.0, res.Savings.Amount)
	assert.Nil(t, res.Prediction)
	assert.Equal(t, "Execute Now", res.Actions[0].Label)
}

func TestFallbackThresholdsAreStrict(t *testing.T) {
	now := time.Now()
	assert.Equal(t, ActionExecuteNow, Fallback(conditions(30, 70), Policy{}, now).Action, "30/70 本身不触发等待")
	assert.Equal(t, ActionWait, Fallback(conditions(30.01, 0), Policy{}, now).Action)
	assert.Equal(t, ActionWait, Fallback(conditions(1, 71), Policy{}, now).Action)
	assert.Contains(t, Fallback(conditions(1, 71), Policy{}, now).Reasoning, "(MEDIUM)")
}

func TestReasoningSuccessIsCachedAndRoundTrips(t *testing.T) {
	g, mr := newMiniGateway(t)
	cond := &stubConditions{cond: conditions(25, 40)}
	reasoner := &stubReasoner{reply: validReply}
	e := newTestEngine(Deps{Conditions: cond, Reasoner: reasoner, Cache: g})

	first, err := e.Recommend(context.Background(), Request{Message: "bridge 100 FLR"})
	require.NoError(t, err)
	assert.Equal(t, ActionSchedule, first.Action)
	assert.Equal(t, 25.0, first.Conditions.Fee, "应使用实时数据覆盖模型回显")

	stored, err := mr.Get("gasguard:" + CacheKey("bridge 100 FLR"))
	require.NoError(t, err)
	ttl := mr.TTL("gasguard:" + CacheKey("bridge 100 FLR"))
	assert.Equal(t, 30*time.Second, ttl)

	second, err := e.Recommend(context.Background(), Request{Message: "bridge 100 FLR"})
	require.NoError(t, err)
	assert.Equal(t, 1, reasoner.calls, "缓存命中不应再次调用")
	assert.Equal(t, 1, cond.calls)

	raw, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, stored, string(raw))
	assert.Equal(t, first, second)
}

func TestFallbackIsNeverCached(t *testing.T) {
	g, mr := newMiniGateway(t)
	cond := &stubConditions{cond: conditions(50, 80)}
	e := newTestEngine(Deps{Conditions: cond, Cache: g})

	_, err := e.Recommend(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)
	assert.Empty(t, mr.Keys())

	_, err = e.Recommend(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 2, cond.calls)
}

func TestInvalidReplyFallsBack(t *testing.T) {
	replies := []string{
		`not json`,
		`{"action": "EXECUTE_NOW"}`,
		`{"action": "EXECUTE_NOW", "reasoning": "   "}`,
		`{"action": "HODL", "reasoning": "why not"}`,
		`{"action": "WAIT", "reasoning": "x", "prediction": {"confidence": 300}}`,
	}
	for _, reply := range replies {
		g, mr := newMiniGateway(t)
		e := newTestEngine(Deps{
			Conditions: &stubConditions{cond: conditions(10, 10)},
			Reasoner:   &stubReasoner{reply: reply},
			Cache:      g,
		})

		res, err := e.Recommend(context.Background(), Request{Message: "q"})
		require.NoError(t, err, reply)
		assert.Equal(t, ActionExecuteNow, res.Action, reply)
		assert.Contains(t, res.Reasoning, "Fallback mode", reply)
		assert.Empty(t, mr.Keys(), "无效结果不能写入缓存: %s", reply)
	}
}

func TestParseReplyAcceptsRecommendationKey(t *testing.T) {
	res, err := parseReply(`{"recommendation":"WAIT","reasoning":"busy network"}`)
	require.NoError(t, err)
	assert.Equal(t, ActionWait, res.Action)

	_, err = parseReply(`{"reasoning":"no action"}`)
	var re *ReasoningError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindInvalid, re.Kind)
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestCorruptCacheEntryIsDiscarded(t *testing.T) {
	g, mr := newMiniGateway(t)
	key := "gasguard:" + CacheKey("q")
	require.NoError(t, mr.Set(key, `{"action":""}`))

	e := newTestEngine(Deps{Conditions: &stubConditions{cond: conditions(10, 10)}, Cache: g})
	res, err := e.Recommend(context.Background(), Request{Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, ActionExecuteNow, res.Action)
	assert.False(t, mr.Exists(key))
}

func TestCacheDisabledStillServes(t *testing.T) {
	g := cache.New(config.CacheConfig{Enabled: false}, zerolog.Nop())
	e := newTestEngine(Deps{Conditions: &stubConditions{cond: conditions(45, 20)}, Reasoner: &stubReasoner{reply: validReply}, Cache: g})

	res, err := e.Recommend(context.Background(), Request{Message: "q"})
	require.NoError(t, err)
	assert.NoError(t, res.Validate())
	assert.Equal(t, ActionSchedule, res.Action)
}

func TestTotalAggregationFailurePropagates(t *testing.T) {
	e := newTestEngine(Deps{Conditions: &stubConditions{err: aggregator.ErrNoFeeSource}})
	_, err := e.Recommend(context.Background(), Request{Message: "q"})
	assert.ErrorIs(t, err, aggregator.ErrNoFeeSource)
}

func TestSummaryFailureIsNonFatal(t *testing.T) {
	reasoner := &stubReasoner{reply: validReply}
	e := newTestEngine(Deps{
		Conditions: &stubConditions{cond: conditions(25, 40)},
		Summary:    stubSummary{err: errors.New("history down")},
		Reasoner:   reasoner,
	})
	_, err := e.Recommend(context.Background(), Request{Message: "q"})
	require.NoError(t, err)
	assert.NotContains(t, reasoner.system, "Historical pattern")

	e.deps.Summary = stubSummary{summary: prediction.Summary{DataPoints: 3, Average: 20, Min: 10, Max: 30, Trend: aggregator.TrendRising}}
	_, err = e.Recommend(context.Background(), Request{Message: "q2", Context: map[string]any{"chain": "flare"}})
	require.NoError(t, err)
	assert.Contains(t, reasoner.system, "Historical pattern (3 points)")
	assert.Contains(t, reasoner.user, `"chain":"flare"`)
}

func TestRequestValidation(t *testing.T) {
	e := newTestEngine(Deps{Conditions: &stubConditions{cond: conditions(10, 10)}})

	_, err := e.Recommend(context.Background(), Request{Message: " "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Recommend(context.Background(), Request{Message: "q", Wallet: "not-a-wallet"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestWalletRecommendationsAreRecorded(t *testing.T) {
	rec := &stubRecorder{}
	e := newTestEngine(Deps{Conditions: &stubConditions{cond: conditions(50, 80)}, Recorder: rec})

	wallet := "0xAbC0000000000000000000000000000000000001"
	_, err := e.Recommend(context.Background(), Request{Message: "q", Wallet: wallet})
	require.NoError(t, err)
	require.Len(t, rec.records, 1)
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", rec.records[0].Wallet)
	assert.Equal(t, "WAIT", rec.records[0].Action)
	assert.Equal(t, PathFallback, rec.records[0].Path)
	assert.Equal(t, "40", rec.records[0].SavingsPct.String())

	_, err = e.Recommend(context.Background(), Request{Message: "q"})
	require.NoError(t, err)
	assert.Len(t, rec.records, 1, "无钱包时不记录")
}
