package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/cache"
	"gasguard/internal/config"
	"gasguard/internal/fetcher"
	"gasguard/internal/monitor"
	"gasguard/internal/scheduler"
	"gasguard/internal/storage"
)

// offlineApp has no cache, database, RPC or reasoning credential.
func offlineApp(t *testing.T, feeGwei float64) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Chain.RPCURL = ""
	cfg.Monitor.Path = filepath.Join(t.TempDir(), "gas_monitor_data.json")
	cfg.Metrics.Addr = ""

	if feeGwei > 0 {
		err := monitor.WriteRecord(cfg.Monitor.Path, monitor.BuildRecord(monitor.Suggestion{
			MaxFee:    feeGwei,
			FetchedAt: time.Now(),
		}))
		require.NoError(t, err)
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestConditionsDegradeWithoutInfrastructure(t *testing.T) {
	a := offlineApp(t, 12.5)

	var buf bytes.Buffer
	require.NoError(t, a.Conditions(context.Background(), &buf))

	out := buf.String()
	assert.Contains(t, out, `"LOCAL_MONITOR"`)
	assert.Contains(t, out, `"LOW"`)
	assert.Contains(t, out, `"price"`)
	assert.Contains(t, out, `"congestion"`)
}

func TestConditionsFailWithoutAnySource(t *testing.T) {
	a := offlineApp(t, 0)
	err := a.Conditions(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
}

func TestRecommendUsesFallbackOffline(t *testing.T) {
	a := offlineApp(t, 12.5)

	var buf bytes.Buffer
	err := a.Recommend(context.Background(), RecommendOptions{Message: "should I swap now?"}, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"EXECUTE_NOW"`)
	assert.Contains(t, buf.String(), "Fallback mode")
}

func TestSimulateAlert(t *testing.T) {
	a := offlineApp(t, 0)

	err := a.SimulateAlert(context.Background(), 55, &bytes.Buffer{})
	require.Error(t, err, "alerting 未启用时应报错")

	a.Config.Alerting.Enabled = true
	var buf bytes.Buffer
	require.NoError(t, a.SimulateAlert(context.Background(), 55, &buf))
	assert.Contains(t, buf.String(), "fired high-fee")

	buf.Reset()
	require.NoError(t, a.SimulateAlert(context.Background(), 30, &buf))
	assert.Contains(t, buf.String(), "no rule matched")
}

func TestBackfillRejectsEmptyRange(t *testing.T) {
	a := offlineApp(t, 0)
	now := time.Now()
	err := a.Backfill(context.Background(), BackfillOptions{From: now, To: now.Add(-time.Hour), DryRun: true})
	require.Error(t, err)
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]storage.FeeSampleRecord, 100)
	for i := range samples {
		samples[i] = storage.FeeSampleRecord{CapturedAt: base.Add(time.Duration(i) * time.Minute), Gwei: decimal.NewFromInt(int64(i))}
	}

	out := downsampleSamples(samples, 10)
	require.Len(t, out, 10)
	assert.Equal(t, samples[0].CapturedAt, out[0].CapturedAt)
	assert.Equal(t, samples[99].CapturedAt, out[9].CapturedAt)
	assert.Len(t, downsampleSamples(samples, 0), 100)
}

func TestWriteSamplesCSV(t *testing.T) {
	block := int64(77)
	series := []fetcher.HistoricalPoint{
		{CapturedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Gwei: 21.5},
		{CapturedAt: time.Date(2024, 5, 1, 0, 1, 0, 0, time.UTC), Gwei: 22},
	}
	samples := samplesFromSeries(series)
	samples[1].BlockNumber = &block

	path := filepath.Join(t.TempDir(), "out", "fees.csv")
	require.NoError(t, writeSamplesCSV(path, samples))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "captured_at", rows[0][0])
	assert.Equal(t, "21.5", rows[1][1])
	assert.Equal(t, "21500000000", rows[1][2])
	assert.Equal(t, "77", rows[2][4])
}

func cacheConfig(url string) config.CacheConfig {
	return config.CacheConfig{
		URL:         url,
		KeyPrefix:   "gasguard",
		DialTimeout: 100 * time.Millisecond,
		OpTimeout:   100 * time.Millisecond,
		Enabled:     true,
	}
}

func TestNewBackendFallsBackWhenCacheUnreachable(t *testing.T) {
	a := offlineApp(t, 0)
	a.Config.Scheduler.Backend = "redis"

	g := cache.New(cacheConfig("redis://127.0.0.1:1"), zerolog.Nop())
	t.Cleanup(func() { _ = g.Close() })
	require.Equal(t, cache.StateFailed, g.State())

	_, local := a.newBackend(&components{cache: g}).(*scheduler.LocalBackend)
	assert.True(t, local, "缓存不可达时应退回进程内调度")

	mr := miniredis.RunT(t)
	live := cache.New(cacheConfig("redis://"+mr.Addr()), zerolog.Nop())
	t.Cleanup(func() { _ = live.Close() })
	_, shared := a.newBackend(&components{cache: live}).(*scheduler.RedisBackend)
	assert.True(t, shared)

	a.Config.Scheduler.Backend = "local"
	_, local = a.newBackend(&components{cache: live}).(*scheduler.LocalBackend)
	assert.True(t, local)
}

type countingSamples struct {
	storage.FeeSampleStore
	total   int64
	samples []storage.FeeSampleRecord
}

func (c *countingSamples) CountSamples(context.Context) (int64, error) { return c.total, nil }

func (c *countingSamples) ListRecentSamples(_ context.Context, limit int) ([]storage.FeeSampleRecord, error) {
	if limit < len(c.samples) {
		return c.samples[:limit], nil
	}
	return c.samples, nil
}

func TestShowSamplesPrintsStoredCount(t *testing.T) {
	store := &countingSamples{total: 240, samples: []storage.FeeSampleRecord{
		{CapturedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Gwei: decimal.NewFromFloat(21.5), Source: "CHAIN_ORACLE", Status: "ok"},
		{CapturedAt: time.Date(2024, 5, 1, 0, 0, 12, 0, time.UTC), Gwei: decimal.NewFromFloat(22), Source: "CHAIN_ORACLE", Status: "ok"},
	}}

	var buf bytes.Buffer
	require.NoError(t, showSamples(context.Background(), store, 2, &buf))
	assert.Contains(t, buf.String(), "240 samples stored, latest 2")
	assert.Contains(t, buf.String(), "21.500")

	buf.Reset()
	require.NoError(t, showSamples(context.Background(), &countingSamples{}, 5, &buf))
	assert.Equal(t, "no samples found\n", buf.String())
}

func TestQueueTriggerAndStats(t *testing.T) {
	mr := miniredis.RunT(t)
	a := offlineApp(t, 0)
	a.Config.Cache = cacheConfig("redis://" + mr.Addr())
	a.Config.Scheduler.Backend = "redis"

	var buf bytes.Buffer
	require.NoError(t, a.TriggerTask(context.Background(), "poll-fee", &buf))
	assert.Contains(t, buf.String(), "queued poll-fee")
	require.Error(t, a.TriggerTask(context.Background(), "no-such-task", &bytes.Buffer{}))

	queued, err := mr.List("gasguard:scheduler:messages")
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	buf.Reset()
	require.NoError(t, a.QueueStats(context.Background(), &buf))
	assert.Contains(t, buf.String(), `"pending": 1`)

	a.Config.Scheduler.Backend = "local"
	require.Error(t, a.QueueStats(context.Background(), &bytes.Buffer{}))
}
