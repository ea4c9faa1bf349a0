package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/fetcher"
	"gasguard/internal/metrics"
)

func newTestClient(url string) *Client {
	return NewClient(ClientOptions{URL: url, Timeout: time.Second, MaxRetries: 2, RetryWait: time.Millisecond}, zerolog.Nop())
}

func TestClientParsesTopLevelFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"suggestedMaxFeePerGas":         "31.5",
			"estimatedBaseFee":              "29.25",
			"suggestedMaxPriorityFeePerGas": 2.25,
		})
	}))
	defer srv.Close()

	s, err := newTestClient(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 31.5, s.MaxFee)
	assert.Equal(t, 29.25, s.BaseFee)
	assert.Equal(t, 2.25, s.PriorityFee)
}

func TestClientFallsBackToMediumTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"medium":{"suggestedMaxFeePerGas":"18.1","suggestedMaxPriorityFeePerGas":"1.1"},"estimatedBaseFee":"17"}`))
	}))
	defer srv.Close()

	s, err := newTestClient(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18.1, s.MaxFee)
	assert.Equal(t, 1.1, s.PriorityFee)
	assert.Equal(t, 17.0, s.BaseFee)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"suggestedMaxFeePerGas":"12"}`))
	}))
	defer srv.Close()

	s, err := newTestClient(srv.URL).Fetch(context.Background())
	require.NoError(t, err, "第三次请求应成功")
	assert.Equal(t, 12.0, s.MaxFee)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unsupported network"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported network")
}

func TestWriterPollFeedsLocalMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"suggestedMaxFeePerGas":"22.5","estimatedBaseFee":"21","suggestedMaxPriorityFeePerGas":"1.5"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "gas_monitor_data.json")
	w := NewWriter(newTestClient(srv.URL), path, time.Second, zerolog.Nop())

	rec, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "22500000000", rec.GasPrice.Wei)
	assert.Equal(t, recordSource, rec.Source)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "临时文件应已被替换")

	reader := fetcher.NewLocalMonitor(fetcher.LocalMonitorOptions{Path: path, MaxAge: time.Minute}, zerolog.Nop())
	sample, err := reader.FetchFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fetcher.SourceLocalMonitor, sample.Source)
	assert.Equal(t, 22.5, sample.Gwei)
}

func TestWriterRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"suggestedMaxFeePerGas":"10"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "gas_monitor_data.json")
	w := NewWriter(newTestClient(srv.URL), path, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestWriterCountsPolls(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad request"}`))
			return
		}
		_, _ = w.Write([]byte(`{"suggestedMaxFeePerGas":"10"}`))
	}))
	defer srv.Close()

	ok := metrics.MonitorPolls.WithLabelValues("ok")
	failed := metrics.MonitorPolls.WithLabelValues("fetch_error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	w := NewWriter(newTestClient(srv.URL), filepath.Join(t.TempDir(), "gas_monitor_data.json"), time.Second, zerolog.Nop())
	_, err := w.Poll(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	_, err = w.Poll(context.Background())
	require.Error(t, err)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}
