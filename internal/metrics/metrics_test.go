package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.Client(), Config{BaseURL: srv.URL + "/", APIKey: "backend-key"})
	require.NoError(t, err)
	c.retryWait = time.Millisecond
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(http.DefaultClient, Config{})
	require.ErrorContains(t, err, "base URL is required")
}

func TestCEXMetric_QueryAndAuth(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotKey = r.Header.Get("X-API-KEY")
		_, _ = io.WriteString(w, `{"metric":"divine_dip","count":2,"data":[1,2]}`)
	})

	out, err := c.CEXMetric(context.Background(), CEXQuery{
		Metric:     "divine_dip",
		Exchange:   "bybit-futures",
		Token:      "BTCUSDT",
		Timeframe:  "1D",
		StartEpoch: 1648923900,
		EndEpoch:   1763231400,
	})
	require.NoError(t, err)

	assert.Equal(t, "/metrics/panda_jlabs_metrics/", gotPath)
	assert.Equal(t, "backend-key", gotKey)
	assert.Equal(t, "CEX", gotQuery.Get("exchange_type"))
	assert.Equal(t, "bybit-futures", gotQuery.Get("exchange"))
	assert.Equal(t, "BTCUSDT", gotQuery.Get("token"))
	assert.Equal(t, "4", gotQuery.Get("version"), "version defaults to 4")
	assert.Equal(t, "1648923900", gotQuery.Get("start_epoch"))
	assert.EqualValues(t, 2, out["count"])
}

func TestDEXMetric_PoolParams(t *testing.T) {
	var gotQuery url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	_, err := c.DEXMetric(context.Background(), DEXQuery{
		Metric:      "divine_dip",
		Chain:       "ethereum",
		PoolAddress: "0xdead",
		Timeframe:   "4H",
		StartEpoch:  1,
		EndEpoch:    2,
		Version:     5,
	})
	require.NoError(t, err)

	assert.Equal(t, "DEX", gotQuery.Get("exchange_type"))
	assert.Equal(t, "ethereum", gotQuery.Get("chain"))
	assert.Equal(t, "0xdead", gotQuery.Get("pool_address"))
	assert.Equal(t, "5", gotQuery.Get("version"))
	assert.Empty(t, gotQuery.Get("exchange"))
}

func TestOrderbookMetric_LowercasesMetricAndVolume(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	_, err := c.OrderbookMetric(context.Background(), WorkbenchQuery{
		Metric:    "BID_ASK_RATIO",
		Symbol:    "BTCUSDT",
		Exchange:  "binance-futures",
		Timeframe: "1D",
		Volume:    "0-1K",
		EpochLow:  10,
		EpochHigh: 20,
	})
	require.NoError(t, err)

	assert.Equal(t, "/workbench/orderbook/", gotPath)
	assert.Equal(t, "bid_ask_ratio", gotQuery.Get("metric"))
	assert.Equal(t, "0-1k", gotQuery.Get("volume"))
	assert.Equal(t, "10", gotQuery.Get("epoch_low"))
}

func TestOrderflowMetric_Path(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	_, err := c.OrderflowMetric(context.Background(), WorkbenchQuery{Metric: "trade_vol", Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "/workbench/orderflow/", gotPath)
}

func TestModelV1_OmitsEmptySymbol(t *testing.T) {
	var gotQuery url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	_, err := c.ModelV1(context.Background(), ModelQuery{
		Metric:     "CARI",
		Timeframe:  "1D",
		StartEpoch: 1,
		EndEpoch:   2,
	})
	require.NoError(t, err)

	assert.Equal(t, "cari", gotQuery.Get("metric"), "model names are lowercased")
	_, hasSymbol := gotQuery["symbol"]
	assert.False(t, hasSymbol)
}

func TestModelV2_OptionalMetricParam(t *testing.T) {
	var gotQuery url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	_, err := c.ModelV2(context.Background(), ModelQuery{
		Metric:      "Token rating",
		Symbol:      "ETH",
		Timeframe:   "1W",
		Version:     2,
		MetricParam: "Overall Rating",
	})
	require.NoError(t, err)

	assert.Equal(t, "Token rating", gotQuery.Get("metric"))
	assert.Equal(t, "ETH", gotQuery.Get("token"))
	assert.Equal(t, "2", gotQuery.Get("version"))
	assert.Equal(t, "Overall Rating", gotQuery.Get("metric_param"))
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	out, err := c.JLabsV1Metric(context.Background(), JLabsV1Query{Metric: "slippage", Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.EqualValues(t, 2, calls.Load())
}

func TestGet_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"detail":"bad key"}`)
	})

	_, err := c.JLabsV1Metric(context.Background(), JLabsV1Query{Metric: "slippage", Symbol: "BTCUSDT"})

	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, http.StatusForbidden, backendErr.Status)
	assert.EqualValues(t, 1, calls.Load(), "4xx responses are not retried")
}

func TestGet_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.JLabsV1Metric(context.Background(), JLabsV1Query{Metric: "slippage", Symbol: "BTCUSDT"})

	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.EqualValues(t, 3, calls.Load())
}
