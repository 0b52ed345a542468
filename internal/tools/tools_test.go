package tools

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/export"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
	"github.com/pandalabs/panda-mcp/internal/metrics"
)

// stubClient is a canned market.Client that records the last queries it
// served.
type stubClient struct {
	info        market.ExchangeInfo
	pairs       map[market.Market]*market.PairsResult
	klines      []market.Kline
	funding     []market.FundingRate
	fundingInfo []market.FundingInfo
	oi          *market.OpenInterest
	oiHistory   []market.OpenInterest
	data        []market.MarketData
	err         error

	lastKlineQuery market.KlineQuery
}

func (c *stubClient) Info() market.ExchangeInfo { return c.info }

func (c *stubClient) Pairs(ctx context.Context, mkt market.Market) (*market.PairsResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	if res, ok := c.pairs[mkt]; ok {
		return res, nil
	}
	return &market.PairsResult{}, nil
}

func (c *stubClient) Klines(ctx context.Context, q market.KlineQuery) ([]market.Kline, error) {
	c.lastKlineQuery = q
	return c.klines, c.err
}

func (c *stubClient) FundingRateHistory(ctx context.Context, q market.FundingQuery) ([]market.FundingRate, error) {
	return c.funding, c.err
}

func (c *stubClient) FundingRateInfo(ctx context.Context) ([]market.FundingInfo, error) {
	return c.fundingInfo, c.err
}

func (c *stubClient) OpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	return c.oi, c.err
}

func (c *stubClient) OpenInterestHistory(ctx context.Context, q market.OpenInterestQuery) ([]market.OpenInterest, error) {
	return c.oiHistory, c.err
}

func (c *stubClient) MarketData(ctx context.Context, symbol string) ([]market.MarketData, error) {
	return c.data, c.err
}

type stubRegistry struct {
	names   []string
	clients map[string]market.Client
}

func (r *stubRegistry) Get(name string) (market.Client, error) {
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	return nil, &market.UnknownExchangeError{Exchange: name}
}

func (r *stubRegistry) Names() []string { return r.names }

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testKlines(n int) []market.Kline {
	out := make([]market.Kline, n)
	for i := range n {
		price := dec(float64(100 + i))
		out[i] = market.Kline{
			OpenTime:  int64(1700000000000 + i*60000),
			Open:      price,
			High:      price.Add(dec(1)),
			Low:       price.Sub(dec(1)),
			Close:     price,
			Volume:    dec(10),
			CloseTime: int64(1700000059999 + i*60000),
			Trades:    int64(5 + i),
		}
	}
	return out
}

func newTestRegistry(stub *stubClient, mc *metrics.Client, exp *export.Exporter) *Registry {
	reg := &stubRegistry{
		names:   []string{"binance"},
		clients: map[string]market.Client{"binance": stub},
	}
	return New(market.NewService(reg), mc, exp)
}

func defaultStub() *stubClient {
	return &stubClient{
		info: market.ExchangeInfo{Name: "binance", Markets: []string{"spot", "futures"}},
	}
}

func TestRegistry_ListsAllTools(t *testing.T) {
	r := newTestRegistry(defaultStub(), nil, nil)

	names := make([]string, 0)
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"get_trading_pairs",
		"list_supported_exchanges",
		"compare_exchange_pairs",
		"get_market_data",
		"get_klines",
		"get_funding_rate_history",
		"get_funding_rate_info",
		"get_open_interest",
		"get_open_interest_history",
		"export_klines",
		"export_funding_rate",
		"export_open_interest",
		"export_trading_pairs",
		"export_indicator_data",
		"calculate_indicator",
		"calculate_multiple_indicators",
		"get_divine_dip_metric",
		"get_orderbook_metric",
		"get_jlabs_metric",
		"get_orderflow_metric",
		"get_jlabs_model",
	}, names)

	for _, tool := range r.List() {
		assert.NotEmpty(t, tool.Description, "tool %s has no description", tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], "tool %s schema", tool.Name)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r := newTestRegistry(defaultStub(), nil, nil)

	_, err := r.Execute(context.Background(), "mint_money", nil, "alice")

	var unknownErr *UnknownToolError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "mint_money", unknownErr.Name)
}

func TestGetTradingPairs_Response(t *testing.T) {
	stub := defaultStub()
	stub.pairs = map[market.Market]*market.PairsResult{
		market.MarketSpot: {
			Active: []market.Pair{
				{Symbol: "BTC", Pair: "BTCUSDT", Exchange: "binance-spot", IsActive: true},
				{Symbol: "ETH", Pair: "ETHUSDT", Exchange: "binance-spot", IsActive: true},
			},
			Inactive: []market.Pair{
				{Symbol: "LUNA", Pair: "LUNAUSDT", Exchange: "binance-spot"},
			},
		},
	}
	r := newTestRegistry(stub, nil, nil)

	out, err := r.Execute(context.Background(), "get_trading_pairs", map[string]any{
		"exchange": "binance",
		"market":   "spot",
	}, "alice")
	require.NoError(t, err)

	payload := out.(map[string]any)
	assert.Equal(t, "binance", payload["exchange"])
	assert.Equal(t, "active", payload["status"], "status defaults to active")
	assert.Equal(t, 2, payload["count"])
}

func TestGetKlines_QueryMapping(t *testing.T) {
	stub := defaultStub()
	stub.klines = testKlines(3)
	r := newTestRegistry(stub, nil, nil)

	out, err := r.Execute(context.Background(), "get_klines", map[string]any{
		"exchange":   "binance",
		"symbol":     "BTCUSDT",
		"interval":   "1h",
		"market":     "futures",
		"start_time": float64(1700000000000),
		"limit":      float64(200),
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, market.KlineQuery{
		Symbol:    "BTCUSDT",
		Interval:  "1h",
		Market:    market.MarketFutures,
		StartTime: 1700000000000,
		Limit:     200,
	}, stub.lastKlineQuery)

	payload := out.(map[string]any)
	assert.Equal(t, 3, payload["count"])
	assert.Equal(t, "futures", payload["market"])
}

func TestGetOpenInterest_FlattensReading(t *testing.T) {
	stub := defaultStub()
	stub.oi = &market.OpenInterest{
		Symbol:       "BTCUSDT",
		OpenInterest: dec(10659.509),
		Timestamp:    1589437530011,
	}
	r := newTestRegistry(stub, nil, nil)

	out, err := r.Execute(context.Background(), "get_open_interest", map[string]any{
		"exchange": "binance",
		"symbol":   "BTCUSDT",
	}, "alice")
	require.NoError(t, err)

	payload := out.(map[string]any)
	assert.Equal(t, "BTCUSDT", payload["symbol"])
	assert.Equal(t, int64(1589437530011), payload["timestamp"])
	assert.NotContains(t, payload, "value", "zero value is omitted")
}

func TestCalculateIndicator_EndToEnd(t *testing.T) {
	stub := defaultStub()
	stub.klines = testKlines(30)
	r := newTestRegistry(stub, nil, nil)

	out, err := r.Execute(context.Background(), "calculate_indicator", map[string]any{
		"exchange":  "binance",
		"symbol":    "BTCUSDT",
		"interval":  "1h",
		"indicator": "SMA",
		"period":    float64(5),
	}, "alice")
	require.NoError(t, err)

	resp := out.(*indicatorResponse)
	assert.Equal(t, "SMA", resp.Indicator)
	assert.Equal(t, 30, resp.KlinesCount)
	assert.Equal(t, 100, stub.lastKlineQuery.Limit, "kline fetch defaults to 100")

	col := resp.Columns["SMA_5"]
	require.NotNil(t, col[29])
	// Closes 125..129 average to 127.
	assert.InDelta(t, 127, *col[29], 1e-9)
}

func TestCalculateMultipleIndicators_ReportsSkipped(t *testing.T) {
	stub := defaultStub()
	stub.klines = testKlines(30)
	r := newTestRegistry(stub, nil, nil)

	out, err := r.Execute(context.Background(), "calculate_multiple_indicators", map[string]any{
		"exchange":   "binance",
		"symbol":     "BTCUSDT",
		"interval":   "1h",
		"indicators": []any{"SMA_5", "OBV", "WOBBLE"},
	}, "alice")
	require.NoError(t, err)

	payload := out.(map[string]any)
	assert.Equal(t, []string{"SMA", "OBV"}, payload["indicators_calculated"])
	assert.Equal(t, []string{"WOBBLE"}, payload["indicators_skipped"])
}

func TestExportKlines_WritesCSV(t *testing.T) {
	stub := defaultStub()
	stub.klines = testKlines(2)
	r := newTestRegistry(stub, nil, export.New(t.TempDir(), false))

	out, err := r.Execute(context.Background(), "export_klines", map[string]any{
		"exchange": "binance",
		"symbol":   "BTCUSDT",
		"interval": "1h",
		"format":   "csv",
	}, "alice")
	require.NoError(t, err)

	payload := out.(map[string]any)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "csv", payload["format"])
	assert.Equal(t, 2, payload["records_exported"])

	f, err := os.Open(payload["file_path"].(string))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "open_time", rows[0][0])
	assert.Equal(t, "100", rows[1][1])
}

func TestExportTools_RequireExporter(t *testing.T) {
	stub := defaultStub()
	stub.klines = testKlines(2)
	r := newTestRegistry(stub, nil, nil)

	_, err := r.Execute(context.Background(), "export_klines", map[string]any{
		"exchange": "binance",
		"symbol":   "BTCUSDT",
		"interval": "1h",
	}, "alice")
	require.ErrorContains(t, err, "exports are not enabled")
}

func TestMetricTools_RequireBackend(t *testing.T) {
	r := newTestRegistry(defaultStub(), nil, nil)

	_, err := r.Execute(context.Background(), "get_jlabs_metric", map[string]any{
		"metric":      "slippage",
		"symbol":      "BTCUSDT",
		"time_delta":  float64(0),
		"start_epoch": float64(1),
		"end_epoch":   float64(2),
	}, "alice")
	require.ErrorContains(t, err, "metrics backend is not configured")
}

func TestGetDivineDip_CEXRequiresExchangeAndToken(t *testing.T) {
	mc := newStubBackend(t, nil)
	r := newTestRegistry(defaultStub(), mc, nil)

	_, err := r.Execute(context.Background(), "get_divine_dip_metric", map[string]any{
		"exchange_type": "CEX",
		"timeframe":     "1D",
		"start_epoch":   float64(1),
		"end_epoch":     float64(2),
	}, "alice")
	require.ErrorContains(t, err, "require exchange and token")
}

func TestGetJLabsModel_V1RequiresEpochs(t *testing.T) {
	mc := newStubBackend(t, nil)
	r := newTestRegistry(defaultStub(), mc, nil)

	_, err := r.Execute(context.Background(), "get_jlabs_model", map[string]any{
		"metric":    "cari",
		"timeframe": "1D",
	}, "alice")
	require.ErrorContains(t, err, "require start_epoch and end_epoch")
}

func TestGetJLabsModel_StripsUSDTSuffix(t *testing.T) {
	var gotQuery url.Values
	mc := newStubBackend(t, func(r *http.Request) {
		gotQuery = r.URL.Query()
	})
	r := newTestRegistry(defaultStub(), mc, nil)

	_, err := r.Execute(context.Background(), "get_jlabs_model", map[string]any{
		"metric":      "rosi",
		"symbol":      "btcusdt",
		"timeframe":   "1D",
		"start_epoch": float64(1),
		"end_epoch":   float64(2),
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "BTC", gotQuery.Get("symbol"))
}

func newStubBackend(t *testing.T, inspect func(*http.Request)) *metrics.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		_, _ = io.WriteString(w, `{"success":true,"data":[]}`)
	}))
	t.Cleanup(srv.Close)

	mc, err := metrics.NewClient(srv.Client(), metrics.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return mc
}

func TestInstallRules_DenyListCatchesInjection(t *testing.T) {
	r := newTestRegistry(defaultStub(), nil, nil)
	v := validate.New(validate.DenyPatterns)
	r.InstallRules(v)

	err := v.Validate("get_klines", map[string]any{
		"exchange": "binance",
		"symbol":   "BTC; DROP TABLE x",
		"interval": "1h",
	})

	var vErr *validate.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "symbol", vErr.Field)
}

func TestInstallRules_MissingRequiredParam(t *testing.T) {
	r := newTestRegistry(defaultStub(), nil, nil)
	v := validate.New(nil)
	r.InstallRules(v)

	err := v.Validate("get_klines", map[string]any{"exchange": "binance"})

	var vErr *validate.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "symbol", vErr.Field)
	assert.Equal(t, "missing", vErr.Reason)
}

func TestInstallRules_UnknownExchangeRejected(t *testing.T) {
	r := newTestRegistry(defaultStub(), nil, nil)
	v := validate.New(nil)
	r.InstallRules(v)

	err := v.Validate("get_trading_pairs", map[string]any{
		"exchange": "mtgox",
		"market":   "spot",
	})

	var vErr *validate.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "exchange", vErr.Field)
}

func TestInstallSymbolFilter_RejectsUnlistedSymbols(t *testing.T) {
	r := newTestRegistry(defaultStub(), nil, nil)
	v := validate.New(nil)
	r.InstallRules(v)

	members := bloom.NewWithEstimates(1000, 0.01)
	members.AddString("BTCUSDT")
	r.InstallSymbolFilter(v, members)

	params := map[string]any{"exchange": "binance", "symbol": "BTCUSDT", "interval": "1h"}
	require.NoError(t, v.Validate("get_klines", params))

	params["symbol"] = "NOPEUSDT"
	err := v.Validate("get_klines", params)
	var vErr *validate.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "symbol", vErr.Field)

	// Tools without a symbol parameter keep their original rule list.
	require.NoError(t, v.Validate("list_supported_exchanges", map[string]any{}))
}
