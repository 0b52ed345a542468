package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/gate"
	"github.com/pandalabs/panda-mcp/internal/gate/audit"
	"github.com/pandalabs/panda-mcp/internal/gate/credential"
	"github.com/pandalabs/panda-mcp/internal/gate/ratelimit"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
	"github.com/pandalabs/panda-mcp/internal/tools"
	"github.com/pandalabs/panda-mcp/pkg/mcp"
)

type stubClient struct {
	info   market.ExchangeInfo
	pairs  *market.PairsResult
	klines []market.Kline
	err    error
}

func (c *stubClient) Info() market.ExchangeInfo { return c.info }

func (c *stubClient) Pairs(ctx context.Context, mkt market.Market) (*market.PairsResult, error) {
	if c.pairs != nil {
		return c.pairs, c.err
	}
	return &market.PairsResult{}, c.err
}

func (c *stubClient) Klines(ctx context.Context, q market.KlineQuery) ([]market.Kline, error) {
	return c.klines, c.err
}

func (c *stubClient) FundingRateHistory(ctx context.Context, q market.FundingQuery) ([]market.FundingRate, error) {
	return nil, c.err
}

func (c *stubClient) FundingRateInfo(ctx context.Context) ([]market.FundingInfo, error) {
	return nil, c.err
}

func (c *stubClient) OpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	return &market.OpenInterest{Symbol: symbol}, c.err
}

func (c *stubClient) OpenInterestHistory(ctx context.Context, q market.OpenInterestQuery) ([]market.OpenInterest, error) {
	return nil, c.err
}

func (c *stubClient) MarketData(ctx context.Context, symbol string) ([]market.MarketData, error) {
	return nil, c.err
}

type stubRegistry struct {
	clients map[string]market.Client
}

func (r *stubRegistry) Get(name string) (market.Client, error) {
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	return nil, &market.UnknownExchangeError{Exchange: name}
}

func (r *stubRegistry) Names() []string { return []string{"binance"} }

const (
	testPepper = "test-pepper"
	aliceKey   = "sk_live_abc"
)

// newBackend wires a real pipeline over stub market data: alice holds the
// only valid key, scoped by scopes, limited to rpm requests per minute.
func newBackend(t *testing.T, rpm int, scopes []string) (*Backend, *stubClient) {
	t.Helper()

	stub := &stubClient{
		info: market.ExchangeInfo{Name: "binance", Markets: []string{"spot", "futures"}},
		pairs: &market.PairsResult{
			Active:   []market.Pair{{Symbol: "BTC", Pair: "BTCUSDT", Exchange: "binance-spot", IsActive: true}},
			Inactive: []market.Pair{{Symbol: "LUNA", Pair: "LUNAUSDT", Exchange: "binance-spot"}},
		},
		klines: []market.Kline{
			{OpenTime: 1700000000000, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(10)},
			{OpenTime: 1700000060000, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(102), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(101), Volume: decimal.NewFromInt(12)},
		},
	}
	svc := market.NewService(&stubRegistry{clients: map[string]market.Client{"binance": stub}})
	registry := tools.New(svc, nil, nil)

	store, err := credential.NewStore([]byte(testPepper), []credential.Credential{{
		Identity:   "alice",
		SecretHash: credential.HashSecret([]byte(testPepper), aliceKey),
		Scopes:     scopes,
	}})
	require.NoError(t, err)

	v := validate.New(validate.DenyPatterns)
	registry.InstallRules(v)

	pipeline := gate.New(store,
		ratelimit.New(ratelimit.Config{RequestsPerMinute: rpm}),
		v,
		audit.NewDisabled(),
		registry,
		gate.Options{},
	)
	return NewBackend(pipeline, registry, svc), stub
}

func callKlines(b *Backend, key string) mcp.ToolCallResult {
	return b.CallTool(context.Background(), "get_klines", map[string]any{
		"exchange": "binance",
		"symbol":   "BTCUSDT",
		"interval": "1h",
	}, mcp.Caller{APIKey: key, RequestID: "req-1"})
}

func decodeError(t *testing.T, res mcp.ToolCallResult) gate.Response {
	t.Helper()
	require.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	var wire gate.Response
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &wire))
	return wire
}

func TestCallTool_CompletedResult(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	res := callKlines(b, aliceKey)

	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Contains(t, res.Content[0].Text, `"count": 2`, "result is indented JSON")
	assert.Contains(t, res.Content[0].Text, `"exchange": "binance"`)
}

func TestCallTool_InvalidKeyIsUnauthorized(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	wire := decodeError(t, callKlines(b, "wrong_key_1234"))

	assert.Equal(t, "unauthorized", wire.ErrorKind)
	assert.Equal(t, "invalid API key", wire.Message)
}

func TestCallTool_BurstThenRateLimited(t *testing.T) {
	b, _ := newBackend(t, 2, nil)

	require.False(t, callKlines(b, aliceKey).IsError)
	require.False(t, callKlines(b, aliceKey).IsError)

	wire := decodeError(t, callKlines(b, aliceKey))
	assert.Equal(t, "rate_limited", wire.ErrorKind)
	assert.InDelta(t, 30, wire.RetryAfter, 0.5, "third call must wait one token refill at 2 rpm")
}

func TestCallTool_InjectionRejectedAsBadInput(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	res := b.CallTool(context.Background(), "get_klines", map[string]any{
		"exchange": "binance",
		"symbol":   "BTC; DROP TABLE x",
		"interval": "1h",
	}, mcp.Caller{APIKey: aliceKey})

	wire := decodeError(t, res)
	assert.Equal(t, "bad_input", wire.ErrorKind)
	assert.Equal(t, "symbol", wire.Field)
}

func TestCallTool_ScopeDeniesTool(t *testing.T) {
	b, _ := newBackend(t, 100, []string{"get_*"})

	require.False(t, callKlines(b, aliceKey).IsError, "scoped key still reaches granted tools")

	res := b.CallTool(context.Background(), "export_klines", map[string]any{
		"exchange": "binance",
		"symbol":   "BTCUSDT",
		"interval": "1h",
	}, mcp.Caller{APIKey: aliceKey})

	wire := decodeError(t, res)
	assert.Equal(t, "unauthorized", wire.ErrorKind)
	assert.Contains(t, wire.Message, "export_klines")
}

func TestCallTool_UnknownToolIsExecutionError(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	res := b.CallTool(context.Background(), "mint_money", map[string]any{}, mcp.Caller{APIKey: aliceKey})

	wire := decodeError(t, res)
	assert.Equal(t, "execution_error", wire.ErrorKind)
}

func TestListTools_MatchesRegistry(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	defs := b.ListTools(context.Background())

	require.Len(t, defs, 21)
	assert.Equal(t, "get_trading_pairs", defs[0].Name)
	for _, def := range defs {
		assert.NotNil(t, def.InputSchema, "tool %s has no schema", def.Name)
	}
}

func TestListResources_EnumeratesVenueMarkets(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	defs := b.ListResources(context.Background())

	uris := make([]string, len(defs))
	for i, def := range defs {
		uris[i] = def.URI
	}
	assert.Equal(t, []string{
		"exchange://list",
		"exchange://binance/pairs/spot/active",
		"exchange://binance/pairs/spot/inactive",
		"exchange://binance/pairs/futures/active",
		"exchange://binance/pairs/futures/inactive",
	}, uris)
}

func TestReadResource_ExchangeList(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	contents, err := b.ReadResource(context.Background(), "exchange://list", mcp.Caller{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "application/json", contents[0].MimeType)
	assert.Contains(t, contents[0].Text, `"binance"`)
}

func TestReadResource_Pairs(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	contents, err := b.ReadResource(context.Background(), "exchange://binance/pairs/spot/inactive", mcp.Caller{})
	require.NoError(t, err)
	assert.Contains(t, contents[0].Text, "LUNAUSDT")
}

func TestReadResource_UnknownURIs(t *testing.T) {
	b, _ := newBackend(t, 100, nil)

	for _, uri := range []string{
		"file:///etc/passwd",
		"exchange://binance/pairs/spot/stale",
		"exchange://binance/pairs/options/active",
		"exchange://mtgox/pairs/spot/active",
		"exchange://binance/klines",
	} {
		_, err := b.ReadResource(context.Background(), uri, mcp.Caller{})
		var unknown *mcp.UnknownResourceError
		require.ErrorAs(t, err, &unknown, "uri %s", uri)
	}
}
