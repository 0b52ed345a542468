package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
)

// hyperliquidIntervals maps candle grids to their wall-clock width, used
// to derive a default snapshot window.
var hyperliquidIntervals = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": 24 * time.Hour, "3d": 72 * time.Hour,
	"1w": 7 * 24 * time.Hour, "1M": 30 * 24 * time.Hour,
}

// hyperliquidSymbols normalizes bridged token names to canonical ones.
var hyperliquidSymbols = map[string]string{
	"USDT0": "USDT",
}

var _ market.Client = (*Hyperliquid)(nil)

// Hyperliquid adapts the Hyperliquid info API. Every operation is a POST
// to /info with a typed request body.
type Hyperliquid struct {
	httpc *http.Client
	base  string
	now   func() time.Time
}

// NewHyperliquid returns a Hyperliquid client rooted at the given base URL.
func NewHyperliquid(httpc *http.Client, baseURL string) *Hyperliquid {
	return &Hyperliquid{httpc: httpc, base: baseURL, now: time.Now}
}

func (h *Hyperliquid) Info() market.ExchangeInfo {
	return market.ExchangeInfo{
		Name:        "hyperliquid",
		Markets:     []string{"spot", "futures"},
		Description: "Hyperliquid spot and perpetual markets with live asset contexts",
	}
}

// Pairs lists instruments. Spot pairs are joined from the token table;
// perpetuals are quoted in USD and flagged inactive when delisted.
func (h *Hyperliquid) Pairs(ctx context.Context, mkt market.Market) (*market.PairsResult, error) {
	switch mkt {
	case market.MarketSpot:
		return h.spotPairs(ctx)
	case market.MarketFutures, "":
		return h.perpPairs(ctx)
	default:
		return nil, fmt.Errorf("invalid market %q", mkt)
	}
}

func (h *Hyperliquid) spotPairs(ctx context.Context) (*market.PairsResult, error) {
	var payload struct {
		Tokens []struct {
			Name  string `json:"name"`
			Index int    `json:"index"`
		} `json:"tokens"`
		Universe []struct {
			Tokens []int  `json:"tokens"`
			Name   string `json:"name"`
		} `json:"universe"`
	}
	if err := h.post(ctx, map[string]any{"type": "spotMeta"}, &payload); err != nil {
		return nil, err
	}

	tokens := make(map[int]string, len(payload.Tokens))
	for _, t := range payload.Tokens {
		name := t.Name
		if canonical, ok := hyperliquidSymbols[name]; ok {
			name = canonical
		}
		tokens[t.Index] = name
	}

	result := &market.PairsResult{}
	for _, pair := range payload.Universe {
		if len(pair.Tokens) < 2 {
			continue
		}
		base, baseOK := tokens[pair.Tokens[0]]
		quote, quoteOK := tokens[pair.Tokens[1]]
		if !baseOK || !quoteOK {
			continue
		}
		result.Active = append(result.Active, market.Pair{
			Symbol:   base,
			Pair:     base + "/" + quote,
			Exchange: "hyperliquid-spot",
			IsActive: true,
		})
	}
	return result, nil
}

func (h *Hyperliquid) perpPairs(ctx context.Context) (*market.PairsResult, error) {
	var payload struct {
		Universe []struct {
			Name       string `json:"name"`
			IsDelisted bool   `json:"isDelisted"`
		} `json:"universe"`
	}
	if err := h.post(ctx, map[string]any{"type": "meta"}, &payload); err != nil {
		return nil, err
	}

	result := &market.PairsResult{}
	for _, item := range payload.Universe {
		p := market.Pair{
			Symbol:   item.Name,
			Pair:     item.Name + "-USD",
			Exchange: "hyperliquid-futures",
			IsActive: !item.IsDelisted,
		}
		if p.IsActive {
			result.Active = append(result.Active, p)
		} else {
			result.Inactive = append(result.Inactive, p)
		}
	}
	return result, nil
}

// Klines fetches a candle snapshot. The venue takes an explicit window,
// so a missing start time is derived from the limit and interval width.
func (h *Hyperliquid) Klines(ctx context.Context, q market.KlineQuery) ([]market.Kline, error) {
	width, ok := hyperliquidIntervals[q.Interval]
	if !ok {
		supported := make([]string, 0, len(hyperliquidIntervals))
		for iv := range hyperliquidIntervals {
			supported = append(supported, iv)
		}
		return nil, &market.InvalidIntervalError{Interval: q.Interval, Supported: supported}
	}

	limit := q.Limit
	if limit == 0 {
		limit = 500
	}
	end := q.EndTime
	if end == 0 {
		end = h.now().UnixMilli()
	}
	start := q.StartTime
	if start == 0 {
		start = end - int64(width/time.Millisecond)*int64(limit)
	}

	var raw []struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Trades    int64  `json:"n"`
	}
	body := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      q.Symbol,
			"interval":  q.Interval,
			"startTime": start,
			"endTime":   end,
		},
	}
	if err := h.post(ctx, body, &raw); err != nil {
		return nil, err
	}

	klines := make([]market.Kline, 0, len(raw))
	for _, item := range raw {
		k := market.Kline{
			OpenTime:  item.OpenTime,
			CloseTime: item.CloseTime,
			Trades:    item.Trades,
		}
		var err error
		if k.Open, err = parseDecimal("open", item.Open); err != nil {
			return nil, err
		}
		if k.High, err = parseDecimal("high", item.High); err != nil {
			return nil, err
		}
		if k.Low, err = parseDecimal("low", item.Low); err != nil {
			return nil, err
		}
		if k.Close, err = parseDecimal("close", item.Close); err != nil {
			return nil, err
		}
		if k.Volume, err = parseDecimal("volume", item.Volume); err != nil {
			return nil, err
		}
		klines = append(klines, k)
	}
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

// FundingRateHistory fetches hourly funding settlements for one asset.
// The window defaults to the trailing seven days.
func (h *Hyperliquid) FundingRateHistory(ctx context.Context, q market.FundingQuery) ([]market.FundingRate, error) {
	if q.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	start := q.StartTime
	if start == 0 {
		end := q.EndTime
		if end == 0 {
			end = h.now().UnixMilli()
		}
		start = end - (7 * 24 * time.Hour).Milliseconds()
	}

	body := map[string]any{
		"type":      "fundingHistory",
		"coin":      q.Symbol,
		"startTime": start,
	}
	if q.EndTime > 0 {
		body["endTime"] = q.EndTime
	}

	var raw []struct {
		Coin        string `json:"coin"`
		FundingRate string `json:"fundingRate"`
		Time        int64  `json:"time"`
	}
	if err := h.post(ctx, body, &raw); err != nil {
		return nil, err
	}

	rates := make([]market.FundingRate, 0, len(raw))
	for _, item := range raw {
		rate, err := parseDecimal("fundingRate", item.FundingRate)
		if err != nil {
			return nil, err
		}
		rates = append(rates, market.FundingRate{
			Symbol:      item.Coin,
			FundingRate: rate,
			FundingTime: item.Time,
		})
	}
	if q.Limit > 0 && len(rates) > q.Limit {
		rates = rates[len(rates)-q.Limit:]
	}
	return rates, nil
}

// FundingRateInfo is not exposed by the info API.
func (h *Hyperliquid) FundingRateInfo(context.Context) ([]market.FundingInfo, error) {
	return nil, &market.UnsupportedError{Exchange: "hyperliquid", Operation: "funding rate info"}
}

// OpenInterest reads the live open interest from the asset context.
func (h *Hyperliquid) OpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	snapshots, err := h.MarketData(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("no market data for %q", symbol)
	}
	return &market.OpenInterest{
		Symbol:       snapshots[0].Symbol,
		OpenInterest: snapshots[0].OpenInterest,
		Timestamp:    h.now().UnixMilli(),
	}, nil
}

// OpenInterestHistory is not exposed by the info API.
func (h *Hyperliquid) OpenInterestHistory(context.Context, market.OpenInterestQuery) ([]market.OpenInterest, error) {
	return nil, &market.UnsupportedError{Exchange: "hyperliquid", Operation: "open interest history"}
}

// MarketData joins the perpetual universe with its live asset contexts.
// Empty symbol returns every listed asset.
func (h *Hyperliquid) MarketData(ctx context.Context, symbol string) ([]market.MarketData, error) {
	var sections []json.RawMessage
	if err := h.post(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &sections); err != nil {
		return nil, err
	}
	if len(sections) < 2 {
		return nil, fmt.Errorf("metaAndAssetCtxs returned %d sections, want 2", len(sections))
	}

	var meta struct {
		Universe []struct {
			Name        string `json:"name"`
			MaxLeverage int    `json:"maxLeverage"`
			IsDelisted  bool   `json:"isDelisted"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(sections[0], &meta); err != nil {
		return nil, fmt.Errorf("decoding meta section: %w", err)
	}
	var ctxs []struct {
		MarkPx       string `json:"markPx"`
		OraclePx     string `json:"oraclePx"`
		MidPx        string `json:"midPx"`
		PrevDayPx    string `json:"prevDayPx"`
		DayBaseVlm   string `json:"dayBaseVlm"`
		DayNtlVlm    string `json:"dayNtlVlm"`
		Funding      string `json:"funding"`
		OpenInterest string `json:"openInterest"`
		Premium      string `json:"premium"`
	}
	if err := json.Unmarshal(sections[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decoding asset contexts: %w", err)
	}

	hundred := decimal.NewFromInt(100)
	snapshots := make([]market.MarketData, 0, len(meta.Universe))
	for i, asset := range meta.Universe {
		if symbol != "" && asset.Name != symbol {
			continue
		}
		if i >= len(ctxs) {
			break
		}
		c := ctxs[i]

		md := market.MarketData{
			Symbol:      asset.Name,
			MaxLeverage: asset.MaxLeverage,
			IsDelisted:  asset.IsDelisted,
		}
		var err error
		if md.MarkPrice, err = parseDecimal("markPx", c.MarkPx); err != nil {
			return nil, err
		}
		if md.OraclePrice, err = parseDecimal("oraclePx", c.OraclePx); err != nil {
			return nil, err
		}
		if md.MidPrice, err = parseDecimal("midPx", c.MidPx); err != nil {
			return nil, err
		}
		if md.PrevDayPrice, err = parseDecimal("prevDayPx", c.PrevDayPx); err != nil {
			return nil, err
		}
		if md.Volume24hBase, err = parseDecimal("dayBaseVlm", c.DayBaseVlm); err != nil {
			return nil, err
		}
		if md.Volume24hUSD, err = parseDecimal("dayNtlVlm", c.DayNtlVlm); err != nil {
			return nil, err
		}
		if md.FundingRate, err = parseDecimal("funding", c.Funding); err != nil {
			return nil, err
		}
		if md.OpenInterest, err = parseDecimal("openInterest", c.OpenInterest); err != nil {
			return nil, err
		}
		if md.Premium, err = parseDecimal("premium", c.Premium); err != nil {
			return nil, err
		}
		if md.PrevDayPrice.IsPositive() {
			md.PriceChange24h = md.MarkPrice.Sub(md.PrevDayPrice).
				Div(md.PrevDayPrice).Mul(hundred).Round(2)
		}
		snapshots = append(snapshots, md)
	}
	return snapshots, nil
}

func (h *Hyperliquid) post(ctx context.Context, body, out any) error {
	return postJSON(ctx, h.httpc, "hyperliquid", h.base+"/info", body, out)
}
