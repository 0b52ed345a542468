package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
)

var bybitKlineIntervals = []string{
	"1", "3", "5", "15", "30", "60", "120", "240", "360", "720", "D", "W", "M",
}

var bybitOIIntervals = []string{"5min", "15min", "30min", "1h", "4h", "1d"}

// BybitError is a non-zero retCode in the v5 response envelope.
type BybitError struct {
	Code    int
	Message string
}

func (e *BybitError) Error() string {
	return fmt.Sprintf("bybit API error %d: %s", e.Code, e.Message)
}

var _ market.Client = (*Bybit)(nil)

// Bybit adapts the Bybit v5 REST API for spot and USDT linear perpetuals.
type Bybit struct {
	httpc *http.Client
	base  string
}

// NewBybit returns a Bybit client rooted at the given base URL.
func NewBybit(httpc *http.Client, baseURL string) *Bybit {
	return &Bybit{httpc: httpc, base: baseURL}
}

func (b *Bybit) Info() market.ExchangeInfo {
	return market.ExchangeInfo{
		Name:        "bybit",
		Markets:     []string{"spot", "futures"},
		Description: "Bybit v5 spot and USDT linear perpetual markets",
	}
}

// Pairs lists USDT-quoted instruments. The venue only reports Trading
// status through this endpoint, so the inactive list stays empty.
func (b *Bybit) Pairs(ctx context.Context, mkt market.Market) (*market.PairsResult, error) {
	category, exchange, err := bybitCategory(mkt)
	if err != nil {
		return nil, err
	}
	endpoint := b.base + "/v5/market/instruments-info?category=" + category + "&status=Trading&limit=1000"

	var payload struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol       string `json:"symbol"`
				BaseCoin     string `json:"baseCoin"`
				QuoteCoin    string `json:"quoteCoin"`
				Status       string `json:"status"`
				ContractType string `json:"contractType"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := getJSON(ctx, b.httpc, "bybit", endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.RetCode != 0 {
		return nil, &BybitError{Code: payload.RetCode, Message: payload.RetMsg}
	}

	result := &market.PairsResult{}
	for _, item := range payload.Result.List {
		if item.QuoteCoin != "USDT" || item.Status != "Trading" {
			continue
		}
		if mkt == market.MarketFutures && item.ContractType != "LinearPerpetual" {
			continue
		}
		result.Active = append(result.Active, market.Pair{
			Symbol:   item.BaseCoin,
			Pair:     item.Symbol,
			Exchange: exchange,
			IsActive: true,
		})
	}
	return result, nil
}

// Klines fetches candles and reorders them oldest first; the venue
// responds newest first.
func (b *Bybit) Klines(ctx context.Context, q market.KlineQuery) ([]market.Kline, error) {
	if !slices.Contains(bybitKlineIntervals, q.Interval) {
		return nil, &market.InvalidIntervalError{Interval: q.Interval, Supported: bybitKlineIntervals}
	}
	category, _, err := bybitCategory(q.Market)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit == 0 {
		limit = 200
	}
	if limit < 1 || limit > 1000 {
		return nil, fmt.Errorf("limit must be between 1 and 1000")
	}

	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", q.Symbol)
	params.Set("interval", q.Interval)
	params.Set("limit", strconv.Itoa(limit))
	if q.StartTime > 0 {
		params.Set("start", strconv.FormatInt(q.StartTime, 10))
	}
	if q.EndTime > 0 {
		params.Set("end", strconv.FormatInt(q.EndTime, 10))
	}

	var payload struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := getJSON(ctx, b.httpc, "bybit", b.base+"/v5/market/kline?"+params.Encode(), &payload); err != nil {
		return nil, err
	}
	if payload.RetCode != 0 {
		return nil, &BybitError{Code: payload.RetCode, Message: payload.RetMsg}
	}

	klines := make([]market.Kline, 0, len(payload.Result.List))
	for _, item := range payload.Result.List {
		if len(item) < 7 {
			return nil, fmt.Errorf("kline entry has %d fields, want 7", len(item))
		}
		k := market.Kline{OpenTime: asInt64(item[0])}
		if k.Open, err = parseDecimal("open", item[1]); err != nil {
			return nil, err
		}
		if k.High, err = parseDecimal("high", item[2]); err != nil {
			return nil, err
		}
		if k.Low, err = parseDecimal("low", item[3]); err != nil {
			return nil, err
		}
		if k.Close, err = parseDecimal("close", item[4]); err != nil {
			return nil, err
		}
		if k.Volume, err = parseDecimal("volume", item[5]); err != nil {
			return nil, err
		}
		if k.QuoteVolume, err = parseDecimal("turnover", item[6]); err != nil {
			return nil, err
		}
		klines = append(klines, k)
	}
	slices.Reverse(klines)
	return klines, nil
}

// FundingRateHistory fetches settled funding for one linear perpetual.
func (b *Bybit) FundingRateHistory(ctx context.Context, q market.FundingQuery) ([]market.FundingRate, error) {
	if q.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	limit := q.Limit
	if limit == 0 {
		limit = 200
	}
	if limit < 1 || limit > 200 {
		return nil, fmt.Errorf("limit must be between 1 and 200")
	}

	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", q.Symbol)
	params.Set("limit", strconv.Itoa(limit))
	if q.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
	}
	if q.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
	}

	var payload struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol               string `json:"symbol"`
				FundingRate          string `json:"fundingRate"`
				FundingRateTimestamp string `json:"fundingRateTimestamp"`
			} `json:"list"`
		} `json:"result"`
	}
	endpoint := b.base + "/v5/market/funding/history?" + params.Encode()
	if err := getJSON(ctx, b.httpc, "bybit", endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.RetCode != 0 {
		return nil, &BybitError{Code: payload.RetCode, Message: payload.RetMsg}
	}

	rates := make([]market.FundingRate, 0, len(payload.Result.List))
	for _, item := range payload.Result.List {
		rate, err := parseDecimal("fundingRate", item.FundingRate)
		if err != nil {
			return nil, err
		}
		ts, _ := strconv.ParseInt(item.FundingRateTimestamp, 10, 64)
		rates = append(rates, market.FundingRate{
			Symbol:      item.Symbol,
			FundingRate: rate,
			FundingTime: ts,
		})
	}
	return rates, nil
}

// FundingRateInfo is not exposed by the v5 market API.
func (b *Bybit) FundingRateInfo(context.Context) ([]market.FundingInfo, error) {
	return nil, &market.UnsupportedError{Exchange: "bybit", Operation: "funding rate info"}
}

// OpenInterest reports the most recent 5min open interest bucket.
func (b *Bybit) OpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	history, err := b.OpenInterestHistory(ctx, market.OpenInterestQuery{
		Symbol: symbol,
		Period: "5min",
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("no open interest data for %q", symbol)
	}
	return &history[0], nil
}

// OpenInterestHistory fetches bucketed open interest, newest first.
func (b *Bybit) OpenInterestHistory(ctx context.Context, q market.OpenInterestQuery) ([]market.OpenInterest, error) {
	if !slices.Contains(bybitOIIntervals, q.Period) {
		return nil, &market.InvalidIntervalError{Interval: q.Period, Supported: bybitOIIntervals}
	}
	limit := q.Limit
	if limit == 0 {
		limit = 50
	}
	if limit < 1 || limit > 200 {
		return nil, fmt.Errorf("limit must be between 1 and 200")
	}

	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", q.Symbol)
	params.Set("intervalTime", q.Period)
	params.Set("limit", strconv.Itoa(limit))
	if q.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
	}
	if q.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
	}

	var payload struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			Symbol string `json:"symbol"`
			List   []struct {
				OpenInterest string `json:"openInterest"`
				Timestamp    string `json:"timestamp"`
			} `json:"list"`
		} `json:"result"`
	}
	endpoint := b.base + "/v5/market/open-interest?" + params.Encode()
	if err := getJSON(ctx, b.httpc, "bybit", endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.RetCode != 0 {
		return nil, &BybitError{Code: payload.RetCode, Message: payload.RetMsg}
	}

	history := make([]market.OpenInterest, 0, len(payload.Result.List))
	for _, item := range payload.Result.List {
		oi, err := parseDecimal("openInterest", item.OpenInterest)
		if err != nil {
			return nil, err
		}
		ts, _ := strconv.ParseInt(item.Timestamp, 10, 64)
		history = append(history, market.OpenInterest{
			Symbol:       payload.Result.Symbol,
			OpenInterest: oi,
			Timestamp:    ts,
		})
	}
	return history, nil
}

// MarketData is not implemented for Bybit; live snapshots come from
// Hyperliquid or the Binance premium index.
func (b *Bybit) MarketData(context.Context, string) ([]market.MarketData, error) {
	return nil, &market.UnsupportedError{Exchange: "bybit", Operation: "live market data"}
}

func bybitCategory(mkt market.Market) (category, exchange string, err error) {
	switch mkt {
	case market.MarketSpot, "":
		return "spot", "bybit-spot", nil
	case market.MarketFutures:
		return "linear", "bybit-futures", nil
	default:
		return "", "", fmt.Errorf("invalid market %q", mkt)
	}
}
