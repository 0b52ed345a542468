package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
)

var binanceKlineIntervals = []string{
	"1s", "1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

var binanceOIPeriods = []string{"5m", "15m", "30m", "1h", "2h", "4h", "6h", "12h", "1d"}

var _ market.Client = (*Binance)(nil)

// Binance adapts the Binance spot and USD-M futures REST APIs.
type Binance struct {
	httpc *http.Client
	spot  string
	fapi  string
}

// NewBinance returns a Binance client rooted at the given spot and
// futures base URLs.
func NewBinance(httpc *http.Client, spotURL, fapiURL string) *Binance {
	return &Binance{httpc: httpc, spot: spotURL, fapi: fapiURL}
}

func (b *Binance) Info() market.ExchangeInfo {
	return market.ExchangeInfo{
		Name:        "binance",
		Markets:     []string{"spot", "futures"},
		Description: "Binance spot and USD-M perpetual futures markets",
	}
}

// Pairs lists USDT-quoted instruments. Futures listings are restricted to
// perpetual contracts.
func (b *Binance) Pairs(ctx context.Context, mkt market.Market) (*market.PairsResult, error) {
	var endpoint, exchange string
	switch mkt {
	case market.MarketSpot:
		endpoint = b.spot + "/api/v3/exchangeInfo?permissions=SPOT"
		exchange = "binance-spot"
	case market.MarketFutures:
		endpoint = b.fapi + "/fapi/v1/exchangeInfo"
		exchange = "binance-futures"
	default:
		return nil, fmt.Errorf("invalid market %q", mkt)
	}

	var payload struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			Pair         string `json:"pair"`
			Status       string `json:"status"`
			BaseAsset    string `json:"baseAsset"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
		} `json:"symbols"`
	}
	if err := getJSON(ctx, b.httpc, "binance", endpoint, &payload); err != nil {
		return nil, err
	}

	result := &market.PairsResult{}
	for _, item := range payload.Symbols {
		if item.QuoteAsset != "USDT" {
			continue
		}
		pair := item.Symbol
		if mkt == market.MarketFutures {
			if item.ContractType != "PERPETUAL" {
				continue
			}
			pair = item.Pair
		}
		p := market.Pair{
			Symbol:   item.BaseAsset,
			Pair:     pair,
			Exchange: exchange,
			IsActive: item.Status == "TRADING",
		}
		if p.IsActive {
			result.Active = append(result.Active, p)
		} else {
			result.Inactive = append(result.Inactive, p)
		}
	}
	return result, nil
}

// Klines fetches candles. Spot allows up to 1000 per call, futures 1500.
func (b *Binance) Klines(ctx context.Context, q market.KlineQuery) ([]market.Kline, error) {
	if !slices.Contains(binanceKlineIntervals, q.Interval) {
		return nil, &market.InvalidIntervalError{Interval: q.Interval, Supported: binanceKlineIntervals}
	}

	var endpoint string
	maxLimit := 1000
	switch q.Market {
	case market.MarketSpot, "":
		endpoint = b.spot + "/api/v3/klines"
	case market.MarketFutures:
		endpoint = b.fapi + "/fapi/v1/klines"
		maxLimit = 1500
	default:
		return nil, fmt.Errorf("invalid market %q", q.Market)
	}

	limit := q.Limit
	if limit == 0 {
		limit = 500
	}
	if limit < 1 || limit > maxLimit {
		return nil, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}

	params := url.Values{}
	params.Set("symbol", q.Symbol)
	params.Set("interval", q.Interval)
	params.Set("limit", strconv.Itoa(limit))
	if q.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
	}
	if q.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
	}

	var raw [][]any
	if err := getJSON(ctx, b.httpc, "binance", endpoint+"?"+params.Encode(), &raw); err != nil {
		return nil, err
	}

	klines := make([]market.Kline, 0, len(raw))
	for _, item := range raw {
		k, err := binanceKline(item)
		if err != nil {
			return nil, err
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// FundingRateHistory fetches settled funding payments, oldest first.
// Empty symbol returns payments across all perpetuals.
func (b *Binance) FundingRateHistory(ctx context.Context, q market.FundingQuery) ([]market.FundingRate, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 100
	}
	if limit < 1 || limit > 1000 {
		return nil, fmt.Errorf("limit must be between 1 and 1000")
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if q.Symbol != "" {
		params.Set("symbol", q.Symbol)
	}
	if q.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
	}
	if q.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
	}

	var raw []struct {
		Symbol      string `json:"symbol"`
		FundingRate string `json:"fundingRate"`
		FundingTime int64  `json:"fundingTime"`
		MarkPrice   string `json:"markPrice"`
	}
	if err := getJSON(ctx, b.httpc, "binance", b.fapi+"/fapi/v1/fundingRate?"+params.Encode(), &raw); err != nil {
		return nil, err
	}

	rates := make([]market.FundingRate, 0, len(raw))
	for _, item := range raw {
		rate, err := parseDecimal("fundingRate", item.FundingRate)
		if err != nil {
			return nil, err
		}
		mark, err := parseDecimal("markPrice", item.MarkPrice)
		if err != nil {
			return nil, err
		}
		rates = append(rates, market.FundingRate{
			Symbol:      item.Symbol,
			FundingRate: rate,
			FundingTime: item.FundingTime,
			MarkPrice:   mark,
		})
	}
	return rates, nil
}

// FundingRateInfo fetches funding caps, floors, and intervals for symbols
// with non-default settings.
func (b *Binance) FundingRateInfo(ctx context.Context) ([]market.FundingInfo, error) {
	var raw []struct {
		Symbol                   string `json:"symbol"`
		AdjustedFundingRateCap   string `json:"adjustedFundingRateCap"`
		AdjustedFundingRateFloor string `json:"adjustedFundingRateFloor"`
		FundingIntervalHours     int    `json:"fundingIntervalHours"`
	}
	if err := getJSON(ctx, b.httpc, "binance", b.fapi+"/fapi/v1/fundingInfo", &raw); err != nil {
		return nil, err
	}

	infos := make([]market.FundingInfo, 0, len(raw))
	for _, item := range raw {
		rateCap, err := parseDecimal("adjustedFundingRateCap", item.AdjustedFundingRateCap)
		if err != nil {
			return nil, err
		}
		rateFloor, err := parseDecimal("adjustedFundingRateFloor", item.AdjustedFundingRateFloor)
		if err != nil {
			return nil, err
		}
		infos = append(infos, market.FundingInfo{
			Symbol:               item.Symbol,
			FundingRateCap:       rateCap,
			FundingRateFloor:     rateFloor,
			FundingIntervalHours: item.FundingIntervalHours,
		})
	}
	return infos, nil
}

// OpenInterest fetches the live open interest reading for one perpetual.
func (b *Binance) OpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	var raw struct {
		Symbol       string `json:"symbol"`
		OpenInterest string `json:"openInterest"`
		Time         int64  `json:"time"`
	}
	endpoint := b.fapi + "/fapi/v1/openInterest?symbol=" + url.QueryEscape(symbol)
	if err := getJSON(ctx, b.httpc, "binance", endpoint, &raw); err != nil {
		return nil, err
	}

	oi, err := parseDecimal("openInterest", raw.OpenInterest)
	if err != nil {
		return nil, err
	}
	return &market.OpenInterest{Symbol: raw.Symbol, OpenInterest: oi, Timestamp: raw.Time}, nil
}

// OpenInterestHistory fetches bucketed open interest statistics. Binance
// keeps roughly one month of history.
func (b *Binance) OpenInterestHistory(ctx context.Context, q market.OpenInterestQuery) ([]market.OpenInterest, error) {
	if !slices.Contains(binanceOIPeriods, q.Period) {
		return nil, &market.InvalidIntervalError{Interval: q.Period, Supported: binanceOIPeriods}
	}
	limit := q.Limit
	if limit == 0 {
		limit = 30
	}
	if limit < 1 || limit > 500 {
		return nil, fmt.Errorf("limit must be between 1 and 500")
	}

	params := url.Values{}
	params.Set("symbol", q.Symbol)
	params.Set("period", q.Period)
	params.Set("limit", strconv.Itoa(limit))
	if q.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
	}
	if q.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
	}

	var raw []struct {
		Symbol               string `json:"symbol"`
		SumOpenInterest      string `json:"sumOpenInterest"`
		SumOpenInterestValue string `json:"sumOpenInterestValue"`
		Timestamp            int64  `json:"timestamp"`
	}
	endpoint := b.fapi + "/futures/data/openInterestHist?" + params.Encode()
	if err := getJSON(ctx, b.httpc, "binance", endpoint, &raw); err != nil {
		return nil, err
	}

	history := make([]market.OpenInterest, 0, len(raw))
	for _, item := range raw {
		oi, err := parseDecimal("sumOpenInterest", item.SumOpenInterest)
		if err != nil {
			return nil, err
		}
		value, err := parseDecimal("sumOpenInterestValue", item.SumOpenInterestValue)
		if err != nil {
			return nil, err
		}
		history = append(history, market.OpenInterest{
			Symbol:       item.Symbol,
			OpenInterest: oi,
			Value:        value,
			Timestamp:    item.Timestamp,
		})
	}
	return history, nil
}

// MarketData merges the premium index and 24h ticker into a live futures
// snapshot. Empty symbol covers every perpetual.
func (b *Binance) MarketData(ctx context.Context, symbol string) ([]market.MarketData, error) {
	premiums, err := b.premiumIndex(ctx, symbol)
	if err != nil {
		return nil, err
	}
	tickers, err := b.ticker24h(ctx, symbol)
	if err != nil {
		return nil, err
	}

	snapshots := make([]market.MarketData, 0, len(premiums))
	for _, p := range premiums {
		md := market.MarketData{Symbol: p.Symbol}
		if md.MarkPrice, err = parseDecimal("markPrice", p.MarkPrice); err != nil {
			return nil, err
		}
		if md.OraclePrice, err = parseDecimal("indexPrice", p.IndexPrice); err != nil {
			return nil, err
		}
		if md.FundingRate, err = parseDecimal("lastFundingRate", p.LastFundingRate); err != nil {
			return nil, err
		}
		if t, ok := tickers[p.Symbol]; ok {
			if md.PriceChange24h, err = parseDecimal("priceChangePercent", t.PriceChangePercent); err != nil {
				return nil, err
			}
			if md.Volume24hBase, err = parseDecimal("volume", t.Volume); err != nil {
				return nil, err
			}
			if md.Volume24hUSD, err = parseDecimal("quoteVolume", t.QuoteVolume); err != nil {
				return nil, err
			}
		}
		snapshots = append(snapshots, md)
	}
	return snapshots, nil
}

type binancePremium struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	Time            int64  `json:"time"`
}

// premiumIndex returns one entry per symbol; the venue responds with an
// object for a single symbol and an array otherwise.
func (b *Binance) premiumIndex(ctx context.Context, symbol string) ([]binancePremium, error) {
	endpoint := b.fapi + "/fapi/v1/premiumIndex"
	if symbol != "" {
		var one binancePremium
		if err := getJSON(ctx, b.httpc, "binance", endpoint+"?symbol="+url.QueryEscape(symbol), &one); err != nil {
			return nil, err
		}
		return []binancePremium{one}, nil
	}
	var all []binancePremium
	if err := getJSON(ctx, b.httpc, "binance", endpoint, &all); err != nil {
		return nil, err
	}
	return all, nil
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

func (b *Binance) ticker24h(ctx context.Context, symbol string) (map[string]binanceTicker, error) {
	endpoint := b.fapi + "/fapi/v1/ticker/24hr"
	var tickers []binanceTicker
	if symbol != "" {
		var one binanceTicker
		if err := getJSON(ctx, b.httpc, "binance", endpoint+"?symbol="+url.QueryEscape(symbol), &one); err != nil {
			return nil, err
		}
		tickers = []binanceTicker{one}
	} else if err := getJSON(ctx, b.httpc, "binance", endpoint, &tickers); err != nil {
		return nil, err
	}

	bySymbol := make(map[string]binanceTicker, len(tickers))
	for _, t := range tickers {
		bySymbol[t.Symbol] = t
	}
	return bySymbol, nil
}

func binanceKline(item []any) (market.Kline, error) {
	if len(item) < 11 {
		return market.Kline{}, fmt.Errorf("kline entry has %d fields, want 11", len(item))
	}
	var (
		k   market.Kline
		err error
	)
	k.OpenTime = asInt64(item[0])
	k.CloseTime = asInt64(item[6])
	k.Trades = asInt64(item[8])

	fields := []struct {
		dst  *decimal.Decimal
		name string
		src  any
	}{
		{&k.Open, "open", item[1]},
		{&k.High, "high", item[2]},
		{&k.Low, "low", item[3]},
		{&k.Close, "close", item[4]},
		{&k.Volume, "volume", item[5]},
		{&k.QuoteVolume, "quoteVolume", item[7]},
		{&k.TakerBuyBase, "takerBuyBase", item[9]},
		{&k.TakerBuyQuote, "takerBuyQuote", item[10]},
	}
	for _, f := range fields {
		if *f.dst, err = asDecimal(f.name, f.src); err != nil {
			return market.Kline{}, err
		}
	}
	return k, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing %s %q: %w", field, s, err)
	}
	return d, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func asDecimal(field string, v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return parseDecimal(field, n)
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T for %s", v, field)
	}
}
