// Package market defines the venue-neutral market data model and the
// service that orchestrates per-exchange clients.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market selects the instrument class on venues that list both.
type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

// PairStatus filters trading pair listings.
type PairStatus string

const (
	StatusActive   PairStatus = "active"
	StatusInactive PairStatus = "inactive"
	StatusAll      PairStatus = "all"
)

// UnknownExchangeError indicates a venue name the registry does not know.
type UnknownExchangeError struct {
	Exchange string
}

func (e *UnknownExchangeError) Error() string {
	return fmt.Sprintf("unknown exchange %q", e.Exchange)
}

// UnsupportedError indicates an operation a venue cannot serve, such as
// historical klines on Hyperliquid.
type UnsupportedError struct {
	Exchange  string
	Operation string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("exchange %q does not support %s", e.Exchange, e.Operation)
}

// InvalidIntervalError indicates an interval outside the venue's candle grid.
type InvalidIntervalError struct {
	Interval  string
	Supported []string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval %q, supported: %v", e.Interval, e.Supported)
}

// Pair is one listed instrument. Symbol is the base asset, Pair the full
// venue-specific ticker (BTC vs BTCUSDT).
type Pair struct {
	Symbol   string `json:"symbol"`
	Pair     string `json:"pair"`
	Exchange string `json:"exchange"`
	IsActive bool   `json:"is_active"`
}

// PairsResult splits a venue listing into tradable and delisted pairs.
type PairsResult struct {
	Active   []Pair
	Inactive []Pair
}

// Kline is one OHLCV candle. Prices and volumes keep exchange precision.
type Kline struct {
	OpenTime      int64           `json:"open_time"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	CloseTime     int64           `json:"close_time,omitempty"`
	QuoteVolume   decimal.Decimal `json:"quote_volume,omitempty"`
	Trades        int64           `json:"trades,omitempty"`
	TakerBuyBase  decimal.Decimal `json:"taker_buy_base,omitempty"`
	TakerBuyQuote decimal.Decimal `json:"taker_buy_quote,omitempty"`
}

// KlineQuery narrows a candle request. Zero StartTime/EndTime mean the
// venue default window; times are unix milliseconds.
type KlineQuery struct {
	Symbol    string
	Interval  string
	Market    Market
	StartTime int64
	EndTime   int64
	Limit     int
}

// FundingRate is one settled funding payment on a perpetual.
type FundingRate struct {
	Symbol      string          `json:"symbol"`
	FundingRate decimal.Decimal `json:"funding_rate"`
	FundingTime int64           `json:"funding_time"`
	MarkPrice   decimal.Decimal `json:"mark_price,omitempty"`
}

// FundingQuery narrows a funding rate history request.
type FundingQuery struct {
	Symbol    string
	StartTime int64
	EndTime   int64
	Limit     int
}

// FundingInfo describes a perpetual's funding configuration.
type FundingInfo struct {
	Symbol               string          `json:"symbol"`
	FundingRateCap       decimal.Decimal `json:"funding_rate_cap"`
	FundingRateFloor     decimal.Decimal `json:"funding_rate_floor"`
	FundingIntervalHours int             `json:"funding_interval_hours"`
}

// OpenInterest is a point-in-time open interest reading.
type OpenInterest struct {
	Symbol       string          `json:"symbol"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	Value        decimal.Decimal `json:"value,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// OpenInterestQuery narrows an open interest history request. Period is a
// venue bucket such as 5m or 1d.
type OpenInterestQuery struct {
	Symbol    string
	Period    string
	StartTime int64
	EndTime   int64
	Limit     int
}

// MarketData is a live per-asset snapshot, currently the Hyperliquid
// metaAndAssetCtxs shape.
type MarketData struct {
	Symbol         string          `json:"symbol"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	OraclePrice    decimal.Decimal `json:"oracle_price,omitempty"`
	MidPrice       decimal.Decimal `json:"mid_price,omitempty"`
	PrevDayPrice   decimal.Decimal `json:"prev_day_price,omitempty"`
	PriceChange24h decimal.Decimal `json:"price_change_24h"`
	Volume24hBase  decimal.Decimal `json:"volume_24h_base,omitempty"`
	Volume24hUSD   decimal.Decimal `json:"volume_24h_usd,omitempty"`
	FundingRate    decimal.Decimal `json:"funding_rate,omitempty"`
	OpenInterest   decimal.Decimal `json:"open_interest,omitempty"`
	Premium        decimal.Decimal `json:"premium,omitempty"`
	MaxLeverage    int             `json:"max_leverage,omitempty"`
	IsDelisted     bool            `json:"is_delisted,omitempty"`
}

// ExchangeInfo describes one registered venue for discovery listings.
type ExchangeInfo struct {
	Name        string   `json:"name"`
	Markets     []string `json:"markets"`
	Description string   `json:"description"`
}

// PairComparison reports symbol overlap between two markets of one venue.
type PairComparison struct {
	Exchange  string         `json:"exchange"`
	Markets   []string       `json:"markets_compared"`
	FirstOnly []string       `json:"first_only"`
	OtherOnly []string       `json:"other_only"`
	Both      []string       `json:"both_markets"`
	Counts    map[string]int `json:"counts"`
}

// UnixMilli converts a kline open time to wall clock for display layers.
func (k Kline) UnixMilli() time.Time {
	return time.UnixMilli(k.OpenTime)
}
