package tools

import (
	"context"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
)

func (r *Registry) registerMarketTools() {
	exchanges := r.exchangeNames()

	r.add(Tool{
		Name:        "get_trading_pairs",
		Description: "Fetch trading pairs from a cryptocurrency exchange, filtered by status.",
		InputSchema: schema(map[string]any{
			"exchange": enumProp("Exchange name", exchanges...),
			"market":   enumProp("Market type", "spot", "futures"),
			"status":   enumProp("Pair status filter (default: active)", "active", "inactive", "all"),
		}, "exchange", "market"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Enum("market", "spot", "futures").Require(),
			validate.Enum("status", "active", "inactive", "all"),
		},
		run: r.getTradingPairs,
	})

	r.add(Tool{
		Name:        "list_supported_exchanges",
		Description: "List all supported exchanges and their available markets.",
		InputSchema: schema(map[string]any{}),
		run:         r.listSupportedExchanges,
	})

	r.add(Tool{
		Name:        "compare_exchange_pairs",
		Description: "Compare active trading pairs across multiple markets of the same exchange.",
		InputSchema: schema(map[string]any{
			"exchange": enumProp("Exchange name", exchanges...),
			"markets":  arrayProp("Market types to compare, e.g. [\"spot\", \"futures\"]"),
		}, "exchange", "markets"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Rule{Field: "markets", Kind: validate.KindType, Type: "array", Required: true},
		},
		run: r.compareExchangePairs,
	})

	r.add(Tool{
		Name:        "get_market_data",
		Description: "Fetch live market data: prices, 24h volume, funding rate, and open interest.",
		InputSchema: schema(map[string]any{
			"exchange": enumProp("Exchange name", exchanges...),
			"symbol":   prop("string", "Optional symbol filter, e.g. BTC. Omit for all markets."),
		}, "exchange"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32),
		},
		run: r.getMarketData,
	})

	r.add(Tool{
		Name:        "get_klines",
		Description: "Fetch kline/candlestick data for a trading pair.",
		InputSchema: schema(map[string]any{
			"exchange":   enumProp("Exchange name", exchanges...),
			"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
			"interval":   prop("string", "Kline interval, e.g. 1m, 1h, 1d"),
			"market":     enumProp("Market type (default: spot)", "spot", "futures"),
			"start_time": prop("integer", "Start time in unix milliseconds"),
			"end_time":   prop("integer", "End time in unix milliseconds"),
			"limit":      prop("integer", "Number of klines (venue default 500)"),
		}, "exchange", "symbol", "interval"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Length("interval", 1, 8).Require(),
			validate.Enum("market", "spot", "futures"),
			validate.Int("start_time"),
			validate.Int("end_time"),
			validate.Int("limit"),
		},
		run: r.getKlines,
	})

	r.add(Tool{
		Name:        "get_funding_rate_history",
		Description: "Fetch historical funding rates for perpetual futures contracts.",
		InputSchema: schema(map[string]any{
			"exchange":   enumProp("Exchange name", exchanges...),
			"symbol":     prop("string", "Trading pair symbol. Omit on Binance for all symbols."),
			"start_time": prop("integer", "Start time in unix milliseconds"),
			"end_time":   prop("integer", "End time in unix milliseconds"),
			"limit":      prop("integer", "Number of records (venue default 100)"),
		}, "exchange"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32),
			validate.Int("start_time"),
			validate.Int("end_time"),
			validate.Int("limit"),
		},
		run: r.getFundingRateHistory,
	})

	r.add(Tool{
		Name:        "get_funding_rate_info",
		Description: "Fetch funding rate configuration: caps, floors, and intervals.",
		InputSchema: schema(map[string]any{
			"exchange": enumProp("Exchange name", exchanges...),
		}, "exchange"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
		},
		run: r.getFundingRateInfo,
	})

	r.add(Tool{
		Name:        "get_open_interest",
		Description: "Fetch current open interest for a futures contract.",
		InputSchema: schema(map[string]any{
			"exchange": enumProp("Exchange name", exchanges...),
			"symbol":   prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		}, "exchange", "symbol"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
		},
		run: r.getOpenInterest,
	})

	r.add(Tool{
		Name:        "get_open_interest_history",
		Description: "Fetch historical open interest statistics for a futures contract.",
		InputSchema: schema(map[string]any{
			"exchange":   enumProp("Exchange name", exchanges...),
			"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
			"period":     prop("string", "Bucket period, e.g. 5m, 1h, 1d"),
			"limit":      prop("integer", "Number of records (venue default 30)"),
			"start_time": prop("integer", "Start time in unix milliseconds"),
			"end_time":   prop("integer", "End time in unix milliseconds"),
		}, "exchange", "symbol", "period"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Length("period", 1, 8).Require(),
			validate.Int("limit"),
			validate.Int("start_time"),
			validate.Int("end_time"),
		},
		run: r.getOpenInterestHistory,
	})
}

func (r *Registry) listSupportedExchanges(ctx context.Context, p Params) (any, error) {
	infos := r.svc.Exchanges()
	return map[string]any{
		"count":     len(infos),
		"exchanges": infos,
	}, nil
}

func (r *Registry) getTradingPairs(ctx context.Context, p Params) (any, error) {
	exchange := p.Str("exchange")
	mkt := marketOf(p)
	status := market.PairStatus(p.StrOr("status", "active"))

	pairs, err := r.svc.TradingPairs(ctx, exchange, mkt, status)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exchange": exchange,
		"market":   string(mkt),
		"status":   string(status),
		"count":    len(pairs),
		"pairs":    pairs,
	}, nil
}

func (r *Registry) compareExchangePairs(ctx context.Context, p Params) (any, error) {
	names := p.Strings("markets")
	mkts := make([]market.Market, len(names))
	for i, name := range names {
		mkts[i] = market.Market(name)
	}
	return r.svc.ComparePairs(ctx, p.Str("exchange"), mkts)
}

func (r *Registry) getMarketData(ctx context.Context, p Params) (any, error) {
	exchange := p.Str("exchange")
	symbol := p.Str("symbol")

	data, err := r.svc.MarketData(ctx, exchange, symbol)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"exchange": exchange,
		"count":    len(data),
		"markets":  data,
	}
	if symbol != "" {
		out["symbol_filter"] = symbol
	}
	return out, nil
}

func (r *Registry) getKlines(ctx context.Context, p Params) (any, error) {
	exchange := p.Str("exchange")
	q := market.KlineQuery{
		Symbol:    p.Str("symbol"),
		Interval:  p.Str("interval"),
		Market:    marketOf(p),
		StartTime: p.Int("start_time"),
		EndTime:   p.Int("end_time"),
		Limit:     int(p.Int("limit")),
	}

	klines, err := r.svc.Klines(ctx, exchange, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exchange": exchange,
		"symbol":   q.Symbol,
		"interval": q.Interval,
		"market":   string(q.Market),
		"count":    len(klines),
		"klines":   klines,
	}, nil
}

func (r *Registry) getFundingRateHistory(ctx context.Context, p Params) (any, error) {
	exchange := p.Str("exchange")
	q := market.FundingQuery{
		Symbol:    p.Str("symbol"),
		StartTime: p.Int("start_time"),
		EndTime:   p.Int("end_time"),
		Limit:     int(p.Int("limit")),
	}

	rates, err := r.svc.FundingRateHistory(ctx, exchange, q)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"exchange":      exchange,
		"count":         len(rates),
		"funding_rates": rates,
	}
	if q.Symbol != "" {
		out["symbol_filter"] = q.Symbol
	}
	return out, nil
}

func (r *Registry) getFundingRateInfo(ctx context.Context, p Params) (any, error) {
	exchange := p.Str("exchange")

	info, err := r.svc.FundingRateInfo(ctx, exchange)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exchange":     exchange,
		"count":        len(info),
		"funding_info": info,
	}, nil
}

func (r *Registry) getOpenInterest(ctx context.Context, p Params) (any, error) {
	exchange := p.Str("exchange")

	oi, err := r.svc.OpenInterest(ctx, exchange, p.Str("symbol"))
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"exchange":      exchange,
		"symbol":        oi.Symbol,
		"open_interest": oi.OpenInterest,
		"timestamp":     oi.Timestamp,
	}
	if !oi.Value.IsZero() {
		out["value"] = oi.Value
	}
	return out, nil
}

func (r *Registry) getOpenInterestHistory(ctx context.Context, p Params) (any, error) {
	exchange := p.Str("exchange")
	q := market.OpenInterestQuery{
		Symbol:    p.Str("symbol"),
		Period:    p.Str("period"),
		StartTime: p.Int("start_time"),
		EndTime:   p.Int("end_time"),
		Limit:     int(p.Int("limit")),
	}

	history, err := r.svc.OpenInterestHistory(ctx, exchange, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exchange": exchange,
		"symbol":   q.Symbol,
		"period":   q.Period,
		"count":    len(history),
		"history":  history,
	}, nil
}
