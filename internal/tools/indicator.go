package tools

import (
	"context"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
	"github.com/pandalabs/panda-mcp/internal/indicator"
)

const defaultIndicatorKlines = 100

// indicatorResponse inlines the computed series next to the request
// context that produced it.
type indicatorResponse struct {
	Exchange    string `json:"exchange"`
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	Market      string `json:"market"`
	KlinesCount int    `json:"klines_count"`
	*indicator.Result
}

func (r *Registry) registerIndicatorTools() {
	exchanges := r.exchangeNames()

	r.add(Tool{
		Name:        "calculate_indicator",
		Description: "Calculate a single technical indicator over fetched klines.",
		InputSchema: schema(map[string]any{
			"exchange":  enumProp("Exchange name", exchanges...),
			"symbol":    prop("string", "Trading pair symbol, e.g. BTCUSDT"),
			"interval":  prop("string", "Kline interval, e.g. 1h, 1d"),
			"indicator": enumProp("Indicator name", indicator.Known()...),
			"market":    enumProp("Market type (default: spot)", "spot", "futures"),
			"period":    prop("integer", "Override the indicator's default period"),
			"limit":     prop("integer", "Number of klines to fetch (default: 100)"),
		}, "exchange", "symbol", "interval", "indicator"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Length("interval", 1, 8).Require(),
			validate.Enum("indicator", indicator.Known()...).Require(),
			validate.Enum("market", "spot", "futures"),
			validate.Int("period"),
			validate.Int("limit"),
		},
		run: r.calculateIndicator,
	})

	r.add(Tool{
		Name:        "calculate_multiple_indicators",
		Description: "Calculate several technical indicators at once over one kline fetch.",
		InputSchema: schema(map[string]any{
			"exchange":   enumProp("Exchange name", exchanges...),
			"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
			"interval":   prop("string", "Kline interval, e.g. 1h, 1d"),
			"indicators": arrayProp("Indicator names, optionally period-suffixed: RSI, MACD, EMA_50"),
			"market":     enumProp("Market type (default: spot)", "spot", "futures"),
			"limit":      prop("integer", "Number of klines to fetch (default: 100)"),
		}, "exchange", "symbol", "interval", "indicators"),
		Rules: []validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Length("interval", 1, 8).Require(),
			validate.Rule{Field: "indicators", Kind: validate.KindType, Type: "array", Required: true},
			validate.Enum("market", "spot", "futures"),
			validate.Int("limit"),
		},
		run: r.calculateMultipleIndicators,
	})
}

func (r *Registry) fetchIndicatorKlines(ctx context.Context, p Params) (string, market.KlineQuery, []market.Kline, error) {
	exchange := p.Str("exchange")
	q := market.KlineQuery{
		Symbol:   p.Str("symbol"),
		Interval: p.Str("interval"),
		Market:   marketOf(p),
		Limit:    int(p.IntOr("limit", defaultIndicatorKlines)),
	}
	klines, err := r.svc.Klines(ctx, exchange, q)
	return exchange, q, klines, err
}

func (r *Registry) calculateIndicator(ctx context.Context, p Params) (any, error) {
	exchange, q, klines, err := r.fetchIndicatorKlines(ctx, p)
	if err != nil {
		return nil, err
	}

	result, err := indicator.Compute(p.Str("indicator"), klines, int(p.Int("period")))
	if err != nil {
		return nil, err
	}
	return &indicatorResponse{
		Exchange:    exchange,
		Symbol:      q.Symbol,
		Interval:    q.Interval,
		Market:      string(q.Market),
		KlinesCount: len(klines),
		Result:      result,
	}, nil
}

func (r *Registry) calculateMultipleIndicators(ctx context.Context, p Params) (any, error) {
	exchange, q, klines, err := r.fetchIndicatorKlines(ctx, p)
	if err != nil {
		return nil, err
	}

	results, skipped := indicator.ComputeAll(p.Strings("indicators"), klines)
	calculated := make([]string, len(results))
	for i, res := range results {
		calculated[i] = res.Indicator
	}

	out := map[string]any{
		"exchange":              exchange,
		"symbol":                q.Symbol,
		"interval":              q.Interval,
		"market":                string(q.Market),
		"klines_count":          len(klines),
		"indicators":            results,
		"indicators_calculated": calculated,
	}
	if len(skipped) > 0 {
		out["indicators_skipped"] = skipped
	}
	return out, nil
}
