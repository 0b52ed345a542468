package tools

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/export"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
	"github.com/pandalabs/panda-mcp/internal/indicator"
)

func (r *Registry) registerExportTools() {
	exchanges := r.exchangeNames()

	formatProps := map[string]any{
		"format":   enumProp("Export format (default: json)", "json", "csv"),
		"compress": prop("boolean", "Gzip the output file"),
	}
	formatRules := []validate.Rule{
		validate.Enum("format", "json", "csv"),
		validate.Bool("compress"),
	}

	klineProps := map[string]any{
		"exchange":   enumProp("Exchange name", exchanges...),
		"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		"interval":   prop("string", "Kline interval, e.g. 1h, 1d"),
		"market":     enumProp("Market type (default: spot)", "spot", "futures"),
		"start_time": prop("integer", "Start time in unix milliseconds"),
		"end_time":   prop("integer", "End time in unix milliseconds"),
		"limit":      prop("integer", "Number of klines to fetch (default: 500)"),
	}
	for k, v := range formatProps {
		klineProps[k] = v
	}
	r.add(Tool{
		Name:        "export_klines",
		Description: "Fetch kline data and write it to a CSV or JSON file.",
		InputSchema: schema(klineProps, "exchange", "symbol", "interval"),
		Rules: append([]validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Length("interval", 1, 8).Require(),
			validate.Enum("market", "spot", "futures"),
			validate.Int("start_time"),
			validate.Int("end_time"),
			validate.Int("limit"),
		}, formatRules...),
		run: r.exportKlines,
	})

	fundingProps := map[string]any{
		"exchange":   enumProp("Exchange name", exchanges...),
		"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		"start_time": prop("integer", "Start time in unix milliseconds"),
		"end_time":   prop("integer", "End time in unix milliseconds"),
		"limit":      prop("integer", "Number of records to fetch (default: 100)"),
	}
	for k, v := range formatProps {
		fundingProps[k] = v
	}
	r.add(Tool{
		Name:        "export_funding_rate",
		Description: "Fetch funding rate history and write it to a CSV or JSON file.",
		InputSchema: schema(fundingProps, "exchange", "symbol"),
		Rules: append([]validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Int("start_time"),
			validate.Int("end_time"),
			validate.Int("limit"),
		}, formatRules...),
		run: r.exportFundingRate,
	})

	oiProps := map[string]any{
		"exchange":   enumProp("Exchange name", exchanges...),
		"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		"interval":   prop("string", "History bucket period; omit for the current reading"),
		"start_time": prop("integer", "Start time in unix milliseconds"),
		"end_time":   prop("integer", "End time in unix milliseconds"),
		"limit":      prop("integer", "Number of records to fetch (default: 50)"),
	}
	for k, v := range formatProps {
		oiProps[k] = v
	}
	r.add(Tool{
		Name:        "export_open_interest",
		Description: "Fetch open interest data and write it to a CSV or JSON file.",
		InputSchema: schema(oiProps, "exchange", "symbol"),
		Rules: append([]validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Length("interval", 1, 8),
			validate.Int("start_time"),
			validate.Int("end_time"),
			validate.Int("limit"),
		}, formatRules...),
		run: r.exportOpenInterest,
	})

	pairProps := map[string]any{
		"exchange": enumProp("Exchange name", exchanges...),
		"market":   enumProp("Market type", "spot", "futures"),
		"status":   enumProp("Pair status filter (default: active)", "active", "inactive", "all"),
	}
	for k, v := range formatProps {
		pairProps[k] = v
	}
	r.add(Tool{
		Name:        "export_trading_pairs",
		Description: "Fetch trading pairs and write them to a CSV or JSON file.",
		InputSchema: schema(pairProps, "exchange", "market"),
		Rules: append([]validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Enum("market", "spot", "futures").Require(),
			validate.Enum("status", "active", "inactive", "all"),
		}, formatRules...),
		run: r.exportTradingPairs,
	})

	indProps := map[string]any{
		"exchange":   enumProp("Exchange name", exchanges...),
		"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		"interval":   prop("string", "Kline interval, e.g. 1h, 1d"),
		"indicators": arrayProp("Indicator names, optionally period-suffixed: RSI, MACD, EMA_50"),
		"market":     enumProp("Market type (default: spot)", "spot", "futures"),
		"limit":      prop("integer", "Number of klines to fetch (default: 100)"),
	}
	for k, v := range formatProps {
		indProps[k] = v
	}
	r.add(Tool{
		Name:        "export_indicator_data",
		Description: "Calculate indicators and write the series to a CSV or JSON file.",
		InputSchema: schema(indProps, "exchange", "symbol", "interval", "indicators"),
		Rules: append([]validate.Rule{
			validate.Enum("exchange", exchanges...).Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Length("interval", 1, 8).Require(),
			validate.Rule{Field: "indicators", Kind: validate.KindType, Type: "array", Required: true},
			validate.Enum("market", "spot", "futures"),
			validate.Int("limit"),
		}, formatRules...),
		run: r.exportIndicatorData,
	})
}

// exportPayload merges the write result with the request context keys
// callers expect to see echoed back.
func exportPayload(res *export.Result, meta map[string]any) map[string]any {
	out := map[string]any{
		"status":           "success",
		"file_path":        res.Path,
		"records_exported": res.Records,
		"file_size_bytes":  res.SizeBytes,
		"format":           res.Format,
	}
	if len(res.Columns) > 0 {
		out["columns"] = res.Columns
	}
	if res.Compressed {
		out["compressed"] = true
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func (r *Registry) exportKlines(ctx context.Context, p Params) (any, error) {
	if r.exporter == nil {
		return nil, errors.New("exports are not enabled on this server")
	}
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

	format := p.StrOr("format", "json")
	compress := p.BoolOr("compress", r.exporter.DefaultCompress())
	name := r.exporter.Filename(exchange, "klines_"+q.Interval, q.Symbol, format)

	var res *export.Result
	if format == "csv" {
		header := []string{
			"open_time", "open", "high", "low", "close", "volume",
			"close_time", "quote_volume", "trades", "taker_buy_base", "taker_buy_quote",
		}
		rows := make([][]string, len(klines))
		for i, k := range klines {
			rows[i] = []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open.String(), k.High.String(), k.Low.String(), k.Close.String(), k.Volume.String(),
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteVolume.String(),
				strconv.FormatInt(k.Trades, 10),
				k.TakerBuyBase.String(), k.TakerBuyQuote.String(),
			}
		}
		res, err = r.exporter.WriteCSV(name, header, rows, compress)
	} else {
		res, err = r.exporter.WriteJSON(name, klines, len(klines), compress)
	}
	if err != nil {
		return nil, err
	}
	return exportPayload(res, map[string]any{
		"exchange": exchange,
		"symbol":   q.Symbol,
		"interval": q.Interval,
		"market":   string(q.Market),
	}), nil
}

func (r *Registry) exportFundingRate(ctx context.Context, p Params) (any, error) {
	if r.exporter == nil {
		return nil, errors.New("exports are not enabled on this server")
	}
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

	format := p.StrOr("format", "json")
	compress := p.BoolOr("compress", r.exporter.DefaultCompress())
	name := r.exporter.Filename(exchange, "funding_rate", q.Symbol, format)

	var res *export.Result
	if format == "csv" {
		header := []string{"symbol", "funding_rate", "funding_time", "mark_price"}
		rows := make([][]string, len(rates))
		for i, fr := range rates {
			rows[i] = []string{
				fr.Symbol,
				fr.FundingRate.String(),
				strconv.FormatInt(fr.FundingTime, 10),
				fr.MarkPrice.String(),
			}
		}
		res, err = r.exporter.WriteCSV(name, header, rows, compress)
	} else {
		res, err = r.exporter.WriteJSON(name, rates, len(rates), compress)
	}
	if err != nil {
		return nil, err
	}
	return exportPayload(res, map[string]any{
		"exchange": exchange,
		"symbol":   q.Symbol,
	}), nil
}

func (r *Registry) exportOpenInterest(ctx context.Context, p Params) (any, error) {
	if r.exporter == nil {
		return nil, errors.New("exports are not enabled on this server")
	}
	exchange := p.Str("exchange")
	symbol := p.Str("symbol")
	interval := p.Str("interval")

	var readings []market.OpenInterest
	kind := "open_interest"
	if interval != "" {
		kind += "_" + interval
		history, err := r.svc.OpenInterestHistory(ctx, exchange, market.OpenInterestQuery{
			Symbol:    symbol,
			Period:    interval,
			StartTime: p.Int("start_time"),
			EndTime:   p.Int("end_time"),
			Limit:     int(p.IntOr("limit", 50)),
		})
		if err != nil {
			return nil, err
		}
		readings = history
	} else {
		current, err := r.svc.OpenInterest(ctx, exchange, symbol)
		if err != nil {
			return nil, err
		}
		readings = []market.OpenInterest{*current}
	}

	format := p.StrOr("format", "json")
	compress := p.BoolOr("compress", r.exporter.DefaultCompress())
	name := r.exporter.Filename(exchange, kind, symbol, format)

	var res *export.Result
	var err error
	if format == "csv" {
		header := []string{"symbol", "open_interest", "value", "timestamp"}
		rows := make([][]string, len(readings))
		for i, oi := range readings {
			rows[i] = []string{
				oi.Symbol,
				oi.OpenInterest.String(),
				oi.Value.String(),
				strconv.FormatInt(oi.Timestamp, 10),
			}
		}
		res, err = r.exporter.WriteCSV(name, header, rows, compress)
	} else {
		res, err = r.exporter.WriteJSON(name, readings, len(readings), compress)
	}
	if err != nil {
		return nil, err
	}
	return exportPayload(res, map[string]any{
		"exchange": exchange,
		"symbol":   symbol,
	}), nil
}

func (r *Registry) exportTradingPairs(ctx context.Context, p Params) (any, error) {
	if r.exporter == nil {
		return nil, errors.New("exports are not enabled on this server")
	}
	exchange := p.Str("exchange")
	mkt := marketOf(p)
	status := market.PairStatus(p.StrOr("status", "active"))

	pairs, err := r.svc.TradingPairs(ctx, exchange, mkt, status)
	if err != nil {
		return nil, err
	}

	format := p.StrOr("format", "json")
	compress := p.BoolOr("compress", r.exporter.DefaultCompress())
	kind := "trading_pairs_" + string(mkt) + "_" + string(status)
	name := r.exporter.Filename(exchange, kind, "", format)

	var res *export.Result
	if format == "csv" {
		header := []string{"symbol", "pair", "exchange", "is_active"}
		rows := make([][]string, len(pairs))
		for i, pair := range pairs {
			rows[i] = []string{
				pair.Symbol,
				pair.Pair,
				pair.Exchange,
				strconv.FormatBool(pair.IsActive),
			}
		}
		res, err = r.exporter.WriteCSV(name, header, rows, compress)
	} else {
		res, err = r.exporter.WriteJSON(name, pairs, len(pairs), compress)
	}
	if err != nil {
		return nil, err
	}
	return exportPayload(res, map[string]any{
		"exchange": exchange,
		"market":   string(mkt),
		"status":   string(status),
	}), nil
}

func (r *Registry) exportIndicatorData(ctx context.Context, p Params) (any, error) {
	if r.exporter == nil {
		return nil, errors.New("exports are not enabled on this server")
	}
	exchange, q, klines, err := r.fetchIndicatorKlines(ctx, p)
	if err != nil {
		return nil, err
	}

	requested := p.Strings("indicators")
	results, skipped := indicator.ComputeAll(requested, klines)
	if len(results) == 0 {
		return nil, errors.New("no indicators could be calculated")
	}

	format := p.StrOr("format", "json")
	compress := p.BoolOr("compress", r.exporter.DefaultCompress())
	tag := requested
	if len(tag) > 3 {
		tag = tag[:3]
	}
	kind := "indicators_" + strings.Join(tag, "_") + "_" + q.Interval
	name := r.exporter.Filename(exchange, kind, q.Symbol, format)

	var res *export.Result
	if format == "csv" {
		header, rows := indicatorTable(results)
		res, err = r.exporter.WriteCSV(name, header, rows, compress)
	} else {
		res, err = r.exporter.WriteJSON(name, results, len(results), compress)
	}
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"exchange":              exchange,
		"symbol":                q.Symbol,
		"interval":              q.Interval,
		"market":                string(q.Market),
		"indicators_calculated": len(results),
	}
	if len(skipped) > 0 {
		meta["indicators_skipped"] = skipped
	}
	return exportPayload(res, meta), nil
}

// indicatorTable flattens columnar indicator results into one table
// keyed by timestamp. Warmup entries become empty cells.
func indicatorTable(results []*indicator.Result) ([]string, [][]string) {
	header := []string{"timestamp"}
	var columns [][]*float64
	for _, res := range results {
		names := make([]string, 0, len(res.Columns))
		for name := range res.Columns {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			header = append(header, name)
			columns = append(columns, res.Columns[name])
		}
	}

	ts := results[0].Timestamps
	rows := make([][]string, len(ts))
	for i, t := range ts {
		row := make([]string, 0, len(header))
		row = append(row, strconv.FormatInt(t, 10))
		for _, col := range columns {
			if i >= len(col) || col[i] == nil {
				row = append(row, "")
				continue
			}
			row = append(row, strconv.FormatFloat(*col[i], 'f', -1, 64))
		}
		rows[i] = row
	}
	return header, rows
}
