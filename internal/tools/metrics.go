package tools

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/pandalabs/panda-mcp/internal/gate/validate"
	"github.com/pandalabs/panda-mcp/internal/metrics"
)

func (r *Registry) registerMetricTools() {
	epochProps := func(lowKey, highKey string) map[string]any {
		return map[string]any{
			lowKey:  prop("integer", "Start time as unix timestamp in seconds"),
			highKey: prop("integer", "End time as unix timestamp in seconds"),
		}
	}

	ddProps := map[string]any{
		"exchange_type": enumProp("Data source class", "CEX", "DEX"),
		"timeframe":     prop("string", "Time interval, e.g. 15m, 1H, 1D"),
		"version":       prop("integer", "Backend API version (default: 4)"),
		"exchange":      prop("string", "CEX only: exchange name, e.g. bybit-futures"),
		"token":         prop("string", "CEX only: trading pair, e.g. BTCUSDT"),
		"chain":         prop("string", "DEX only: blockchain network, e.g. ethereum"),
		"pool_address":  prop("string", "DEX only: pool address"),
	}
	for k, v := range epochProps("start_epoch", "end_epoch") {
		ddProps[k] = v
	}
	r.add(Tool{
		Name:        "get_divine_dip_metric",
		Description: "Fetch the Divine Dip metric, which flags significant price dips.",
		InputSchema: schema(ddProps, "exchange_type", "timeframe", "start_epoch", "end_epoch"),
		Rules: []validate.Rule{
			validate.Enum("exchange_type", "CEX", "DEX").Require(),
			validate.Length("timeframe", 1, 8).Require(),
			validate.Int("start_epoch").Require(),
			validate.Int("end_epoch").Require(),
			validate.Int("version"),
			validate.Length("exchange", 1, 64),
			validate.Length("token", 1, 32),
			validate.Length("chain", 1, 32),
			validate.Length("pool_address", 1, 128),
		},
		run: r.getDivineDipMetric,
	})

	obProps := map[string]any{
		"metric": enumProp("Orderbook metric",
			"bid_ask", "bid_ask_ratio", "bid_ask_delta", "bid_ask_cvd",
			"total_volume", "bid_increase_decrease", "ask_increase_decrease",
			"bid_ask_ratio_inc_dec"),
		"symbol":    prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		"exchange":  prop("string", "Exchange name, e.g. binance-futures"),
		"timeframe": prop("string", "Time interval, e.g. 15m, 1H, 1D"),
		"volume":    prop("string", "Depth range as percent from best bid/ask, e.g. 0-1"),
	}
	for k, v := range epochProps("epoch_low", "epoch_high") {
		obProps[k] = v
	}
	r.add(Tool{
		Name:        "get_orderbook_metric",
		Description: "Fetch orderbook-derived metrics: bid/ask ratios, deltas, and CVD.",
		InputSchema: schema(obProps, "metric", "symbol", "exchange", "timeframe", "volume", "epoch_low", "epoch_high"),
		Rules:       workbenchRules(),
		run:         r.getOrderbookMetric,
	})

	jlProps := map[string]any{
		"metric":     enumProp("Metric type", "slippage", "price_equilibrium"),
		"symbol":     prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		"time_delta": prop("integer", "Timezone offset in minutes, e.g. 0 for UTC, 330 for India"),
	}
	for k, v := range epochProps("start_epoch", "end_epoch") {
		jlProps[k] = v
	}
	r.add(Tool{
		Name:        "get_jlabs_metric",
		Description: "Fetch JLabs liquidity metrics (slippage, price equilibrium) with 30-minute binning.",
		InputSchema: schema(jlProps, "metric", "symbol", "time_delta", "start_epoch", "end_epoch"),
		Rules: []validate.Rule{
			validate.Enum("metric", "slippage", "price_equilibrium").Require(),
			validate.Length("symbol", 1, 32).Require(),
			validate.Int("time_delta").Require(),
			validate.Int("start_epoch").Require(),
			validate.Int("end_epoch").Require(),
		},
		run: r.getJLabsMetric,
	})

	ofProps := map[string]any{
		"metric": enumProp("Orderflow metric",
			"trade_vol", "trade_count", "tradebook_delta", "tradebook_cumulative_delta"),
		"symbol":    prop("string", "Trading pair symbol, e.g. BTCUSDT"),
		"exchange":  prop("string", "Exchange name, e.g. binance-futures"),
		"timeframe": prop("string", "Time interval, e.g. 15m, 1H, 1D"),
		"volume":    prop("string", "Trade size tier in USD, e.g. 0-1k, 1m-10m"),
	}
	for k, v := range epochProps("epoch_low", "epoch_high") {
		ofProps[k] = v
	}
	r.add(Tool{
		Name:        "get_orderflow_metric",
		Description: "Fetch tradebook metrics: buy/sell volumes, counts, deltas, and CVD by trade size.",
		InputSchema: schema(ofProps, "metric", "symbol", "exchange", "timeframe", "volume", "epoch_low", "epoch_high"),
		Rules:       workbenchRules(),
		run:         r.getOrderflowMetric,
	})

	modelProps := map[string]any{
		"metric":       enumProp("Model name", "cari", "dxy_risk", "rosi", "token_rating"),
		"timeframe":    prop("string", "Time interval, e.g. 4H, 1D, 1W, 1M"),
		"symbol":       prop("string", "Symbol, required for rosi and token_rating. USDT suffix is stripped."),
		"start_epoch":  prop("integer", "Start time in unix seconds (v1 only)"),
		"end_epoch":    prop("integer", "End time in unix seconds (v1 only)"),
		"metric_param": prop("string", "Token Rating sub-metric, e.g. Overall Rating (v2/v3 only)"),
		"api_version":  enumProp("Backend API version (default: v1)", "v1", "v2", "v3"),
	}
	r.add(Tool{
		Name:        "get_jlabs_model",
		Description: "Fetch JLabs proprietary models: CARI, DXY Risk, ROSI, and Token Rating.",
		InputSchema: schema(modelProps, "metric", "timeframe"),
		Rules: []validate.Rule{
			validate.Enum("metric", "cari", "dxy_risk", "rosi", "token_rating").Require(),
			validate.Length("timeframe", 1, 8).Require(),
			validate.Length("symbol", 1, 32),
			validate.Int("start_epoch"),
			validate.Int("end_epoch"),
			validate.Length("metric_param", 1, 64),
			validate.Enum("api_version", "v1", "v2", "v3"),
		},
		run: r.getJLabsModel,
	})
}

func workbenchRules() []validate.Rule {
	return []validate.Rule{
		validate.Length("metric", 1, 64).Require(),
		validate.Length("symbol", 1, 32).Require(),
		validate.Length("exchange", 1, 64).Require(),
		validate.Length("timeframe", 1, 8).Require(),
		validate.Length("volume", 1, 16).Require(),
		validate.Int("epoch_low").Require(),
		validate.Int("epoch_high").Require(),
	}
}

func (r *Registry) backend() (*metrics.Client, error) {
	if r.metrics == nil {
		return nil, errors.New("metrics backend is not configured")
	}
	return r.metrics, nil
}

// annotate adds request context keys to the backend payload without
// clobbering anything the backend already set.
func annotate(payload map[string]any, meta map[string]any) map[string]any {
	if payload == nil {
		payload = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	return payload
}

func (r *Registry) getDivineDipMetric(ctx context.Context, p Params) (any, error) {
	client, err := r.backend()
	if err != nil {
		return nil, err
	}

	exchangeType := p.Str("exchange_type")
	var payload map[string]any
	switch exchangeType {
	case "CEX":
		if p.Str("exchange") == "" || p.Str("token") == "" {
			return nil, errors.New("CEX metrics require exchange and token")
		}
		payload, err = client.CEXMetric(ctx, metrics.CEXQuery{
			Metric:     "divine_dip",
			Exchange:   p.Str("exchange"),
			Token:      p.Str("token"),
			Timeframe:  p.Str("timeframe"),
			StartEpoch: p.Int("start_epoch"),
			EndEpoch:   p.Int("end_epoch"),
			Version:    int(p.Int("version")),
		})
	case "DEX":
		if p.Str("chain") == "" || p.Str("pool_address") == "" {
			return nil, errors.New("DEX metrics require chain and pool_address")
		}
		payload, err = client.DEXMetric(ctx, metrics.DEXQuery{
			Metric:      "divine_dip",
			Chain:       p.Str("chain"),
			PoolAddress: p.Str("pool_address"),
			Timeframe:   p.Str("timeframe"),
			StartEpoch:  p.Int("start_epoch"),
			EndEpoch:    p.Int("end_epoch"),
			Version:     int(p.Int("version")),
		})
	}
	if err != nil {
		return nil, err
	}
	return annotate(payload, map[string]any{
		"metric":        "divine_dip",
		"exchange_type": exchangeType,
		"timeframe":     p.Str("timeframe"),
	}), nil
}

func (r *Registry) getOrderbookMetric(ctx context.Context, p Params) (any, error) {
	client, err := r.backend()
	if err != nil {
		return nil, err
	}
	q := workbenchQuery(p)
	payload, err := client.OrderbookMetric(ctx, q)
	if err != nil {
		return nil, err
	}
	return annotate(payload, workbenchMeta(q)), nil
}

func (r *Registry) getOrderflowMetric(ctx context.Context, p Params) (any, error) {
	client, err := r.backend()
	if err != nil {
		return nil, err
	}
	q := workbenchQuery(p)
	payload, err := client.OrderflowMetric(ctx, q)
	if err != nil {
		return nil, err
	}
	return annotate(payload, workbenchMeta(q)), nil
}

func workbenchQuery(p Params) metrics.WorkbenchQuery {
	return metrics.WorkbenchQuery{
		Metric:    p.Str("metric"),
		Symbol:    p.Str("symbol"),
		Exchange:  p.Str("exchange"),
		Timeframe: p.Str("timeframe"),
		Volume:    p.Str("volume"),
		EpochLow:  p.Int("epoch_low"),
		EpochHigh: p.Int("epoch_high"),
	}
}

func workbenchMeta(q metrics.WorkbenchQuery) map[string]any {
	return map[string]any{
		"metric":    strings.ToLower(q.Metric),
		"symbol":    q.Symbol,
		"exchange":  q.Exchange,
		"timeframe": q.Timeframe,
		"volume":    strings.ToLower(q.Volume),
	}
}

func (r *Registry) getJLabsMetric(ctx context.Context, p Params) (any, error) {
	client, err := r.backend()
	if err != nil {
		return nil, err
	}

	q := metrics.JLabsV1Query{
		Metric:     p.Str("metric"),
		Symbol:     p.Str("symbol"),
		TimeDelta:  int(p.Int("time_delta")),
		StartEpoch: p.Int("start_epoch"),
		EndEpoch:   p.Int("end_epoch"),
	}
	payload, err := client.JLabsV1Metric(ctx, q)
	if err != nil {
		return nil, err
	}
	return annotate(payload, map[string]any{
		"metric":     q.Metric,
		"symbol":     q.Symbol,
		"time_delta": q.TimeDelta,
	}), nil
}

func (r *Registry) getJLabsModel(ctx context.Context, p Params) (any, error) {
	client, err := r.backend()
	if err != nil {
		return nil, err
	}

	metric := p.Str("metric")
	symbol := strings.TrimSuffix(strings.ToUpper(p.Str("symbol")), "USDT")
	if symbol == "" && (metric == "rosi" || metric == "token_rating") {
		return nil, errors.Errorf("model %s requires a symbol", metric)
	}

	version := p.StrOr("api_version", "v1")
	var payload map[string]any
	var err2 error
	if version == "v1" {
		if p.Int("start_epoch") == 0 || p.Int("end_epoch") == 0 {
			return nil, errors.New("v1 models require start_epoch and end_epoch")
		}
		payload, err2 = client.ModelV1(ctx, metrics.ModelQuery{
			Metric:     metric,
			Symbol:     symbol,
			Timeframe:  p.Str("timeframe"),
			StartEpoch: p.Int("start_epoch"),
			EndEpoch:   p.Int("end_epoch"),
		})
	} else {
		if metric == "token_rating" && p.Str("metric_param") == "" {
			return nil, errors.New("token_rating on v2/v3 requires metric_param")
		}
		ver := 2
		if version == "v3" {
			ver = 3
		}
		payload, err2 = client.ModelV2(ctx, metrics.ModelQuery{
			Metric:      modelTitle(metric),
			Symbol:      symbol,
			Timeframe:   p.Str("timeframe"),
			Version:     ver,
			MetricParam: p.Str("metric_param"),
		})
	}
	if err2 != nil {
		return nil, err2
	}
	return annotate(payload, map[string]any{
		"metric":      metric,
		"api_version": version,
		"timeframe":   p.Str("timeframe"),
	}), nil
}

// modelTitle maps the lowercase model name onto the display form the
// v2/v3 endpoint expects.
func modelTitle(metric string) string {
	switch metric {
	case "cari":
		return "CARI"
	case "dxy_risk":
		return "DXY Risk"
	case "rosi":
		return "ROSI"
	case "token_rating":
		return "Token rating"
	}
	return metric
}
