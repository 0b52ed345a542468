// Package metrics is a client for the panda-backend-api, which serves
// proprietary market metrics: dip detection, orderbook and orderflow
// aggregates, and the JLabs model family.
//
// Responses are passed through as decoded JSON rather than typed
// structs; the backend evolves its payloads independently and callers
// mostly relay them verbatim.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
)

const defaultVersion = 4

// Config carries backend connection settings.
type Config struct {
	BaseURL string
	APIKey  string
}

// BackendError reports a non-2xx response from the backend.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("metrics backend: unexpected status %d: %s", e.Status, e.Body)
}

// Client talks to the panda-backend-api.
type Client struct {
	httpc     *http.Client
	base      string
	key       string
	retryWait time.Duration
}

// NewClient builds a backend client. The base URL is mandatory; the API
// key may be empty for backends that do not require one.
func NewClient(httpc *http.Client, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("metrics backend base URL is required")
	}
	return &Client{
		httpc:     httpc,
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		key:       cfg.APIKey,
		retryWait: 2 * time.Second,
	}, nil
}

// Ping verifies the backend answers HTTP at all. Any status code counts;
// reachability does not require a route that authorizes us.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/", nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "metrics backend")
	}
	_ = resp.Body.Close()
	return nil
}

// CEXQuery selects a metric computed over centralized exchange data.
type CEXQuery struct {
	Metric     string
	Exchange   string
	Token      string
	Timeframe  string
	StartEpoch int64
	EndEpoch   int64
	Version    int
}

// DEXQuery selects a metric computed over a DEX pool.
type DEXQuery struct {
	Metric      string
	Chain       string
	PoolAddress string
	Timeframe   string
	StartEpoch  int64
	EndEpoch    int64
	Version     int
}

// WorkbenchQuery selects an orderbook or orderflow aggregate.
type WorkbenchQuery struct {
	Metric    string
	Symbol    string
	Exchange  string
	Timeframe string
	Volume    string
	EpochLow  int64
	EpochHigh int64
}

// JLabsV1Query selects a slippage or price_equilibrium series.
type JLabsV1Query struct {
	Metric     string
	Symbol     string
	TimeDelta  int
	StartEpoch int64
	EndEpoch   int64
}

// ModelQuery selects one of the JLabs proprietary models.
type ModelQuery struct {
	Metric      string
	Symbol      string
	Timeframe   string
	StartEpoch  int64
	EndEpoch    int64
	Version     int
	MetricParam string
}

// CEXMetric fetches a versioned metric for an exchange-listed pair.
func (c *Client) CEXMetric(ctx context.Context, q CEXQuery) (map[string]any, error) {
	params := url.Values{}
	params.Set("metric", q.Metric)
	params.Set("version", strconv.Itoa(orVersion(q.Version)))
	params.Set("exchange_type", "CEX")
	params.Set("exchange", q.Exchange)
	params.Set("token", q.Token)
	params.Set("timeframe", q.Timeframe)
	params.Set("start_epoch", strconv.FormatInt(q.StartEpoch, 10))
	params.Set("end_epoch", strconv.FormatInt(q.EndEpoch, 10))
	return c.get(ctx, "/metrics/panda_jlabs_metrics/", params)
}

// DEXMetric fetches a versioned metric for a DEX pool.
func (c *Client) DEXMetric(ctx context.Context, q DEXQuery) (map[string]any, error) {
	params := url.Values{}
	params.Set("metric", q.Metric)
	params.Set("version", strconv.Itoa(orVersion(q.Version)))
	params.Set("exchange_type", "DEX")
	params.Set("chain", q.Chain)
	params.Set("pool_address", q.PoolAddress)
	params.Set("timeframe", q.Timeframe)
	params.Set("start_epoch", strconv.FormatInt(q.StartEpoch, 10))
	params.Set("end_epoch", strconv.FormatInt(q.EndEpoch, 10))
	return c.get(ctx, "/metrics/panda_jlabs_metrics/", params)
}

// OrderbookMetric fetches bid/ask depth aggregates.
func (c *Client) OrderbookMetric(ctx context.Context, q WorkbenchQuery) (map[string]any, error) {
	return c.get(ctx, "/workbench/orderbook/", workbenchParams(q))
}

// OrderflowMetric fetches tradebook aggregates.
func (c *Client) OrderflowMetric(ctx context.Context, q WorkbenchQuery) (map[string]any, error) {
	return c.get(ctx, "/workbench/orderflow/", workbenchParams(q))
}

func workbenchParams(q WorkbenchQuery) url.Values {
	params := url.Values{}
	params.Set("metric", strings.ToLower(q.Metric))
	params.Set("symbol", q.Symbol)
	params.Set("exchange", q.Exchange)
	params.Set("timeframe", q.Timeframe)
	params.Set("volume", strings.ToLower(q.Volume))
	params.Set("epoch_low", strconv.FormatInt(q.EpochLow, 10))
	params.Set("epoch_high", strconv.FormatInt(q.EpochHigh, 10))
	return params
}

// JLabsV1Metric fetches the 30-minute binned liquidity series.
func (c *Client) JLabsV1Metric(ctx context.Context, q JLabsV1Query) (map[string]any, error) {
	params := url.Values{}
	params.Set("metric", strings.ToLower(q.Metric))
	params.Set("symbol", q.Symbol)
	params.Set("time_delta", strconv.Itoa(q.TimeDelta))
	params.Set("start_epoch", strconv.FormatInt(q.StartEpoch, 10))
	params.Set("end_epoch", strconv.FormatInt(q.EndEpoch, 10))
	return c.get(ctx, "/metrics/panda-jlabs-metrics/v1/", params)
}

// ModelV1 fetches a proprietary model over an epoch window.
func (c *Client) ModelV1(ctx context.Context, q ModelQuery) (map[string]any, error) {
	params := url.Values{}
	params.Set("metric", strings.ToLower(q.Metric))
	params.Set("timeframe", q.Timeframe)
	params.Set("start_epoch", strconv.FormatInt(q.StartEpoch, 10))
	params.Set("end_epoch", strconv.FormatInt(q.EndEpoch, 10))
	if q.Symbol != "" {
		params.Set("symbol", q.Symbol)
	}
	return c.get(ctx, "/metrics/panda-jlabs-metrics/v1/", params)
}

// ModelV2 fetches a proprietary model through the v2/v3 endpoint, which
// keys on timeframe instead of an epoch window.
func (c *Client) ModelV2(ctx context.Context, q ModelQuery) (map[string]any, error) {
	params := url.Values{}
	params.Set("metric", q.Metric)
	params.Set("timeframe", q.Timeframe)
	params.Set("version", strconv.Itoa(q.Version))
	if q.Symbol != "" {
		params.Set("token", q.Symbol)
	}
	if q.MetricParam != "" {
		params.Set("metric_param", q.MetricParam)
	}
	return c.get(ctx, "/metrics/panda_jlabs_metrics/", params)
}

// get performs one GET with up to two retries on transient failures.
// Client errors are terminal; the backend will not change its mind
// about a bad request.
func (c *Client) get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	var out map[string]any
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+params.Encode(), nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build request"))
		}
		if c.key != "" {
			req.Header.Set("X-API-KEY", c.key)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return errors.Wrap(err, "metrics backend")
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			berr := &BackendError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return berr
			}
			return backoff.Permanent(berr)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decode response"))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	bo.MaxInterval = 10 * time.Second
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func orVersion(v int) int {
	if v <= 0 {
		return defaultVersion
	}
	return v
}
