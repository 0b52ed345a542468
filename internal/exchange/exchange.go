// Package exchange implements REST adapters for the supported venues and
// the registry the market service resolves them through.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
)

const (
	defaultBinanceSpotURL    = "https://api.binance.com"
	defaultBinanceFuturesURL = "https://fapi.binance.com"
	defaultBybitURL          = "https://api.bybit.com"
	defaultHyperliquidURL    = "https://api.hyperliquid.xyz"

	defaultTimeout = 30 * time.Second
)

// Config overrides venue base URLs and the shared request timeout. Zero
// values fall back to production endpoints.
type Config struct {
	BinanceSpotURL    string
	BinanceFuturesURL string
	BybitURL          string
	HyperliquidURL    string
	Timeout           time.Duration
}

// StatusError reports a non-2xx venue response.
type StatusError struct {
	Venue  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Venue, e.Status, e.Body)
}

// NewHTTPClient builds the shared outbound client. The otelhttp transport
// records a span per venue call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func getJSON(ctx context.Context, httpc *http.Client, venue, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return doJSON(httpc, venue, req, out)
}

func postJSON(ctx context.Context, httpc *http.Client, venue, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(httpc, venue, req, out)
}

func doJSON(httpc *http.Client, venue string, req *http.Request, out any) error {
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", venue, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{Venue: venue, Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", venue, err)
	}
	return nil
}

var _ market.Registry = (*Registry)(nil)

// Registry holds venue clients keyed by lowercase name, preserving
// registration order for listings.
type Registry struct {
	clients map[string]market.Client
	names   []string
}

// NewRegistry builds clients for every supported venue over one shared
// HTTP client.
func NewRegistry(cfg Config) *Registry {
	httpc := NewHTTPClient(cfg.Timeout)

	r := &Registry{clients: make(map[string]market.Client)}
	r.register("binance", NewBinance(httpc,
		orDefault(cfg.BinanceSpotURL, defaultBinanceSpotURL),
		orDefault(cfg.BinanceFuturesURL, defaultBinanceFuturesURL)))
	r.register("bybit", NewBybit(httpc, orDefault(cfg.BybitURL, defaultBybitURL)))
	r.register("hyperliquid", NewHyperliquid(httpc, orDefault(cfg.HyperliquidURL, defaultHyperliquidURL)))
	return r
}

func (r *Registry) register(name string, client market.Client) {
	r.clients[name] = client
	r.names = append(r.names, name)
}

// Get resolves a venue name, case-insensitively.
func (r *Registry) Get(name string) (market.Client, error) {
	client, ok := r.clients[strings.ToLower(name)]
	if !ok {
		return nil, &market.UnknownExchangeError{Exchange: name}
	}
	return client, nil
}

// Names lists registered venues in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
