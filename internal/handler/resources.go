package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-faster/errors"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/pkg/mcp"
)

// Resource URIs: exchange://list enumerates venues;
// exchange://{exchange}/pairs/{market}/{status} lists one venue's pairs.
const (
	resourceMime    = "application/json"
	exchangeListURI = "exchange://list"
	exchangeScheme  = "exchange://"
)

// ListResources advertises one resource per venue, market, and pair status,
// so clients can read listings without probing URI shapes.
func (b *Backend) ListResources(ctx context.Context) []mcp.ResourceDefinition {
	defs := []mcp.ResourceDefinition{{
		URI:         exchangeListURI,
		Name:        "Supported exchanges",
		Description: "Every registered venue and its available markets.",
		MimeType:    resourceMime,
	}}
	for _, info := range b.svc.Exchanges() {
		for _, mkt := range info.Markets {
			for _, status := range []string{"active", "inactive"} {
				defs = append(defs, mcp.ResourceDefinition{
					URI:      fmt.Sprintf("exchange://%s/pairs/%s/%s", info.Name, mkt, status),
					Name:     fmt.Sprintf("%s %s %s pairs", info.Name, mkt, status),
					MimeType: resourceMime,
				})
			}
		}
	}
	return defs
}

// ReadResource resolves one URI and returns its JSON body.
func (b *Backend) ReadResource(ctx context.Context, uri string, caller mcp.Caller) ([]mcp.ResourceContent, error) {
	value, err := b.resourceValue(ctx, uri)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode resource")
	}
	return []mcp.ResourceContent{{URI: uri, MimeType: resourceMime, Text: string(data)}}, nil
}

func (b *Backend) resourceValue(ctx context.Context, uri string) (any, error) {
	if uri == exchangeListURI {
		return b.svc.Exchanges(), nil
	}
	rest, ok := strings.CutPrefix(uri, exchangeScheme)
	if !ok {
		return nil, &mcp.UnknownResourceError{URI: uri}
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[1] != "pairs" {
		return nil, &mcp.UnknownResourceError{URI: uri}
	}

	exchange := parts[0]
	mkt := market.Market(parts[2])
	status := market.PairStatus(parts[3])
	if mkt != market.MarketSpot && mkt != market.MarketFutures {
		return nil, &mcp.UnknownResourceError{URI: uri}
	}
	if status != market.StatusActive && status != market.StatusInactive {
		return nil, &mcp.UnknownResourceError{URI: uri}
	}

	pairs, err := b.svc.TradingPairs(ctx, exchange, mkt, status)
	if err != nil {
		var unknown *market.UnknownExchangeError
		if errors.As(err, &unknown) {
			return nil, &mcp.UnknownResourceError{URI: uri}
		}
		return nil, err
	}
	return pairs, nil
}
