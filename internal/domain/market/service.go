package market

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Client is the venue adapter surface the service consumes. Operations a
// venue cannot serve return *UnsupportedError.
type Client interface {
	Info() ExchangeInfo
	Pairs(ctx context.Context, market Market) (*PairsResult, error)
	Klines(ctx context.Context, q KlineQuery) ([]Kline, error)
	FundingRateHistory(ctx context.Context, q FundingQuery) ([]FundingRate, error)
	FundingRateInfo(ctx context.Context) ([]FundingInfo, error)
	OpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)
	OpenInterestHistory(ctx context.Context, q OpenInterestQuery) ([]OpenInterest, error)
	MarketData(ctx context.Context, symbol string) ([]MarketData, error)
}

// Registry resolves venue names to clients.
type Registry interface {
	Get(name string) (Client, error)
	Names() []string
}

// Service orchestrates exchange clients behind a venue-neutral API.
type Service struct {
	registry Registry
}

// NewService creates a market Service over the given registry.
func NewService(registry Registry) *Service {
	return &Service{registry: registry}
}

// Exchanges lists every registered venue with its supported markets.
func (s *Service) Exchanges() []ExchangeInfo {
	names := s.registry.Names()
	infos := make([]ExchangeInfo, 0, len(names))
	for _, name := range names {
		client, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, client.Info())
	}
	return infos
}

// TradingPairs lists a venue's pairs for one market, filtered by status.
func (s *Service) TradingPairs(ctx context.Context, exchange string, market Market, status PairStatus) ([]Pair, error) {
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	result, err := client.Pairs(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s pairs: %w", exchange, market, err)
	}

	switch status {
	case StatusActive:
		return result.Active, nil
	case StatusInactive:
		return result.Inactive, nil
	case StatusAll:
		return append(append([]Pair{}, result.Active...), result.Inactive...), nil
	default:
		return nil, fmt.Errorf("invalid status %q", status)
	}
}

// ComparePairs fetches active listings for each market concurrently and
// reports the overlap. With exactly two markets the sets are broken out;
// with more only per-market counts are returned.
func (s *Service) ComparePairs(ctx context.Context, exchange string, markets []Market) (*PairComparison, error) {
	if len(markets) < 2 {
		return nil, fmt.Errorf("at least two markets required, got %d", len(markets))
	}
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	sets := make(map[Market]map[string]struct{}, len(markets))

	g, gctx := errgroup.WithContext(ctx)
	for _, market := range markets {
		g.Go(func() error {
			result, err := client.Pairs(gctx, market)
			if err != nil {
				return fmt.Errorf("fetching %s %s pairs: %w", exchange, market, err)
			}
			set := make(map[string]struct{}, len(result.Active))
			for _, p := range result.Active {
				set[p.Pair] = struct{}{}
			}
			mu.Lock()
			sets[market] = set
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	names := make([]string, len(markets))
	for i, m := range markets {
		names[i] = string(m)
	}
	cmp := &PairComparison{
		Exchange: exchange,
		Markets:  names,
		Counts:   make(map[string]int, len(markets)),
	}

	if len(markets) > 2 {
		for market, set := range sets {
			cmp.Counts[string(market)] = len(set)
		}
		return cmp, nil
	}

	first, other := sets[markets[0]], sets[markets[1]]
	for pair := range first {
		if _, ok := other[pair]; ok {
			cmp.Both = append(cmp.Both, pair)
		} else {
			cmp.FirstOnly = append(cmp.FirstOnly, pair)
		}
	}
	for pair := range other {
		if _, ok := first[pair]; !ok {
			cmp.OtherOnly = append(cmp.OtherOnly, pair)
		}
	}
	sort.Strings(cmp.FirstOnly)
	sort.Strings(cmp.OtherOnly)
	sort.Strings(cmp.Both)
	cmp.Counts[names[0]+"_only"] = len(cmp.FirstOnly)
	cmp.Counts[names[1]+"_only"] = len(cmp.OtherOnly)
	cmp.Counts["both_markets"] = len(cmp.Both)
	return cmp, nil
}

// Klines fetches candles from one venue.
func (s *Service) Klines(ctx context.Context, exchange string, q KlineQuery) ([]Kline, error) {
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return client.Klines(ctx, q)
}

// FundingRateHistory fetches settled funding payments from one venue.
func (s *Service) FundingRateHistory(ctx context.Context, exchange string, q FundingQuery) ([]FundingRate, error) {
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return client.FundingRateHistory(ctx, q)
}

// FundingRateInfo fetches funding configuration from one venue.
func (s *Service) FundingRateInfo(ctx context.Context, exchange string) ([]FundingInfo, error) {
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return client.FundingRateInfo(ctx)
}

// OpenInterest fetches a live open interest reading from one venue.
func (s *Service) OpenInterest(ctx context.Context, exchange, symbol string) (*OpenInterest, error) {
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return client.OpenInterest(ctx, symbol)
}

// OpenInterestHistory fetches bucketed open interest from one venue.
func (s *Service) OpenInterestHistory(ctx context.Context, exchange string, q OpenInterestQuery) ([]OpenInterest, error) {
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return client.OpenInterestHistory(ctx, q)
}

// MarketData fetches a live market snapshot from one venue. Empty symbol
// returns every listed asset.
func (s *Service) MarketData(ctx context.Context, exchange, symbol string) ([]MarketData, error) {
	client, err := s.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return client.MarketData(ctx, symbol)
}
