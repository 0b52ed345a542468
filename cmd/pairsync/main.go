package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/exchange"
)

// bloomFPR is the design false-positive rate of the symbol filter. A false
// positive only admits a request that the venue will reject anyway.
const bloomFPR = 0.001

// pairRecord is one line of the pairs.jsonl.gz dump.
type pairRecord struct {
	Exchange string
	Market   string
	Symbol   string
	Pair     string
	Active   bool
}

func main() {
	var (
		outDir  string
		timeout time.Duration
	)

	flag.StringVar(&outDir, "out-dir", "data", "directory for pairs.jsonl.gz and symbols.bloom")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "per-venue HTTP timeout")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, outDir, timeout); err != nil {
		slog.Error("pair sync failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("pair sync completed successfully")
}

func run(ctx context.Context, outDir string, timeout time.Duration) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", outDir)
	}

	venues := exchange.NewRegistry(exchange.Config{Timeout: timeout})

	slog.Info("fetching pairs", slog.Any("venues", venues.Names()))

	records, err := fetchAllPairs(ctx, venues)
	if err != nil {
		return errors.Wrap(err, "fetch pairs")
	}
	if len(records) == 0 {
		return errors.New("no pairs fetched from any venue")
	}

	pairsPath := filepath.Join(outDir, "pairs.jsonl.gz")
	if err := writePairsFile(pairsPath, records); err != nil {
		return errors.Wrap(err, "write pairs file")
	}

	symbols := collectSymbols(records)
	bloomPath := filepath.Join(outDir, "symbols.bloom")
	if err := writeSymbolFilter(bloomPath, symbols); err != nil {
		return errors.Wrap(err, "write symbol filter")
	}

	slog.Info("sync summary",
		slog.Int("pairs", len(records)),
		slog.Int("symbols", len(symbols)),
		slog.String("pairs_file", pairsPath),
		slog.String("bloom_file", bloomPath),
	)
	return nil
}

// fetchAllPairs pulls every market of every registered venue concurrently.
// A venue failure aborts the whole sync; a filter missing one venue would
// silently reject all of its symbols.
func fetchAllPairs(ctx context.Context, venues *exchange.Registry) ([]pairRecord, error) {
	var (
		mu      sync.Mutex
		records []pairRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range venues.Names() {
		client, err := venues.Get(name)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			var fetched []pairRecord
			for _, mkt := range client.Info().Markets {
				result, err := client.Pairs(gctx, market.Market(mkt))
				if err != nil {
					return errors.Wrapf(err, "fetch %s %s pairs", name, mkt)
				}
				for _, p := range result.Active {
					fetched = append(fetched, newPairRecord(name, mkt, p))
				}
				for _, p := range result.Inactive {
					fetched = append(fetched, newPairRecord(name, mkt, p))
				}
			}

			slog.Info("venue fetched",
				slog.String("exchange", name),
				slog.Int("pairs", len(fetched)),
			)

			mu.Lock()
			records = append(records, fetched...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Exchange != records[j].Exchange {
			return records[i].Exchange < records[j].Exchange
		}
		if records[i].Market != records[j].Market {
			return records[i].Market < records[j].Market
		}
		return records[i].Pair < records[j].Pair
	})
	return records, nil
}

func newPairRecord(exchangeName, mkt string, p market.Pair) pairRecord {
	return pairRecord{
		Exchange: exchangeName,
		Market:   mkt,
		Symbol:   p.Symbol,
		Pair:     p.Pair,
		Active:   p.IsActive,
	}
}

// writePairsFile streams records as gzipped JSON lines.
func writePairsFile(path string, records []pairRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() { _ = f.Close() }()

	gz := pgzip.NewWriter(f)
	for _, r := range records {
		if _, err := gz.Write(encodePairRecord(r)); err != nil {
			return errors.Wrap(err, "write record")
		}
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}
	return f.Close()
}

func encodePairRecord(r pairRecord) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("exchange", func(e *jx.Encoder) { e.Str(r.Exchange) })
		e.Field("market", func(e *jx.Encoder) { e.Str(r.Market) })
		e.Field("symbol", func(e *jx.Encoder) { e.Str(r.Symbol) })
		e.Field("pair", func(e *jx.Encoder) { e.Str(r.Pair) })
		e.Field("active", func(e *jx.Encoder) { e.Bool(r.Active) })
	})
	return append(e.Bytes(), '\n')
}

// collectSymbols dedupes venue symbols and base assets. Both spellings go
// into the filter because venues disagree on which one names a listing.
func collectSymbols(records []pairRecord) []string {
	set := make(map[string]struct{}, 2*len(records))
	for _, r := range records {
		set[r.Pair] = struct{}{}
		set[r.Symbol] = struct{}{}
	}

	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// writeSymbolFilter builds the bloom filter sized for the observed symbol
// count and serializes it for the server's validator to load.
func writeSymbolFilter(path string, symbols []string) error {
	filter := bloom.NewWithEstimates(uint(len(symbols)), bloomFPR)
	for _, s := range symbols {
		filter.AddString(s)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() { _ = f.Close() }()

	if _, err := filter.WriteTo(f); err != nil {
		return errors.Wrap(err, "write filter")
	}
	return f.Close()
}
