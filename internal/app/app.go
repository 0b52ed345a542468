package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/exchange"
	"github.com/pandalabs/panda-mcp/internal/export"
	"github.com/pandalabs/panda-mcp/internal/gate"
	"github.com/pandalabs/panda-mcp/internal/gate/audit"
	"github.com/pandalabs/panda-mcp/internal/gate/credential"
	"github.com/pandalabs/panda-mcp/internal/gate/ratelimit"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
	"github.com/pandalabs/panda-mcp/internal/handler"
	"github.com/pandalabs/panda-mcp/internal/metrics"
	"github.com/pandalabs/panda-mcp/internal/storage/postgres"
	"github.com/pandalabs/panda-mcp/internal/storage/sqlite"
	"github.com/pandalabs/panda-mcp/internal/tools"
	"github.com/pandalabs/panda-mcp/pkg/health"
	"github.com/pandalabs/panda-mcp/pkg/httpmiddleware"
	"github.com/pandalabs/panda-mcp/pkg/mcp"
)

// Version is reported to MCP clients during the initialize handshake.
const Version = "0.1.0"

// Run creates all dependencies, starts the configured transport, and handles
// graceful shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("transport", cfg.Transport),
		zap.String("addr", cfg.Addr),
	)

	// PostgreSQL pool + migrations, only when a configured source needs it.
	var pool *pgxpool.Pool
	if cfg.needsDatabase() {
		var err error
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
	}

	// Market data plane: venue clients behind one aggregate service.
	venues := exchange.NewRegistry(exchange.Config{
		BinanceSpotURL:    cfg.Exchanges.BinanceSpotURL,
		BinanceFuturesURL: cfg.Exchanges.BinanceFuturesURL,
		BybitURL:          cfg.Exchanges.BybitURL,
		HyperliquidURL:    cfg.Exchanges.HyperliquidURL,
		Timeout:           cfg.Exchanges.Timeout,
	})
	marketSvc := market.NewService(venues)

	var metricsClient *metrics.Client
	if cfg.Backend.URL != "" {
		c, err := metrics.NewClient(exchange.NewHTTPClient(cfg.Backend.Timeout), metrics.Config{
			BaseURL: cfg.Backend.URL,
			APIKey:  cfg.Backend.APIKey,
		})
		if err != nil {
			return errors.Wrap(err, "create metrics client")
		}
		metricsClient = c
	}

	var exporter *export.Exporter
	if cfg.Export.Enabled {
		exporter = export.New(cfg.Export.Dir, cfg.Export.Compress)
	}

	registry := tools.New(marketSvc, metricsClient, exporter)

	// Gating pipeline: credential store, rate limiter, validator, audit trail.
	store, err := buildCredentialStore(ctx, cfg, pool)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewDisabled()
	if cfg.Gate.RateLimitEnabled {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.Gate.RequestsPerMinute,
			IdleTTL:           cfg.Gate.BucketIdleTTL,
		})
	}
	limiter.StartSweep(ctx)

	validator := validate.NewDisabled()
	if cfg.Gate.ValidationEnabled {
		validator = validate.New(validate.DenyPatterns)
		registry.InstallRules(validator)
		if cfg.Gate.SymbolFilter != "" {
			filter, err := loadSymbolFilter(cfg.Gate.SymbolFilter)
			if err != nil {
				return errors.Wrap(err, "load symbol filter")
			}
			registry.InstallSymbolFilter(validator, filter)
			lg.Info("Symbol filter installed", zap.String("path", cfg.Gate.SymbolFilter))
		}
	}

	recorder, err := buildAuditRecorder(ctx, lg, m, cfg, pool)
	if err != nil {
		return err
	}
	recorder.Start(ctx)

	pipeline := gate.New(store, limiter, validator, recorder, registry, gate.Options{
		Logger: lg.Named("gate"),
		Meter:  m.MeterProvider().Meter("github.com/pandalabs/panda-mcp/internal/gate"),
	})

	backend := handler.NewBackend(pipeline, registry, marketSvc)
	srv := mcp.NewServer(backend, mcp.ServerInfo{
		Name:    "panda-mcp",
		Version: Version,
	})

	// Stdio transport: one session over stdin/stdout, no HTTP server.
	if cfg.Transport == "stdio" {
		serveErr := srv.ServeStdio(ctx, os.Stdin, os.Stdout, mcp.Caller{APIKey: cfg.ClientKey})

		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		if err := recorder.Close(closeCtx); err != nil {
			lg.Error("Audit recorder close error", zap.Error(err))
		}
		if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
			return errors.Wrap(serveErr, "stdio")
		}
		return nil
	}

	// Health check service.
	healthSvc := health.New()
	if pool != nil {
		healthSvc.AddReady("postgres", 5*time.Second, func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
	}
	if metricsClient != nil {
		healthSvc.AddReady("backend", 5*time.Second, metricsClient.Ping)
	}
	healthSvc.AddReady("audit", time.Second, func(context.Context) error {
		return recorder.Err()
	})
	healthSvc.AddLive("goroutines", time.Second, health.MaxGoroutines(10000))
	healthSvc.AddLive("gc-pause", time.Second, health.MaxGCPause(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Mux: health endpoints + the MCP endpoint on one server.
	routeFinder := httpmiddleware.MakeRouteFinder(map[string]string{
		"/mcp":    "mcp",
		"/livez":  "livez",
		"/readyz": "readyz",
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/mcp", mcp.NewHTTPHandler(srv, httpmiddleware.RequestIDFromContext))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		// Tool calls wait on upstream venues, so writes need headroom
		// beyond the longest venue timeout.
		WriteTimeout:   120 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-API-Key"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.EdgeRateLimit.Max,
				Window: cfg.EdgeRateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("panda-mcp", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		if err := recorder.Close(shutdownCtx); err != nil {
			lg.Error("Audit recorder close error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// buildCredentialStore assembles the credential store from the configured
// source, or a disabled store that resolves every caller as anonymous.
func buildCredentialStore(ctx context.Context, cfg *Config, pool *pgxpool.Pool) (*credential.Store, error) {
	if !cfg.Gate.AuthEnabled {
		return credential.NewDisabled(), nil
	}

	var creds []credential.Credential
	switch cfg.Gate.CredentialSource {
	case "env":
		if cfg.Gate.Identity == "" || cfg.Gate.SecretHash == "" {
			return nil, errors.New("env credential source needs PANDA_GATE_IDENTITY and PANDA_GATE_SECRET_HASH")
		}
		creds = []credential.Credential{{
			Identity:   cfg.Gate.Identity,
			SecretHash: cfg.Gate.SecretHash,
			Scopes:     cfg.Gate.Scopes,
		}}
	case "postgres":
		var err error
		creds, err = postgres.NewCredentialRepository(pool).List(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load credentials")
		}
	default:
		var err error
		creds, err = credential.FromFile(cfg.Gate.CredentialsFile)
		if err != nil {
			return nil, errors.Wrap(err, "read credentials file")
		}
	}

	store, err := credential.NewStore([]byte(cfg.Gate.KeyPepper), creds)
	if err != nil {
		return nil, errors.Wrap(err, "build credential store")
	}
	return store, nil
}

// seqSource is implemented by sinks that report the last persisted sequence
// number, letting the recorder continue a strictly increasing series across
// restarts.
type seqSource interface {
	LastSeq(ctx context.Context) (uint64, error)
}

// buildAuditRecorder assembles the audit recorder over the configured sink,
// or a disabled recorder that drops everything.
func buildAuditRecorder(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config, pool *pgxpool.Pool) (*audit.Recorder, error) {
	if !cfg.Gate.AuditEnabled {
		return audit.NewDisabled(), nil
	}

	var sink audit.Sink
	switch cfg.Audit.Backend {
	case "postgres":
		sink = postgres.NewAuditSink(pool)
	case "sqlite":
		s, err := sqlite.NewAuditSink(cfg.Audit.SQLitePath, sqlite.Options{
			RetentionDays: cfg.Audit.RetentionDays,
		})
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite audit store")
		}
		sink = s
	default:
		s, err := audit.NewFileSink(cfg.Audit.Path, audit.FileOptions{
			Logger:      lg.Named("audit"),
			RotateBytes: cfg.Audit.RotateBytes,
			Compress:    cfg.Audit.Compress,
		})
		if err != nil {
			return nil, errors.Wrap(err, "open audit log")
		}
		sink = s
	}

	var startSeq uint64
	if src, ok := sink.(seqSource); ok {
		last, err := src.LastSeq(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "resume audit sequence")
		}
		startSeq = last
	}

	return audit.New(sink, audit.Options{
		Logger:     lg.Named("audit"),
		BufferSize: cfg.Audit.BufferSize,
		StartSeq:   startSeq,
		Meter:      m.MeterProvider().Meter("github.com/pandalabs/panda-mcp/internal/gate/audit"),
	}), nil
}

// loadSymbolFilter reads a bloom filter previously written by pairsync.
func loadSymbolFilter(path string) (*bloom.BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open symbol filter")
	}
	defer f.Close()

	var filter bloom.BloomFilter
	if _, err := filter.ReadFrom(f); err != nil {
		return nil, errors.Wrap(err, "decode symbol filter")
	}
	return &filter, nil
}
