package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete server configuration, loadable from
// environment variables (PANDA_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"MCP server listen address (http transport)"`
	Transport   string `default:"http" usage:"Serving transport: http or stdio"`
	DatabaseURL string `usage:"PostgreSQL connection URL (PANDA_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ClientKey   string `usage:"API key attached to the stdio session (PANDA_CLIENT_KEY)" flag:"client-key"`

	Gate          GateConfig
	Audit         AuditConfig
	Exchanges     ExchangesConfig
	Backend       BackendConfig
	Export        ExportConfig
	EdgeRateLimit EdgeRateLimitConfig
	CORS          CORSConfig
	Graceful      GracefulConfig
}

// GateConfig controls the request gate. Disabling a stage swaps in its
// pass-through variant; the pipeline shape never changes.
type GateConfig struct {
	AuthEnabled       bool          `default:"true" usage:"Require API keys" flag:"auth-enabled"`
	RateLimitEnabled  bool          `default:"true" usage:"Per-identity rate limiting" flag:"rate-limit-enabled"`
	ValidationEnabled bool          `default:"true" usage:"Parameter validation" flag:"validation-enabled"`
	AuditEnabled      bool          `default:"true" usage:"Audit trail" flag:"audit-enabled"`
	RequestsPerMinute int           `default:"120" usage:"Sustained per-identity admission rate and burst size" flag:"requests-per-minute"`
	BucketIdleTTL     time.Duration `default:"30m" usage:"Evict rate buckets idle this long; 0 keeps them forever" flag:"bucket-idle-ttl"`

	KeyPepper        string `usage:"HMAC pepper for API key hashing (PANDA_GATE_KEY_PEPPER)" flag:"key-pepper"`
	CredentialSource string `default:"file" usage:"Credential backend: file, env, or postgres" flag:"credential-source"`
	CredentialsFile  string `default:"credentials.json" usage:"Path to the JSON credential list (file source)" flag:"credentials-file"`

	// Inline single credential for the env source, handy for stdio sessions
	// and containers without a mounted credentials file.
	Identity   string   `usage:"Inline credential identity (env source)"`
	SecretHash string   `usage:"Inline credential secret hash (env source)" flag:"secret-hash"`
	Scopes     []string `usage:"Inline credential scope globs (env source)"`

	SymbolFilter string `usage:"Path to the pairsync bloom filter of known symbols" flag:"symbol-filter"`
}

// AuditConfig selects and tunes the audit sink.
type AuditConfig struct {
	Backend       string `default:"file" usage:"Audit sink: file, postgres, or sqlite"`
	Path          string `default:"audit.log" usage:"Audit file path (file backend)"`
	SQLitePath    string `default:"audit.db" usage:"SQLite database path (sqlite backend)" flag:"sqlite-path"`
	BufferSize    int    `default:"1024" usage:"Records buffered between the request path and the sink writer" flag:"buffer-size"`
	RotateBytes   int64  `default:"67108864" usage:"Rotate the audit file at this size; 0 disables rotation" flag:"rotate-bytes"`
	Compress      bool   `default:"true" usage:"Gzip rotated audit segments"`
	RetentionDays int    `default:"30" usage:"Drop sqlite records older than this many days; 0 keeps all" flag:"retention-days"`
}

// ExchangesConfig overrides venue endpoints, mainly for tests against
// recorded responses.
type ExchangesConfig struct {
	BinanceSpotURL    string        `usage:"Binance spot base URL override" flag:"binance-spot-url"`
	BinanceFuturesURL string        `usage:"Binance futures base URL override" flag:"binance-futures-url"`
	BybitURL          string        `usage:"Bybit base URL override" flag:"bybit-url"`
	HyperliquidURL    string        `usage:"Hyperliquid base URL override" flag:"hyperliquid-url"`
	Timeout           time.Duration `default:"30s" usage:"Venue request timeout"`
}

// BackendConfig points at the proprietary metrics backend. An empty URL
// leaves the metric tools listed but failing with a clear message.
type BackendConfig struct {
	URL     string        `usage:"Metrics backend base URL; empty disables metric tools"`
	APIKey  string        `usage:"Metrics backend API key" flag:"api-key"`
	Timeout time.Duration `default:"60s" usage:"Metrics backend request timeout"`
}

// ExportConfig controls the export tools.
type ExportConfig struct {
	Enabled  bool   `default:"true" usage:"Enable export tools"`
	Dir      string `default:"exports" usage:"Directory exports are written into"`
	Compress bool   `default:"false" usage:"Gzip exports unless the call says otherwise"`
}

// EdgeRateLimitConfig controls the transport-level per-IP limiter in front
// of the gate. It is a DoS guard, distinct from the per-identity core
// limiter.
type EdgeRateLimitConfig struct {
	Max    int           `default:"600" usage:"Max requests per IP per window"`
	Window time.Duration `default:"1m"  usage:"Edge rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PANDA",
		Files:     []string{"config.yaml", "/etc/panda-mcp/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (Railway, Render, etc.) that use standard names like DATABASE_URL and
// PORT to the application's PANDA_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// validate rejects impossible combinations at startup so they cannot
// surface later as runtime 401s or lost audit records.
func (c *Config) validate() error {
	switch c.Transport {
	case "http", "stdio":
	default:
		return errors.Errorf("unknown transport %q: want http or stdio", c.Transport)
	}
	if c.Gate.AuthEnabled {
		switch c.Gate.CredentialSource {
		case "file", "env", "postgres":
		default:
			return errors.Errorf("unknown credential source %q: want file, env, or postgres", c.Gate.CredentialSource)
		}
		if c.Gate.KeyPepper == "" {
			return errors.New("key pepper is required while authentication is enabled: set PANDA_GATE_KEY_PEPPER")
		}
	}
	if c.Gate.AuditEnabled {
		switch c.Audit.Backend {
		case "file", "postgres", "sqlite":
		default:
			return errors.Errorf("unknown audit backend %q: want file, postgres, or sqlite", c.Audit.Backend)
		}
	}
	if c.needsDatabase() && c.DatabaseURL == "" {
		return errors.New("database URL is required: set PANDA_DATABASE_URL or DATABASE_URL")
	}
	return nil
}

// needsDatabase reports whether any selected backend requires PostgreSQL.
func (c *Config) needsDatabase() bool {
	if c.Gate.AuthEnabled && c.Gate.CredentialSource == "postgres" {
		return true
	}
	return c.Gate.AuditEnabled && c.Audit.Backend == "postgres"
}
