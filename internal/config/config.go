// Package config loads the server configuration from defaults, an optional
// config file, the environment and command line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PAPERTRADE_QUOTES_API_KEY for quotes.api_key.
const EnvPrefix = "PAPERTRADE"

const (
	AuthHeader = "header"
	AuthJWT    = "jwt"

	QuotesMock = "mock"
	QuotesHTTP = "http"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Auth    AuthConfig
	Quotes  QuotesConfig
	Refresh RefreshConfig
	Trading TradingConfig
	Limits  LimitsConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

// StoreConfig selects the ledger store. DatabaseURL wins over SQLitePath;
// with neither set portfolios live in memory.
type StoreConfig struct {
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	RedisTTL    time.Duration
}

type AuthConfig struct {
	Mode      string
	Header    string
	JWTSecret string
}

type QuotesConfig struct {
	Mode         string
	BaseURL      string
	APIKey       string
	RateLimit    float64
	Timeout      time.Duration
	MaxRetries   uint64
	CacheSize    int
	CacheTTL     time.Duration
	ExecutionTTL time.Duration
	Drift        decimal.Decimal
	Bucket       time.Duration
}

type RefreshConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type TradingConfig struct {
	StartingCash decimal.Decimal
	MaxAttempts  int
}

type LimitsConfig struct {
	MaxOrderQuantity    int64
	MaxPositionQuantity int64
	MaxConcentration    decimal.Decimal
}

type LogConfig struct {
	Level string
}

// SlogLevel parses Level, falling back to info.
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.shutdown_timeout": "5s",

	"database.url": "",
	"sqlite.path":  "",
	"redis.url":    "",
	"redis.ttl":    "30s",

	"auth.mode":       AuthHeader,
	"auth.header":     "X-User-ID",
	"auth.jwt_secret": "",

	"quotes.mode":          QuotesMock,
	"quotes.base_url":      "",
	"quotes.api_key":       "",
	"quotes.rate_limit":    5.0,
	"quotes.timeout":       "5s",
	"quotes.max_retries":   3,
	"quotes.cache_size":    256,
	"quotes.cache_ttl":     "5m",
	"quotes.execution_ttl": "15s",
	"quotes.drift":         "0.02",
	"quotes.bucket":        "1m",

	"refresh.interval": "30s",
	"refresh.timeout":  "10s",

	"trading.starting_cash": "100000",
	"trading.max_attempts":  3,

	"limits.max_order_quantity":    0,
	"limits.max_position_quantity": 0,
	"limits.max_concentration":     "0",

	"log.level": "info",
}

// legacyEnv maps keys to the unprefixed variables deployments already set.
var legacyEnv = map[string]string{
	"server.port":  "PORT",
	"database.url": "DATABASE_URL",
	"redis.url":    "REDIS_URL",
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":         "server.port",
	"database-url": "database.url",
	"sqlite-path":  "sqlite.path",
	"redis-url":    "redis.url",
	"auth-mode":    "auth.mode",
	"quotes-mode":  "quotes.mode",
	"log-level":    "log.level",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (default ./config.yaml if present)")
	fs.IntP("port", "p", 8080, "Port to run the HTTP server on")
	fs.String("database-url", "", "PostgreSQL connection string")
	fs.String("sqlite-path", "", "SQLite database file for a local ledger")
	fs.String("redis-url", "", "Redis URL for the portfolio cache")
	fs.String("auth-mode", AuthHeader, "Identity provider: header or jwt")
	fs.String("quotes-mode", QuotesMock, "Quote source: mock or http")
	fs.String("log-level", "info", "Logging level")
}

// Load reads the configuration. fs may be nil; only flags that were set on
// the command line override other sources.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// A missing .env is fine; plain environment variables still apply.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, envName(key), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var file string
	if fs != nil {
		file, _ = fs.GetString("config")
	}
	if err := readFile(v, file); err != nil {
		return nil, err
	}

	return build(v)
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func readFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/papertrade/")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !(file == "" && errors.As(err, &notFound)) {
		return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}

func build(v *viper.Viper) (*Config, error) {
	var errs []error
	dec := func(key string) decimal.Decimal {
		d, err := decimal.NewFromString(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		}
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Store: StoreConfig{
			DatabaseURL: v.GetString("database.url"),
			SQLitePath:  v.GetString("sqlite.path"),
			RedisURL:    v.GetString("redis.url"),
			RedisTTL:    v.GetDuration("redis.ttl"),
		},
		Auth: AuthConfig{
			Mode:      strings.ToLower(v.GetString("auth.mode")),
			Header:    v.GetString("auth.header"),
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Quotes: QuotesConfig{
			Mode:         strings.ToLower(v.GetString("quotes.mode")),
			BaseURL:      v.GetString("quotes.base_url"),
			APIKey:       v.GetString("quotes.api_key"),
			RateLimit:    v.GetFloat64("quotes.rate_limit"),
			Timeout:      v.GetDuration("quotes.timeout"),
			MaxRetries:   v.GetUint64("quotes.max_retries"),
			CacheSize:    v.GetInt("quotes.cache_size"),
			CacheTTL:     v.GetDuration("quotes.cache_ttl"),
			ExecutionTTL: v.GetDuration("quotes.execution_ttl"),
			Drift:        dec("quotes.drift"),
			Bucket:       v.GetDuration("quotes.bucket"),
		},
		Refresh: RefreshConfig{
			Interval: v.GetDuration("refresh.interval"),
			Timeout:  v.GetDuration("refresh.timeout"),
		},
		Trading: TradingConfig{
			StartingCash: dec("trading.starting_cash"),
			MaxAttempts:  v.GetInt("trading.max_attempts"),
		},
		Limits: LimitsConfig{
			MaxOrderQuantity:    v.GetInt64("limits.max_order_quantity"),
			MaxPositionQuantity: v.GetInt64("limits.max_position_quantity"),
			MaxConcentration:    dec("limits.max_concentration"),
		},
		Log: LogConfig{Level: v.GetString("log.level")},
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	switch c.Auth.Mode {
	case AuthHeader:
		if c.Auth.Header == "" {
			bad("auth.header must be set in header mode")
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			bad("auth.jwt_secret must be set in jwt mode")
		}
	default:
		bad("auth.mode %q, want header or jwt", c.Auth.Mode)
	}
	switch c.Quotes.Mode {
	case QuotesMock:
	case QuotesHTTP:
		if c.Quotes.APIKey == "" {
			bad("quotes.api_key must be set in http mode")
		}
	default:
		bad("quotes.mode %q, want mock or http", c.Quotes.Mode)
	}
	if !c.Trading.StartingCash.IsPositive() {
		bad("trading.starting_cash must be positive")
	}
	if c.Limits.MaxOrderQuantity < 0 || c.Limits.MaxPositionQuantity < 0 {
		bad("limits must not be negative")
	}
	if c.Limits.MaxConcentration.IsNegative() || c.Limits.MaxConcentration.GreaterThan(decimal.NewFromInt(1)) {
		bad("limits.max_concentration %s outside [0,1]", c.Limits.MaxConcentration)
	}
	if c.Quotes.ExecutionTTL <= 0 || c.Quotes.CacheTTL <= 0 {
		bad("quote cache TTLs must be positive")
	}
	return errs
}
