package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/papertrade/internal/auth"
	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/limits"
	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/store"
)

// backend is an opened ledger store plus what it takes to migrate and close
// it.
type backend struct {
	store   store.Store
	migrate func(context.Context) error
	cleanup []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openStore picks PostgreSQL, SQLite or memory, in that order, and fronts
// the durable stores with the Redis cache when one is configured.
func openStore(ctx context.Context, cfg config.StoreConfig) (*backend, error) {
	b := &backend{}

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		b.store, b.migrate = pg, pg.Migrate
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { lite.Close() })
		b.store = lite
		b.migrate = func(context.Context) error { return lite.Migrate() }
		slog.Info("opened SQLite ledger", "path", cfg.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
		b.migrate = func(context.Context) error { return nil }
		return b, nil
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { rdb.Close() })
		b.store = store.NewCachedStore(b.store, rdb, cfg.RedisTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
	}
	return b, nil
}

// newQuoteSource builds the upstream source and wraps it in the cache that
// enforces execution freshness and valuation fallback.
func newQuoteSource(cfg config.QuotesConfig) (quote.Source, error) {
	var upstream quote.Source
	switch cfg.Mode {
	case config.QuotesHTTP:
		upstream = quote.NewHTTPSource(quote.HTTPConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			RateLimit:  cfg.RateLimit,
			Burst:      max(1, int(cfg.RateLimit)),
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
		slog.Info("using HTTP quote source", "base_url", cfg.BaseURL, "rate_limit", cfg.RateLimit)
	default:
		upstream = quote.NewMockSource(cfg.Bucket, cfg.Drift)
		slog.Info("using mock quote source", "bucket", cfg.Bucket, "drift", cfg.Drift.String())
	}
	cached, err := quote.NewCachedSource(upstream, cfg.CacheSize, cfg.ExecutionTTL, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func newAuthProvider(cfg config.AuthConfig) (auth.Provider, error) {
	if cfg.Mode == config.AuthJWT {
		p, err := auth.NewJWTProvider([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return auth.HeaderProvider{Header: cfg.Header}, nil
}

func newLimiter(cfg config.LimitsConfig) *limits.PositionLimiter {
	return limits.NewPositionLimiter(cfg.MaxOrderQuantity, cfg.MaxPositionQuantity, cfg.MaxConcentration)
}
