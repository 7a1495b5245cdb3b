package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
)

// CachedSource decorates an upstream Source with a bounded LRU of the last
// quote seen per symbol and two freshness rules:
//
//   - GetQuote is execution grade. It answers from cache only within
//     ExecutionTTL and never falls back to an older price: if upstream
//     fails, the result is ErrQuoteUnavailable.
//   - GetQuotes is valuation grade. It answers from cache within DisplayTTL
//     and, when upstream fails, falls back to the last-known price of any
//     age. Symbols never seen are left out.
type CachedSource struct {
	upstream     Source
	cache        *lru.Cache[string, model.Quote]
	executionTTL time.Duration
	displayTTL   time.Duration
	now          func() time.Time
}

// NewCachedSource wraps upstream. size bounds the number of symbols kept.
func NewCachedSource(upstream Source, size int, executionTTL, displayTTL time.Duration) (*CachedSource, error) {
	cache, err := lru.New[string, model.Quote](size)
	if err != nil {
		return nil, fmt.Errorf("quote cache: %w", err)
	}
	return &CachedSource{
		upstream:     upstream,
		cache:        cache,
		executionTTL: executionTTL,
		displayTTL:   displayTTL,
		now:          time.Now,
	}, nil
}

func (c *CachedSource) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if q, ok := c.fresh(symbol, c.executionTTL); ok {
		return q, nil
	}

	q, err := c.upstream.GetQuote(ctx, symbol)
	if err != nil {
		metrics.QuoteFailures.WithLabelValues("execution").Inc()
		if errors.Is(err, ErrUnknownSymbol) || errors.Is(err, ErrQuoteUnavailable) {
			return model.Quote{}, err
		}
		return model.Quote{}, fmt.Errorf("%w: %s: %w", ErrQuoteUnavailable, symbol, err)
	}
	c.cache.Add(symbol, q)
	return q, nil
}

func (c *CachedSource) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(symbols))
	var missing []string
	for _, s := range symbols {
		if q, ok := c.fresh(s, c.displayTTL); ok {
			out[s] = q
		} else {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, upstreamErr := c.upstream.GetQuotes(ctx, missing)
	var errs []error
	for _, s := range missing {
		if q, ok := fetched[s]; ok {
			c.cache.Add(s, q)
			out[s] = q
			continue
		}
		metrics.QuoteFailures.WithLabelValues("valuation").Inc()
		if q, ok := c.cache.Get(s); ok {
			slog.Debug("using last-known quote", "symbol", s, "as_of", q.AsOf)
			out[s] = q
			continue
		}
		errs = append(errs, fmt.Errorf("%w: %s", ErrQuoteUnavailable, s))
	}
	if len(errs) > 0 && upstreamErr != nil {
		errs = append(errs, upstreamErr)
	}
	return out, errors.Join(errs...)
}

// Last returns the last-known quote for symbol without fetching.
func (c *CachedSource) Last(symbol string) (model.Quote, bool) {
	return c.cache.Peek(symbol)
}

func (c *CachedSource) fresh(symbol string, ttl time.Duration) (model.Quote, bool) {
	q, ok := c.cache.Get(symbol)
	if !ok || c.now().Sub(q.AsOf) > ttl {
		return model.Quote{}, false
	}
	return q, true
}
