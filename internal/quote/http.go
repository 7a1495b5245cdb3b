package quote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/papertrade/internal/model"
)

// DefaultBaseURL is the Finnhub REST endpoint.
const DefaultBaseURL = "https://finnhub.io/api/v1"

// HTTPConfig configures an HTTPSource.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	RateLimit  float64 // requests per second; <= 0 means unlimited
	Burst      int
	Timeout    time.Duration
	MaxRetries uint64
	RetryWait  time.Duration // initial backoff interval
}

// HTTPSource fetches quotes from a Finnhub-compatible REST API:
//
//	GET /quote?symbol=AAPL&token=KEY  ->  {"c": 187.32, "pc": 185.10, "t": 1700000000}
//
// Requests are rate limited and retried with exponential backoff on 429,
// 5xx and transport errors.
type HTTPSource struct {
	client     *resty.Client
	apiKey     string
	limiter    *rate.Limiter
	maxRetries uint64
	retryWait  time.Duration
	now        func() time.Time
}

// NewHTTPSource creates a quote source for cfg.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &HTTPSource{
		client:     resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.Timeout),
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		maxRetries: cfg.MaxRetries,
		retryWait:  cfg.RetryWait,
		now:        time.Now,
	}
}

// finnhubQuote is the /quote response body.
type finnhubQuote struct {
	Current   decimal.Decimal `json:"c"`
	PrevClose decimal.Decimal `json:"pc"`
	Time      int64           `json:"t"`
}

// GetQuote fetches one symbol. AsOf is the time the response was received,
// not the exchange timestamp, so after-hours quotes are still current
// observations of the last price.
func (s *HTTPSource) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	var body finnhubQuote

	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter wait failed: %w", err))
		}

		resp, err := s.client.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetQueryParam("token", s.apiKey).
			SetResult(&body).
			Get("/quote")
		if err != nil {
			// Network or other client-side errors.
			return err
		}
		if code := resp.StatusCode(); code == http.StatusTooManyRequests || code >= 500 {
			return fmt.Errorf("request failed with status %s", resp.Status())
		}
		if resp.IsError() {
			return backoff.Permanent(fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String()))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryWait
	notify := func(err error, wait time.Duration) {
		slog.Warn("quote request failed, retrying", "symbol", symbol, "retry_after", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx), notify); err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s: %w", ErrQuoteUnavailable, symbol, err)
	}

	// Finnhub answers unknown symbols with an all-zero body.
	if !body.Current.IsPositive() {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	return model.Quote{
		Symbol: symbol,
		Name:   DisplayName(symbol),
		Price:  body.Current,
		AsOf:   s.now().UTC(),
	}, nil
}

// GetQuotes fetches each symbol in turn; the API has no batch endpoint.
func (s *HTTPSource) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	return fetchAll(ctx, symbols, s.GetQuote)
}
