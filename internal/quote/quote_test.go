package quote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/atmx/papertrade/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

// --- Mock source ---

func TestMockSource_Static(t *testing.T) {
	m := NewStaticMockSource()
	q, err := m.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("187.32")))
	assert.Equal(t, "Apple Inc.", q.Name)

	_, err = m.GetQuote(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestMockSource_DriftIsDeterministicAndBounded(t *testing.T) {
	now := t0
	m := &MockSource{Now: func() time.Time { return now }, Bucket: 30 * time.Second, MaxDrift: d("0.02")}
	ctx := context.Background()

	first, err := m.GetQuote(ctx, "NVDA")
	require.NoError(t, err)
	now = now.Add(10 * time.Second) // same bucket
	again, err := m.GetQuote(ctx, "NVDA")
	require.NoError(t, err)
	assert.True(t, first.Price.Equal(again.Price), "price moved within a bucket")

	ref := d("875.25")
	lo, hi := ref.Mul(d("0.98")).Round(2), ref.Mul(d("1.02")).Round(2)
	for i := 0; i < 200; i++ {
		now = now.Add(30 * time.Second)
		q, err := m.GetQuote(ctx, "NVDA")
		require.NoError(t, err)
		assert.True(t, q.Price.GreaterThanOrEqual(lo) && q.Price.LessThanOrEqual(hi), "price %s outside [%s, %s]", q.Price, lo, hi)
		assert.Equal(t, int32(-2), q.Price.Exponent(), "price %s not in cents", q.Price)
	}
}

func TestMockSource_GetQuotesPartial(t *testing.T) {
	got, err := NewStaticMockSource().GetQuotes(context.Background(), []string{"AAPL", "NOPE", "MSFT"})
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "MSFT")
}

// --- HTTP source ---

func setupTestServer(handler http.Handler) (*HTTPSource, *httptest.Server) {
	server := httptest.NewServer(handler)
	src := &HTTPSource{
		client:     resty.New().SetBaseURL(server.URL),
		apiKey:     "test_token",
		limiter:    rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		maxRetries: 2,
		retryWait:  time.Millisecond,
		now:        func() time.Time { return t0 },
	}
	return src, server
}

func jsonReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestHTTPSource_GetQuote(t *testing.T) {
	src, server := setupTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "MSFT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "test_token", r.URL.Query().Get("token"))
		jsonReply(w, http.StatusOK, `{"c": 402.65, "pc": 399.10, "t": 1700000000}`)
	}))
	defer server.Close()

	q, err := src.GetQuote(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("402.65")), "price %s", q.Price)
	assert.Equal(t, "Microsoft Corp.", q.Name)
	assert.True(t, q.AsOf.Equal(t0))
}

func TestHTTPSource_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	src, server := setupTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			jsonReply(w, http.StatusServiceUnavailable, `{"error": "busy"}`)
			return
		}
		jsonReply(w, http.StatusOK, `{"c": 43.21, "pc": 43.00, "t": 1700000000}`)
	}))
	defer server.Close()

	q, err := src.GetQuote(context.Background(), "INTC")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("43.21")))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSource_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	src, server := setupTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonReply(w, http.StatusTooManyRequests, `{"error": "API limit reached"}`)
	}))
	defer server.Close()

	_, err := src.GetQuote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestHTTPSource_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	src, server := setupTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonReply(w, http.StatusUnauthorized, `{"error": "Invalid API key"}`)
	}))
	defer server.Close()

	_, err := src.GetQuote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPSource_UnknownSymbol(t *testing.T) {
	src, server := setupTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusOK, `{"c": 0, "pc": 0, "t": 0}`)
	}))
	defer server.Close()

	_, err := src.GetQuote(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

// --- Cached source ---

// stubSource counts calls and fails while failing is set.
type stubSource struct {
	prices  map[string]decimal.Decimal
	now     func() time.Time
	calls   int
	failing bool
}

func (s *stubSource) GetQuote(_ context.Context, symbol string) (model.Quote, error) {
	s.calls++
	if s.failing {
		return model.Quote{}, errors.New("upstream down")
	}
	p, ok := s.prices[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return model.Quote{Symbol: symbol, Price: p, AsOf: s.now()}, nil
}

func (s *stubSource) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	return fetchAll(ctx, symbols, s.GetQuote)
}

func newCached(t *testing.T) (*CachedSource, *stubSource, *time.Time) {
	t.Helper()
	now := t0
	clock := func() time.Time { return now }
	up := &stubSource{prices: map[string]decimal.Decimal{"AAPL": d("187.32"), "MSFT": d("402.65")}, now: clock}
	c, err := NewCachedSource(up, 16, 15*time.Second, 5*time.Minute)
	require.NoError(t, err)
	c.now = clock
	return c, up, &now
}

func TestCachedSource_ExecutionTTL(t *testing.T) {
	c, up, now := newCached(t)
	ctx := context.Background()

	_, err := c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	*now = now.Add(10 * time.Second)
	_, err = c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, up.calls, "second call within TTL should hit cache")

	*now = now.Add(10 * time.Second)
	_, err = c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, up.calls, "expired entry should refetch")
}

func TestCachedSource_ExecutionNeverUsesFallback(t *testing.T) {
	c, up, now := newCached(t)
	ctx := context.Background()

	_, err := c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)

	up.failing = true
	*now = now.Add(time.Minute)
	_, err = c.GetQuote(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrQuoteUnavailable)

	last, ok := c.Last("AAPL")
	assert.True(t, ok)
	assert.True(t, last.Price.Equal(d("187.32")))
}

func TestCachedSource_UnknownSymbolPassesThrough(t *testing.T) {
	c, _, _ := newCached(t)
	_, err := c.GetQuote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.NotErrorIs(t, err, ErrQuoteUnavailable)
}

func TestCachedSource_ValuationFallsBackToLastKnown(t *testing.T) {
	c, up, now := newCached(t)
	ctx := context.Background()

	_, err := c.GetQuotes(ctx, []string{"AAPL"})
	require.NoError(t, err)

	up.failing = true
	*now = now.Add(time.Hour)
	got, err := c.GetQuotes(ctx, []string{"AAPL", "MSFT"})

	// AAPL falls back, MSFT was never seen.
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	require.Contains(t, got, "AAPL")
	assert.True(t, got["AAPL"].Price.Equal(d("187.32")))
	assert.NotContains(t, got, "MSFT")
}

func TestCachedSource_DisplayTTL(t *testing.T) {
	c, up, now := newCached(t)
	ctx := context.Background()

	_, err := c.GetQuotes(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Equal(t, 2, up.calls)

	*now = now.Add(4 * time.Minute)
	_, err = c.GetQuotes(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Equal(t, 2, up.calls, "within display TTL")

	*now = now.Add(2 * time.Minute)
	_, err = c.GetQuotes(ctx, []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 3, up.calls)
}

func TestCatalog(t *testing.T) {
	assert.Len(t, Catalog, 15)
	assert.Equal(t, "NVIDIA Corporation", DisplayName("NVDA"))
	assert.Equal(t, "ZZZZ", DisplayName("ZZZZ"))
}
