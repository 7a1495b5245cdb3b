package quote

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// MockSource prices the built-in catalog. Within each time bucket the price
// is fixed; across buckets it drifts around the reference price by at most
// MaxDrift (a fraction, e.g. 0.02 for ±2%). The drift is a hash of symbol
// and bucket, so every process computes the same price for the same instant.
type MockSource struct {
	Now      func() time.Time
	Bucket   time.Duration
	MaxDrift decimal.Decimal
}

// NewMockSource creates a drifting mock that re-prices every bucket.
func NewMockSource(bucket time.Duration, maxDrift decimal.Decimal) *MockSource {
	return &MockSource{Now: time.Now, Bucket: bucket, MaxDrift: maxDrift}
}

// NewStaticMockSource creates a mock that always returns reference prices.
func NewStaticMockSource() *MockSource {
	return &MockSource{Now: time.Now}
}

func (m *MockSource) GetQuote(_ context.Context, symbol string) (model.Quote, error) {
	l, ok := Lookup(symbol)
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	now := m.Now().UTC()
	return model.Quote{
		Symbol: symbol,
		Name:   l.Name,
		Price:  m.price(l, now),
		AsOf:   now,
	}, nil
}

func (m *MockSource) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	return fetchAll(ctx, symbols, m.GetQuote)
}

// price = reference * (1 + drift), drift uniform in [-MaxDrift, +MaxDrift]
// in steps of 1/10000, rounded to cents.
func (m *MockSource) price(l Listing, now time.Time) decimal.Decimal {
	if m.Bucket <= 0 || !m.MaxDrift.IsPositive() {
		return l.Price
	}
	bucket := now.UnixNano() / int64(m.Bucket)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", l.Symbol, bucket)
	step := int64(h.Sum64()%20001) - 10000 // -10000 .. 10000

	drift := m.MaxDrift.Mul(decimal.New(step, -4))
	p := l.Price.Mul(decimal.NewFromInt(1).Add(drift)).Round(2)
	if !p.IsPositive() {
		return l.Price
	}
	return p
}
