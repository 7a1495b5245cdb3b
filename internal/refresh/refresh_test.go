package refresh_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/auth"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/refresh"
	"github.com/atmx/papertrade/internal/session"
	"github.com/atmx/papertrade/internal/store"
	"github.com/atmx/papertrade/internal/trade"
)

type call struct {
	user  string
	epoch session.Epoch
}

// recorder records revaluations and answers with the configured error.
type recorder struct {
	mu     sync.Mutex
	calls  []call
	errs   map[string]error
	before func(user string)
}

func (r *recorder) RevalueSession(_ context.Context, user string, epoch session.Epoch) error {
	if r.before != nil {
		r.before(user)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{user, epoch})
	return r.errs[user]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRunOnce_RevaluesOpenSessions(t *testing.T) {
	reg := session.NewRegistry()
	ea := reg.Begin("alice")
	eb := reg.Begin("bob")
	reg.Begin("carol")
	reg.End("carol")

	rec := &recorder{errs: map[string]error{}}
	st := refresh.New(reg, rec, time.Minute, time.Second).RunOnce(context.Background())

	assert.Equal(t, refresh.Stats{Users: 2, Applied: 2}, st)
	assert.Equal(t, []call{{"alice", ea}, {"bob", eb}}, rec.calls)
}

func TestRunOnce_CountsOutcomes(t *testing.T) {
	reg := session.NewRegistry()
	reg.Begin("alice")
	reg.Begin("bob")
	reg.Begin("carol")

	rec := &recorder{errs: map[string]error{
		"bob":   session.ErrEnded,
		"carol": errors.New("store down"),
	}}
	st := refresh.New(reg, rec, time.Minute, time.Second).RunOnce(context.Background())
	assert.Equal(t, refresh.Stats{Users: 3, Applied: 1, Discarded: 1, Failed: 1}, st)
}

func TestRunOnce_SkipsUsersWhoLeftMidPass(t *testing.T) {
	reg := session.NewRegistry()
	reg.Begin("alice")
	reg.Begin("bob")

	rec := &recorder{errs: map[string]error{}}
	rec.before = func(user string) {
		if user == "alice" {
			reg.End("bob")
		}
	}
	st := refresh.New(reg, rec, time.Minute, time.Second).RunOnce(context.Background())

	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 1, rec.count())
}

func TestStart_RunsOnSchedule(t *testing.T) {
	reg := session.NewRegistry()
	reg.Begin("alice")
	rec := &recorder{errs: map[string]error{}}

	r := refresh.New(reg, rec, 50*time.Millisecond, time.Second)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

// staticQuotes prices everything from the mock catalog, with overrides.
type staticQuotes struct {
	*quote.MockSource
	aapl decimal.Decimal
}

func (s staticQuotes) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	out, err := s.MockSource.GetQuotes(ctx, symbols)
	if q, ok := out["AAPL"]; ok {
		q.Price = s.aapl
		out["AAPL"] = q
	}
	return out, err
}

func TestRunOnce_WithTradeService(t *testing.T) {
	ms := store.NewMemoryStore()
	quotes := staticQuotes{MockSource: quote.NewStaticMockSource(), aapl: decimal.RequireFromString("200")}
	svc := trade.NewService(ms, quotes, nil, nil, nil, trade.Config{RetryWait: time.Millisecond})
	ctx := auth.WithUserID(context.Background(), "alice")

	_, err := svc.BeginSession(ctx)
	require.NoError(t, err)
	_, err = svc.Buy(ctx, "AAPL", 10) // executes at the catalog price 187.32
	require.NoError(t, err)

	r := refresh.New(svc.Sessions(), svc, time.Minute, time.Second)
	st := r.RunOnce(context.Background())
	assert.Equal(t, 1, st.Applied)

	p, err := ms.GetPortfolio(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, p.TotalGainLoss.Equal(decimal.RequireFromString("126.8")), "gain %s", p.TotalGainLoss)

	require.NoError(t, svc.EndSession(ctx))
	st = r.RunOnce(context.Background())
	assert.Equal(t, refresh.Stats{}, st)
}
