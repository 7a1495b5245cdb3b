// Package trade is the trading session facade. It resolves the caller,
// prices orders through the quote source, runs them through the ledger
// engine and persists the result. Every read-modify-write of a portfolio
// runs under a per-user lock and a version-checked store write, so two
// orders for the same user can never both spend the same cash.
//
// The package also serves the HTTP API and pushes portfolio snapshots to
// WebSocket clients.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/auth"
	"github.com/atmx/papertrade/internal/ledger"
	"github.com/atmx/papertrade/internal/limits"
	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/session"
	"github.com/atmx/papertrade/internal/store"
	"github.com/atmx/papertrade/internal/symbol"
	"github.com/atmx/papertrade/internal/valuation"
)

const (
	// DefaultTradesLimit is the trade history page size when none is given.
	DefaultTradesLimit = 50

	// MaxTradesLimit caps a single trade history request.
	MaxTradesLimit = 500

	defaultMaxAttempts = 3
	defaultReadRetries = 3
	defaultRetryWait   = 100 * time.Millisecond
)

// DefaultStartingCash seeds every new portfolio.
var DefaultStartingCash = decimal.NewFromInt(100000)

// Config tunes a Service. Zero fields take defaults.
type Config struct {
	StartingCash decimal.Decimal

	// MaxAttempts bounds how often an execution's read-modify-write cycle
	// is restarted after a version conflict.
	MaxAttempts int

	// ReadRetries and RetryWait drive the exponential backoff applied to
	// idempotent store reads and to valuation refreshes.
	ReadRetries uint64
	RetryWait   time.Duration

	// Engine overrides the execution engine, e.g. to fix the clock.
	Engine *ledger.Engine
}

// Service is the trading session facade.
type Service struct {
	store    store.Store
	quotes   quote.Source
	limiter  *limits.PositionLimiter
	sessions *session.Registry
	hub      *WSHub // optional WebSocket hub for portfolio pushes
	engine   *ledger.Engine
	locks    keyedMutex

	startingCash decimal.Decimal
	maxAttempts  int
	readRetries  uint64
	retryWait    time.Duration
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket pushes are not needed, and nil for limiter
// to trade without limits.
func NewService(st store.Store, quotes quote.Source, limiter *limits.PositionLimiter, sessions *session.Registry, hub *WSHub, cfg Config) *Service {
	s := &Service{
		store:        st,
		quotes:       quotes,
		limiter:      limiter,
		sessions:     sessions,
		hub:          hub,
		engine:       cfg.Engine,
		startingCash: cfg.StartingCash,
		maxAttempts:  cfg.MaxAttempts,
		readRetries:  cfg.ReadRetries,
		retryWait:    cfg.RetryWait,
	}
	if s.limiter == nil {
		s.limiter = &limits.PositionLimiter{}
	}
	if s.sessions == nil {
		s.sessions = session.NewRegistry()
	}
	if s.engine == nil {
		s.engine = ledger.NewEngine()
	}
	if !s.startingCash.IsPositive() {
		s.startingCash = DefaultStartingCash
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.readRetries == 0 {
		s.readRetries = defaultReadRetries
	}
	if s.retryWait <= 0 {
		s.retryWait = defaultRetryWait
	}
	return s
}

// Outcome is what an order reports back for display.
type Outcome struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	Trade     *model.Trade     `json:"trade,omitempty"`
	Portfolio *model.Portfolio `json:"portfolio,omitempty"`
}

// Buy buys qty shares of sym at the current quote.
func (s *Service) Buy(ctx context.Context, sym string, qty int64) (Outcome, error) {
	return s.Execute(ctx, model.Buy, sym, qty)
}

// Sell sells qty shares of sym at the current quote.
func (s *Service) Sell(ctx context.Context, sym string, qty int64) (Outcome, error) {
	return s.Execute(ctx, model.Sell, sym, qty)
}

// Execute places a market order for the authenticated user. The Outcome is
// always filled in for display; err is non-nil whenever Success is false and
// wraps the reason (a ledger or limits rejection, quote.ErrQuoteUnavailable,
// auth.ErrNotAuthenticated, or a store failure).
func (s *Service) Execute(ctx context.Context, side model.TradeType, sym string, qty int64) (Outcome, error) {
	exec, err := s.execute(ctx, side, sym, qty)
	if err != nil {
		return Outcome{Success: false, Message: classify(err).message}, err
	}
	return Outcome{
		Success:   true,
		Message:   executedMessage(exec.Trade),
		Trade:     &exec.Trade,
		Portfolio: exec.Portfolio,
	}, nil
}

func (s *Service) execute(ctx context.Context, side model.TradeType, rawSymbol string, qty int64) (*model.Execution, error) {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, s.reject(uid, fmt.Errorf("%w: %q", ledger.ErrInvalidSide, side))
	}
	sym, err := symbol.Normalize(rawSymbol)
	if err != nil {
		return nil, s.reject(uid, err)
	}
	if qty <= 0 {
		return nil, s.reject(uid, fmt.Errorf("%w: got %d", ledger.ErrInvalidQuantity, qty))
	}

	start := time.Now()

	// Never execute at a stale or fallback price.
	q, err := s.quotes.GetQuote(ctx, sym)
	if err != nil {
		return nil, s.reject(uid, err)
	}

	unlock := s.locks.Lock(uid)
	defer unlock()

	order := ledger.Order{Symbol: sym, DisplayName: q.Name, Quantity: qty, Price: q.Price}
	for attempt := 1; ; attempt++ {
		p, prof, err := s.loadAccount(ctx, uid)
		if err != nil {
			return nil, err
		}
		// Ledger rejections (funds, shares) take precedence over limits.
		exec, err := s.engine.Execute(side, p, prof, order)
		if err != nil {
			return nil, s.reject(uid, err)
		}
		if err := s.limiter.CheckLimit(p, side, sym, qty, q.Price); err != nil {
			return nil, s.reject(uid, err)
		}

		err = s.store.CommitExecution(ctx, exec)
		if err == nil {
			s.recordTrade(exec, time.Since(start))
			return exec, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= s.maxAttempts {
			slog.Error("trade commit failed", "user", uid, "symbol", sym, "side", side, "attempt", attempt, "err", err)
			return nil, fmt.Errorf("trade: commit %s %s: %w", side, sym, err)
		}
		metrics.StoreConflicts.WithLabelValues("execute").Inc()
		slog.Warn("portfolio changed during trade, retrying", "user", uid, "symbol", sym, "attempt", attempt)
	}
}

func (s *Service) recordTrade(exec *model.Execution, took time.Duration) {
	t := exec.Trade
	side := string(t.Type)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(took.Seconds())
	metrics.TradeVolume.WithLabelValues(side).Add(t.TotalAmount.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"side", side,
		"qty", t.Quantity,
		"price", t.Price.String(),
		"total", t.TotalAmount.String(),
		"realized", t.RealizedGainLoss.String(),
		"cash", exec.Portfolio.Cash.String(),
		"version", exec.Portfolio.Version,
	)

	s.publish(*exec.Portfolio, &t)
}

// reject counts and logs an order refused for err, and returns err.
func (s *Service) reject(uid string, err error) error {
	f := classify(err)
	metrics.OrderRejections.WithLabelValues(f.reason).Inc()
	slog.Info("order rejected", "user", uid, "reason", f.reason, "err", err)
	return err
}

func executedMessage(t model.Trade) string {
	verb := "Buy"
	if t.Type == model.Sell {
		verb = "Sell"
	}
	msg := fmt.Sprintf("%s order executed successfully: %d %s at %s, total %s",
		verb, t.Quantity, t.Symbol, usd(t.Price), usd(t.TotalAmount))
	if t.Type == model.Sell {
		msg += fmt.Sprintf(" (realized %s)", usd(t.RealizedGainLoss))
	}
	return msg
}

// --- Reads ---

// Snapshot returns the caller's current portfolio, creating the account on
// first access.
func (s *Service) Snapshot(ctx context.Context) (*model.Portfolio, error) {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	p, _, err := s.loadAccount(ctx, uid)
	return p, err
}

// Profile returns the caller's trading profile.
func (s *Service) Profile(ctx context.Context) (*model.UserTradingProfile, error) {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	p, prof, err := s.loadAccount(ctx, uid)
	if err != nil {
		return nil, err
	}
	if prof == nil {
		prof = model.NewProfile(uid, p.TotalValue, p.LastUpdated)
	}
	return prof, nil
}

// TradeQuery filters trade history.
type TradeQuery struct {
	Limit  int    // <= 0 means DefaultTradesLimit
	Symbol string // optional
}

// Trades returns the caller's most recent trades, newest first.
func (s *Service) Trades(ctx context.Context, q TradeQuery) ([]model.Trade, error) {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTradesLimit
	}
	limit = min(limit, MaxTradesLimit)

	var sym string
	if q.Symbol != "" {
		if sym, err = symbol.Normalize(q.Symbol); err != nil {
			return nil, err
		}
	}

	return retryRead(ctx, s, func() ([]model.Trade, error) {
		out := make([]model.Trade, 0, min(limit, 64))
		for t, err := range s.store.ListTrades(ctx, uid) {
			if err != nil {
				return nil, err
			}
			if sym != "" && t.Symbol != sym {
				continue
			}
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
		return out, nil
	})
}

// Quote returns a display quote for sym. Unlike order execution it may be
// served from the display cache or a last-known price.
func (s *Service) Quote(ctx context.Context, raw string) (model.Quote, error) {
	sym, err := symbol.Normalize(raw)
	if err != nil {
		return model.Quote{}, err
	}
	quotes, err := s.quotes.GetQuotes(ctx, []string{sym})
	if q, ok := quotes[sym]; ok {
		return q, nil
	}
	if err == nil {
		err = fmt.Errorf("%w: %s", quote.ErrQuoteUnavailable, sym)
	}
	return model.Quote{}, err
}

// PreviewResult is an order preview with its display message.
type PreviewResult struct {
	ledger.Preview
	Message string `json:"message"`
}

// Preview evaluates an order for the caller without executing it.
func (s *Service) Preview(ctx context.Context, side model.TradeType, raw string, qty int64) (*PreviewResult, error) {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidSide, side)
	}
	sym, err := symbol.Normalize(raw)
	if err != nil {
		return nil, err
	}
	q, err := s.quotes.GetQuote(ctx, sym)
	if err != nil {
		return nil, err
	}
	p, _, err := s.loadAccount(ctx, uid)
	if err != nil {
		return nil, err
	}

	pv := s.engine.PreviewOrder(side, p, ledger.Order{Symbol: sym, DisplayName: q.Name, Quantity: qty, Price: q.Price})
	if pv.CanExecute {
		if err := s.limiter.CheckLimit(p, side, sym, qty, q.Price); err != nil {
			pv.CanExecute = false
			pv.Reason = err
		}
	}

	msg := fmt.Sprintf("%d %s at %s, total %s", qty, sym, usd(q.Price), usd(pv.TotalAmount))
	if !pv.CanExecute {
		msg = classify(pv.Reason).message
	}
	return &PreviewResult{Preview: pv, Message: msg}, nil
}

// --- Valuation ---

// Refresh is the result of a revaluation.
type Refresh struct {
	Portfolio *model.Portfolio `json:"portfolio"`

	// Stale lists held symbols for which no quote was available; their
	// values are from the previous revaluation.
	Stale []string `json:"stale"`
}

// RefreshValuation marks the caller's portfolio to market and persists it.
// Quote failures degrade to stale values for the affected symbols.
func (s *Service) RefreshValuation(ctx context.Context) (*Refresh, error) {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return s.revalue(ctx, uid, nil)
}

// RevalueSession revalues userID on behalf of the background refresher.
// The result is discarded with ErrSessionEnded when epoch is no longer the
// user's open session by the time it would be written.
func (s *Service) RevalueSession(ctx context.Context, userID string, epoch session.Epoch) error {
	_, err := s.revalue(ctx, userID, func() bool { return s.sessions.IsCurrent(userID, epoch) })
	return err
}

func (s *Service) revalue(ctx context.Context, uid string, current func() bool) (*Refresh, error) {
	p, _, err := s.loadAccount(ctx, uid)
	if err != nil {
		metrics.ValuationRefreshes.WithLabelValues("failed").Inc()
		return nil, err
	}
	if len(p.Positions) == 0 {
		return &Refresh{Portfolio: p, Stale: []string{}}, nil
	}

	quotes, qerr := s.quotes.GetQuotes(ctx, p.Symbols())
	if qerr != nil {
		slog.Warn("quotes unavailable, keeping last values", "user", uid, "got", len(quotes), "err", qerr)
	}
	if len(quotes) == 0 {
		metrics.ValuationRefreshes.WithLabelValues("failed").Inc()
		return &Refresh{Portfolio: p, Stale: p.Symbols()}, nil
	}

	unlock := s.locks.Lock(uid)
	defer unlock()

	op := func() (*model.Portfolio, error) {
		// Sessions change only under the user lock, so this check holds
		// until the write below.
		if current != nil && !current() {
			return nil, backoff.Permanent(ErrSessionEnded)
		}
		cur, err := s.store.GetPortfolio(ctx, uid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		next := valuation.Revalue(cur, quotes, s.engine.Now())
		if err := s.store.SavePortfolio(ctx, next); err != nil {
			if errors.Is(err, store.ErrConflict) {
				metrics.StoreConflicts.WithLabelValues("revalue").Inc()
			}
			return nil, err
		}
		return next, nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("revaluation failed, retrying", "user", uid, "retry_after", wait, "err", err)
	}

	next, err := backoff.RetryNotifyWithData(op, s.backOff(ctx), notify)
	switch {
	case errors.Is(err, ErrSessionEnded):
		metrics.ValuationRefreshes.WithLabelValues("discarded").Inc()
		slog.Debug("revaluation discarded, session ended", "user", uid)
		return nil, err
	case err != nil:
		metrics.ValuationRefreshes.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("trade: revalue %s: %w", uid, err)
	}

	metrics.ValuationRefreshes.WithLabelValues("applied").Inc()
	s.publish(*next, nil)

	stale := valuation.Stale(next, quotes)
	if stale == nil {
		stale = []string{}
	}
	return &Refresh{Portfolio: next, Stale: stale}, nil
}

// --- Sessions ---

// SessionInfo is returned when a session opens.
type SessionInfo struct {
	UserID    string                    `json:"user_id"`
	Epoch     session.Epoch             `json:"epoch"`
	Portfolio *model.Portfolio          `json:"portfolio"`
	Profile   *model.UserTradingProfile `json:"profile"`
}

// BeginSession opens a trading session for the caller, creating the account
// with the starting cash on first sign-in. A session already open for the
// same user is replaced, so its pending revaluations are discarded.
func (s *Service) BeginSession(ctx context.Context) (*SessionInfo, error) {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	p, prof, err := s.loadAccount(ctx, uid)
	if err != nil {
		return nil, err
	}
	if prof == nil {
		prof = model.NewProfile(uid, p.TotalValue, p.LastUpdated)
	}

	unlock := s.locks.Lock(uid)
	epoch := s.sessions.Begin(uid)
	unlock()

	slog.Info("session started", "user", uid, "epoch", epoch)
	return &SessionInfo{UserID: uid, Epoch: epoch, Portfolio: p, Profile: prof}, nil
}

// EndSession closes the caller's session and disconnects their WebSocket
// clients.
func (s *Service) EndSession(ctx context.Context) error {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(uid)
	s.sessions.End(uid)
	unlock()

	if s.hub != nil {
		s.hub.Disconnect(uid)
	}
	slog.Info("session ended", "user", uid)
	return nil
}

// Sessions returns the registry of open sessions.
func (s *Service) Sessions() *session.Registry {
	return s.sessions
}

// Run forwards portfolio changes committed by other processes to the
// WebSocket hub until ctx is done. It returns immediately when the store
// cannot push changes or there is no hub.
func (s *Service) Run(ctx context.Context) error {
	w, ok := s.store.(store.Watcher)
	if !ok || s.hub == nil {
		return nil
	}
	ch, err := w.Watch(ctx)
	if err != nil {
		return fmt.Errorf("trade: watch store: %w", err)
	}
	for p := range ch {
		s.hub.Publish(p, nil)
	}
	return nil
}

func (s *Service) publish(p model.Portfolio, t *model.Trade) {
	if s.hub != nil {
		s.hub.Publish(p, t)
	}
}

// --- Store access ---

// loadAccount reads the user's portfolio and profile, creating both on first
// access. The profile may be nil for accounts whose profile was lost; the
// engine recreates it on the next trade.
func (s *Service) loadAccount(ctx context.Context, uid string) (*model.Portfolio, *model.UserTradingProfile, error) {
	p, err := retryRead(ctx, s, func() (*model.Portfolio, error) {
		return s.store.GetPortfolio(ctx, uid)
	})
	if errors.Is(err, store.ErrNotFound) {
		return s.createAccount(ctx, uid)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("trade: load portfolio: %w", err)
	}

	prof, err := retryRead(ctx, s, func() (*model.UserTradingProfile, error) {
		return s.store.GetProfile(ctx, uid)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("trade: load profile: %w", err)
	}
	return p, prof, nil
}

func (s *Service) createAccount(ctx context.Context, uid string) (*model.Portfolio, *model.UserTradingProfile, error) {
	now := s.engine.Now()
	p := model.NewPortfolio(uid, s.startingCash, now)
	prof := model.NewProfile(uid, p.TotalValue, now)

	err := s.store.CreateAccount(ctx, p, prof)
	if errors.Is(err, store.ErrExists) {
		// Created concurrently; read the winner's.
		p, err = s.store.GetPortfolio(ctx, uid)
		if err != nil {
			return nil, nil, fmt.Errorf("trade: load portfolio: %w", err)
		}
		prof, err = s.store.GetProfile(ctx, uid)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("trade: load profile: %w", err)
		}
		return p, prof, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("trade: create account: %w", err)
	}

	slog.Info("account created", "user", uid, "starting_cash", s.startingCash.String())
	return p, prof, nil
}

func (s *Service) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryWait
	return backoff.WithContext(backoff.WithMaxRetries(b, s.readRetries), ctx)
}

// retryRead runs an idempotent read with exponential backoff. ErrNotFound
// and context errors are final.
func retryRead[T any](ctx context.Context, s *Service, read func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := read()
		if err != nil && (errors.Is(err, store.ErrNotFound) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("store read failed, retrying", "retry_after", wait, "err", err)
	}
	return backoff.RetryNotifyWithData(op, s.backOff(ctx), notify)
}
