// Package ledger implements the order execution engine for simulated market
// orders against a virtual cash balance.
//
// The engine enforces:
//   - Solvency: a buy never takes cash below zero (no partial fills)
//   - Availability: a sell never takes a position below zero shares
//   - Weighted-average cost basis on buys, pro-rata cost release on sells
//
// The engine is stateless: portfolio snapshots are passed in and new
// snapshots returned. Inputs are never mutated, so a rejected order leaves
// the caller's state exactly as it was.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a buy costs more than the
	// available cash.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sell asks for more shares
	// than the position holds.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrNoPosition is returned when selling a symbol that is not held.
	ErrNoPosition = errors.New("ledger: no position for symbol")

	// ErrInvalidQuantity is returned when quantity is not a positive integer.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

	// ErrInvalidPrice is returned when the execution price is not positive.
	ErrInvalidPrice = errors.New("ledger: price must be positive")

	// ErrInvalidSide is returned for a trade type other than BUY or SELL.
	ErrInvalidSide = errors.New("ledger: side must be BUY or SELL")
)

// IsRejection reports whether err is an expected, user-facing validation
// outcome rather than an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientShares) ||
		errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInvalidSide)
}

// Order is a single market-order intent, already priced.
type Order struct {
	Symbol      string
	DisplayName string
	Quantity    int64
	Price       decimal.Decimal // current quote for Symbol
}

// Engine applies orders to portfolio snapshots. The clock and ID source are
// injectable so executions are reproducible in tests.
type Engine struct {
	Now   func() time.Time
	NewID func() string
}

// NewEngine creates an engine using wall-clock time and random UUIDs.
func NewEngine() *Engine {
	return &Engine{
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Execute dispatches to ExecuteBuy or ExecuteSell.
func (e *Engine) Execute(side model.TradeType, p *model.Portfolio, prof *model.UserTradingProfile, o Order) (*model.Execution, error) {
	switch side {
	case model.Buy:
		return e.ExecuteBuy(p, prof, o)
	case model.Sell:
		return e.ExecuteSell(p, prof, o)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

// ExecuteBuy applies a buy of o.Quantity shares at o.Price.
//
// An existing position is blended:
//
//	quantity'      = quantity + q
//	totalInvested' = totalInvested + q*price
//	averagePrice'  = totalInvested' / quantity'
//
// otherwise a new position is opened at averagePrice = price.
func (e *Engine) ExecuteBuy(p *model.Portfolio, prof *model.UserTradingProfile, o Order) (*model.Execution, error) {
	if err := validate(o); err != nil {
		return nil, err
	}

	qty := decimal.NewFromInt(o.Quantity)
	totalCost := o.Price.Mul(qty)

	if p.Cash.LessThan(totalCost) {
		return nil, fmt.Errorf("%w: order costs %s, cash available %s",
			ErrInsufficientFunds, totalCost.StringFixed(2), p.Cash.StringFixed(2))
	}

	now := e.Now().UTC()
	next := p.Clone()
	next.Cash = next.Cash.Sub(totalCost)

	if i := next.PositionIndex(o.Symbol); i >= 0 {
		pos := next.Positions[i]
		pos.Quantity += o.Quantity
		pos.TotalInvested = pos.TotalInvested.Add(totalCost)
		pos.AveragePrice = pos.TotalInvested.Div(decimal.NewFromInt(pos.Quantity))
		if o.DisplayName != "" {
			pos.DisplayName = o.DisplayName
		}
		pos.Mark(o.Price)
		next.Positions[i] = pos
	} else {
		pos := model.Position{
			Symbol:        o.Symbol,
			DisplayName:   o.DisplayName,
			Quantity:      o.Quantity,
			AveragePrice:  o.Price,
			TotalInvested: totalCost,
		}
		pos.Mark(o.Price)
		next.Positions = append(next.Positions, pos)
	}

	next.Recompute(now)

	trade := e.newTrade(p.UserID, model.Buy, o, totalCost, decimal.Zero, now)
	return &model.Execution{
		Portfolio: next,
		Profile:   bumpProfile(prof, p.UserID, next, now),
		Trade:     trade,
	}, nil
}

// ExecuteSell applies a sell of o.Quantity shares at o.Price.
//
// Selling the whole position removes it. A partial sell releases cost basis
// pro rata, leaving the average price per remaining share unchanged:
//
//	investmentSold = totalInvested * q / quantity
//
// The realized gain (proceeds - investmentSold) is recorded on the trade and
// accumulated on the portfolio.
func (e *Engine) ExecuteSell(p *model.Portfolio, prof *model.UserTradingProfile, o Order) (*model.Execution, error) {
	if err := validate(o); err != nil {
		return nil, err
	}

	i := p.PositionIndex(o.Symbol)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, o.Symbol)
	}
	held := p.Positions[i]
	if held.Quantity < o.Quantity {
		return nil, fmt.Errorf("%w: requested %d, held %d", ErrInsufficientShares, o.Quantity, held.Quantity)
	}

	now := e.Now().UTC()
	proceeds := o.Price.Mul(decimal.NewFromInt(o.Quantity))

	next := p.Clone()
	next.Cash = next.Cash.Add(proceeds)

	var investmentSold decimal.Decimal
	if o.Quantity == held.Quantity {
		investmentSold = held.TotalInvested
		next.Positions = append(next.Positions[:i], next.Positions[i+1:]...)
	} else {
		// Multiply before dividing: exact whenever the cost basis is.
		investmentSold = held.TotalInvested.
			Mul(decimal.NewFromInt(o.Quantity)).
			Div(decimal.NewFromInt(held.Quantity))

		pos := held
		pos.Quantity -= o.Quantity
		pos.TotalInvested = pos.TotalInvested.Sub(investmentSold)
		pos.Mark(o.Price)
		next.Positions[i] = pos
	}

	realized := proceeds.Sub(investmentSold)
	next.RealizedGainLoss = next.RealizedGainLoss.Add(realized)
	next.Recompute(now)

	if o.DisplayName == "" {
		o.DisplayName = held.DisplayName
	}
	trade := e.newTrade(p.UserID, model.Sell, o, proceeds, realized, now)
	return &model.Execution{
		Portfolio: next,
		Profile:   bumpProfile(prof, p.UserID, next, now),
		Trade:     trade,
	}, nil
}

func (e *Engine) newTrade(userID string, side model.TradeType, o Order, total, realized decimal.Decimal, now time.Time) model.Trade {
	return model.Trade{
		ID:               e.NewID(),
		UserID:           userID,
		Symbol:           o.Symbol,
		DisplayName:      o.DisplayName,
		Type:             side,
		Quantity:         o.Quantity,
		Price:            o.Price,
		TotalAmount:      total,
		RealizedGainLoss: realized,
		Status:           model.TradeStatusCompleted,
		Timestamp:        now,
	}
}

// bumpProfile returns a copy of prof with the trade counters advanced.
func bumpProfile(prof *model.UserTradingProfile, userID string, p *model.Portfolio, now time.Time) *model.UserTradingProfile {
	var next *model.UserTradingProfile
	if prof == nil {
		next = model.NewProfile(userID, p.TotalValue, now)
	} else {
		next = prof.Clone()
	}
	next.TotalTrades++
	next.LastTradeAt = &now
	next.TotalPortfolioValue = p.TotalValue
	return next
}

func validate(o Order) error {
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, o.Quantity)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidPrice, o.Price)
	}
	return nil
}
