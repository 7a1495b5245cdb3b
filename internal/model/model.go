// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the direction of an executed order.
type TradeType string

const (
	Buy  TradeType = "BUY"
	Sell TradeType = "SELL"
)

// Valid reports whether t is BUY or SELL.
func (t TradeType) Valid() bool {
	return t == Buy || t == Sell
}

// TradeStatusCompleted is stamped on every executed trade. Market orders
// fill immediately, so no other status is ever produced.
const TradeStatusCompleted = "COMPLETED"

// hundred is used for percentage conversions.
var hundred = decimal.NewFromInt(100)

// Position is a user's current holding in one symbol. A position with zero
// quantity must not exist; it is removed from the portfolio instead.
type Position struct {
	Symbol      string `json:"symbol" db:"symbol"`
	DisplayName string `json:"display_name" db:"display_name"`
	Quantity    int64  `json:"quantity" db:"quantity"`

	// Cost basis. TotalInvested == Quantity * AveragePrice after every mutation.
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`

	// Derived from the latest quote.
	CurrentPrice              decimal.Decimal `json:"current_price" db:"current_price"`
	CurrentValue              decimal.Decimal `json:"current_value" db:"current_value"`
	UnrealizedGainLoss        decimal.Decimal `json:"unrealized_gain_loss" db:"unrealized_gain_loss"`
	UnrealizedGainLossPercent decimal.Decimal `json:"unrealized_gain_loss_percent" db:"unrealized_gain_loss_percent"`
}

// Mark recomputes the position's derived fields against price.
// Quantity and cost basis are left untouched.
func (p *Position) Mark(price decimal.Decimal) {
	p.CurrentPrice = price
	p.CurrentValue = price.Mul(decimal.NewFromInt(p.Quantity))
	p.UnrealizedGainLoss = p.CurrentValue.Sub(p.TotalInvested)
	p.UnrealizedGainLossPercent = percentOf(p.UnrealizedGainLoss, p.TotalInvested)
}

// Portfolio is the per-user root aggregate: cash plus a set of positions
// unique by symbol. The Total* fields are derived by Recompute and are never
// written anywhere else.
type Portfolio struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	Positions []Position      `json:"positions"`

	TotalInvested        decimal.Decimal `json:"total_invested" db:"total_invested"`
	TotalValue           decimal.Decimal `json:"total_value" db:"total_value"`
	TotalGainLoss        decimal.Decimal `json:"total_gain_loss" db:"total_gain_loss"`
	TotalGainLossPercent decimal.Decimal `json:"total_gain_loss_percent" db:"total_gain_loss_percent"`

	// RealizedGainLoss is the running sum of gains locked in by sells.
	RealizedGainLoss decimal.Decimal `json:"realized_gain_loss" db:"realized_gain_loss"`

	// Version is incremented by the store on every successful write and is
	// used for optimistic concurrency control.
	Version     int64     `json:"version" db:"version"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// NewPortfolio creates the initial portfolio for a user: starting cash and
// no positions.
func NewPortfolio(userID string, cash decimal.Decimal, at time.Time) *Portfolio {
	p := &Portfolio{
		UserID:    userID,
		Cash:      cash,
		Positions: []Position{},
	}
	p.Recompute(at)
	return p
}

// Clone returns a deep copy, so engines can derive a new snapshot without
// touching the caller's.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = make([]Position, len(p.Positions))
	copy(c.Positions, p.Positions)
	return &c
}

// PositionIndex returns the index of the position for symbol, or -1.
func (p *Portfolio) PositionIndex(symbol string) int {
	for i := range p.Positions {
		if p.Positions[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

// Position returns a copy of the position held in symbol.
func (p *Portfolio) Position(symbol string) (Position, bool) {
	if i := p.PositionIndex(symbol); i >= 0 {
		return p.Positions[i], true
	}
	return Position{}, false
}

// Symbols lists the symbols currently held.
func (p *Portfolio) Symbols() []string {
	out := make([]string, 0, len(p.Positions))
	for _, pos := range p.Positions {
		out = append(out, pos.Symbol)
	}
	return out
}

// Recompute derives the portfolio-level aggregates from cash and positions:
//
//	TotalInvested = Σ position.TotalInvested
//	TotalValue    = Cash + Σ position.CurrentValue
//	TotalGainLoss = Σ position.UnrealizedGainLoss
func (p *Portfolio) Recompute(at time.Time) {
	invested := decimal.Zero
	marketValue := decimal.Zero
	gainLoss := decimal.Zero
	for _, pos := range p.Positions {
		invested = invested.Add(pos.TotalInvested)
		marketValue = marketValue.Add(pos.CurrentValue)
		gainLoss = gainLoss.Add(pos.UnrealizedGainLoss)
	}
	p.TotalInvested = invested
	p.TotalValue = p.Cash.Add(marketValue)
	p.TotalGainLoss = gainLoss
	p.TotalGainLossPercent = percentOf(gainLoss, invested)
	p.LastUpdated = at.UTC()
}

// Trade is an immutable record of one execution.
// Once created, trades are never modified or deleted.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Type        TradeType       `json:"type" db:"type"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`               // execution price
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"` // quantity * price

	// RealizedGainLoss is proceeds minus the cost basis released by a sell.
	// Always zero for buys.
	RealizedGainLoss decimal.Decimal `json:"realized_gain_loss" db:"realized_gain_loss"`
	Status           string          `json:"status" db:"status"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// UserTradingProfile is secondary per-user metadata, created alongside the
// portfolio and bumped after every successful trade.
type UserTradingProfile struct {
	UserID              string          `json:"user_id" db:"user_id"`
	TotalTrades         int64           `json:"total_trades" db:"total_trades"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value" db:"total_portfolio_value"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	LastTradeAt         *time.Time      `json:"last_trade_at" db:"last_trade_at"` // nil until the first trade
}

// NewProfile creates an empty profile for a user.
func NewProfile(userID string, portfolioValue decimal.Decimal, at time.Time) *UserTradingProfile {
	return &UserTradingProfile{
		UserID:              userID,
		TotalPortfolioValue: portfolioValue,
		CreatedAt:           at.UTC(),
	}
}

// Clone returns a copy that does not share LastTradeAt.
func (u *UserTradingProfile) Clone() *UserTradingProfile {
	c := *u
	if u.LastTradeAt != nil {
		t := *u.LastTradeAt
		c.LastTradeAt = &t
	}
	return &c
}

// Quote is a single price observation for a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name,omitempty"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// Execution is the result of applying one order: the new portfolio and
// profile snapshots plus the trade to append. Stores persist it as a single
// atomic unit.
type Execution struct {
	Portfolio *Portfolio          `json:"portfolio"`
	Profile   *UserTradingProfile `json:"profile"`
	Trade     Trade               `json:"trade"`
}

// percentOf returns part/whole*100, or zero when whole is not positive.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
