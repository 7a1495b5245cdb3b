// Package limits implements pre-trade risk limits: a maximum order size, a
// maximum position size per symbol, and a concentration cap on how much of
// the portfolio's value a single symbol may represent after a buy.
//
// Limits are checked before the ledger executes an order. Sells always
// reduce exposure and are only subject to the order size limit.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrOrderLimitExceeded is returned when a single order asks for more
	// shares than MaxOrderQuantity.
	ErrOrderLimitExceeded = errors.New("limits: order size limit exceeded")

	// ErrPositionLimitExceeded is returned when a buy would push a position
	// beyond MaxPositionQuantity.
	ErrPositionLimitExceeded = errors.New("limits: position size limit exceeded")

	// ErrConcentrationExceeded is returned when a buy would make one symbol
	// worth more than MaxConcentration of the portfolio's total value.
	ErrConcentrationExceeded = errors.New("limits: concentration limit exceeded")
)

// IsLimit reports whether err is one of the limit violations.
func IsLimit(err error) bool {
	return errors.Is(err, ErrOrderLimitExceeded) ||
		errors.Is(err, ErrPositionLimitExceeded) ||
		errors.Is(err, ErrConcentrationExceeded)
}

// PositionLimiter enforces order and position limits. A zero value for any
// limit disables it, so the zero PositionLimiter allows everything.
type PositionLimiter struct {
	// MaxOrderQuantity is the maximum number of shares in a single order.
	MaxOrderQuantity int64

	// MaxPositionQuantity is the maximum number of shares held in any one
	// symbol.
	MaxPositionQuantity int64

	// MaxConcentration is the maximum fraction (0..1] of total portfolio
	// value that one symbol may be worth after a buy.
	MaxConcentration decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given limits.
func NewPositionLimiter(maxOrder, maxPosition int64, maxConcentration decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxOrderQuantity:    maxOrder,
		MaxPositionQuantity: maxPosition,
		MaxConcentration:    maxConcentration,
	}
}

// CheckLimit validates whether an order of qty shares of symbol at price
// respects the limits, given the portfolio it will be applied to.
//
// Returns nil if the order is within limits, or an error describing the
// violation.
func (l *PositionLimiter) CheckLimit(p *model.Portfolio, side model.TradeType, symbol string, qty int64, price decimal.Decimal) error {
	// 1. Order size.
	if l.MaxOrderQuantity > 0 && qty > l.MaxOrderQuantity {
		return fmt.Errorf("%w: %d shares, maximum %d", ErrOrderLimitExceeded, qty, l.MaxOrderQuantity)
	}
	if side != model.Buy {
		return nil
	}

	held, _ := p.Position(symbol)
	newQty := held.Quantity + qty

	// 2. Position size.
	if l.MaxPositionQuantity > 0 && newQty > l.MaxPositionQuantity {
		return fmt.Errorf("%w: %s would hold %d shares, maximum %d",
			ErrPositionLimitExceeded, symbol, newQty, l.MaxPositionQuantity)
	}

	// 3. Concentration. A buy at market converts cash into position value,
	// so total value is unchanged by the order itself.
	if l.MaxConcentration.IsPositive() && p.TotalValue.IsPositive() {
		// Value the existing holding at the order price too, so a stale mark
		// does not hide concentration.
		exposure := price.Mul(decimal.NewFromInt(newQty))
		total := p.TotalValue.Sub(held.CurrentValue).Add(price.Mul(decimal.NewFromInt(held.Quantity)))
		if exposure.Div(total).GreaterThan(l.MaxConcentration) {
			return fmt.Errorf("%w: %s would be %s%% of the portfolio, maximum %s%%",
				ErrConcentrationExceeded, symbol,
				exposure.Div(total).Shift(2).StringFixed(1), l.MaxConcentration.Shift(2).StringFixed(1))
		}
	}

	return nil
}
