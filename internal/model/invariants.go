package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvariantViolated is returned by CheckInvariants.
var ErrInvariantViolated = errors.New("model: portfolio invariant violated")

// Epsilon is the tolerance used when comparing derived decimal values.
// Division (average price, percentages) is the only source of inexactness.
var Epsilon = decimal.New(1, -6)

// CheckInvariants verifies the ledger invariants on a portfolio snapshot:
//
//  1. cash >= 0
//  2. every position has quantity > 0, symbols are unique
//  3. position.TotalInvested == Quantity * AveragePrice
//  4. TotalInvested == Σ position.TotalInvested
//  5. TotalValue == Cash + Σ position.CurrentValue
//  6. TotalGainLoss == Σ position.UnrealizedGainLoss
func CheckInvariants(p *Portfolio) error {
	if p.Cash.IsNegative() {
		return fmt.Errorf("%w: negative cash %s", ErrInvariantViolated, p.Cash)
	}

	seen := make(map[string]bool, len(p.Positions))
	invested := decimal.Zero
	marketValue := decimal.Zero
	gainLoss := decimal.Zero

	for _, pos := range p.Positions {
		if seen[pos.Symbol] {
			return fmt.Errorf("%w: duplicate position %s", ErrInvariantViolated, pos.Symbol)
		}
		seen[pos.Symbol] = true

		if pos.Quantity <= 0 {
			return fmt.Errorf("%w: %s quantity %d", ErrInvariantViolated, pos.Symbol, pos.Quantity)
		}
		basis := pos.AveragePrice.Mul(decimal.NewFromInt(pos.Quantity))
		if !approxEqual(basis, pos.TotalInvested) {
			return fmt.Errorf("%w: %s total invested %s != %d * %s",
				ErrInvariantViolated, pos.Symbol, pos.TotalInvested, pos.Quantity, pos.AveragePrice)
		}

		invested = invested.Add(pos.TotalInvested)
		marketValue = marketValue.Add(pos.CurrentValue)
		gainLoss = gainLoss.Add(pos.UnrealizedGainLoss)
	}

	if !approxEqual(invested, p.TotalInvested) {
		return fmt.Errorf("%w: total invested %s != Σ %s", ErrInvariantViolated, p.TotalInvested, invested)
	}
	if want := p.Cash.Add(marketValue); !approxEqual(want, p.TotalValue) {
		return fmt.Errorf("%w: total value %s != %s", ErrInvariantViolated, p.TotalValue, want)
	}
	if !approxEqual(gainLoss, p.TotalGainLoss) {
		return fmt.Errorf("%w: total gain/loss %s != Σ %s", ErrInvariantViolated, p.TotalGainLoss, gainLoss)
	}
	return nil
}

func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
