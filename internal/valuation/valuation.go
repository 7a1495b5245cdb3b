// Package valuation marks portfolios to market.
//
// Revaluation only touches derived fields: current price, current value and
// unrealized gain/loss per position, plus the portfolio aggregates. Cash,
// quantities and cost basis pass through unchanged.
package valuation

import (
	"time"

	"github.com/atmx/papertrade/internal/model"
)

// Revalue returns a copy of p marked against quotes. Positions without a
// quote keep their previous (stale) derived fields. at becomes the new
// LastUpdated, so repeated calls with the same arguments return equal
// snapshots.
func Revalue(p *model.Portfolio, quotes map[string]model.Quote, at time.Time) *model.Portfolio {
	next := p.Clone()
	for i := range next.Positions {
		q, ok := quotes[next.Positions[i].Symbol]
		if !ok || !q.Price.IsPositive() {
			continue
		}
		next.Positions[i].Mark(q.Price)
	}
	next.Recompute(at)
	return next
}

// Stale lists the held symbols that quotes does not cover.
func Stale(p *model.Portfolio, quotes map[string]model.Quote) []string {
	var out []string
	for _, pos := range p.Positions {
		if q, ok := quotes[pos.Symbol]; !ok || !q.Price.IsPositive() {
			out = append(out, pos.Symbol)
		}
	}
	return out
}
