package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// Preview describes what an order would do without applying it.
type Preview struct {
	Side          model.TradeType `json:"side"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Cash          decimal.Decimal `json:"cash"`
	MaxAffordable int64           `json:"max_affordable"` // floor(cash / price)
	MaxSellable   int64           `json:"max_sellable"`   // shares held
	CanExecute    bool            `json:"can_execute"`

	// Reason is the rejection the order would hit, nil if it can execute.
	Reason error `json:"-"`
}

// PreviewOrder evaluates o against p using the same rules as Execute.
func (e *Engine) PreviewOrder(side model.TradeType, p *model.Portfolio, o Order) Preview {
	pv := Preview{
		Side:     side,
		Symbol:   o.Symbol,
		Quantity: o.Quantity,
		Price:    o.Price,
		Cash:     p.Cash,
	}
	if pos, ok := p.Position(o.Symbol); ok {
		pv.MaxSellable = pos.Quantity
	}
	if o.Price.IsPositive() {
		pv.MaxAffordable = p.Cash.Div(o.Price).Floor().IntPart()
		pv.TotalAmount = o.Price.Mul(decimal.NewFromInt(o.Quantity))
	}

	// Execute on a throwaway engine so previews never consume IDs.
	dry := &Engine{Now: e.Now, NewID: func() string { return "" }}
	_, pv.Reason = dry.Execute(side, p, nil, o)
	pv.CanExecute = pv.Reason == nil
	return pv
}
