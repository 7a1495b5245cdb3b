package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var epoch = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

// testEngine returns an engine with a fixed clock and sequential trade IDs.
func testEngine() *Engine {
	n := 0
	return &Engine{
		Now: func() time.Time { return epoch },
		NewID: func() string {
			n++
			return fmt.Sprintf("trade-%d", n)
		},
	}
}

func freshPortfolio() *model.Portfolio {
	return model.NewPortfolio("user1", d("100000"), epoch)
}

// mustExec returns a checker for an engine result: mustExec(t)(e.ExecuteBuy(...)).
func mustExec(t *testing.T) func(*model.Execution, error) *model.Execution {
	t.Helper()
	return func(exec *model.Execution, err error) *model.Execution {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := model.CheckInvariants(exec.Portfolio); err != nil {
			t.Fatalf("invariants: %v", err)
		}
		return exec
	}
}

func approx(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(d("0.000001")) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

// --- Buy tests ---

func TestExecuteBuy_OpensPosition(t *testing.T) {
	e := testEngine()
	p := freshPortfolio()

	exec := mustExec(t)(e.ExecuteBuy(p, nil, Order{
		Symbol: "AAPL", DisplayName: "Apple Inc.", Quantity: 10, Price: d("187.32"),
	}))

	got := exec.Portfolio
	if !got.Cash.Equal(d("98126.80")) {
		t.Errorf("expected cash=98126.80, got %s", got.Cash)
	}
	if len(got.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(got.Positions))
	}
	pos := got.Positions[0]
	if pos.Symbol != "AAPL" || pos.Quantity != 10 {
		t.Errorf("unexpected position: %+v", pos)
	}
	if !pos.AveragePrice.Equal(d("187.32")) {
		t.Errorf("expected average price 187.32, got %s", pos.AveragePrice)
	}
	if !pos.TotalInvested.Equal(d("1873.20")) {
		t.Errorf("expected total invested 1873.20, got %s", pos.TotalInvested)
	}
	if !pos.UnrealizedGainLoss.IsZero() {
		t.Errorf("fresh position should have no gain, got %s", pos.UnrealizedGainLoss)
	}
	if !got.TotalValue.Equal(d("100000")) {
		t.Errorf("buy at market should not change total value, got %s", got.TotalValue)
	}

	tr := exec.Trade
	if tr.ID != "trade-1" || tr.Type != model.Buy || tr.Quantity != 10 {
		t.Errorf("unexpected trade: %+v", tr)
	}
	if !tr.TotalAmount.Equal(d("1873.20")) {
		t.Errorf("expected trade total 1873.20, got %s", tr.TotalAmount)
	}
	if tr.Status != model.TradeStatusCompleted {
		t.Errorf("expected status COMPLETED, got %s", tr.Status)
	}
	if exec.Profile.TotalTrades != 1 || exec.Profile.LastTradeAt == nil {
		t.Errorf("profile not bumped: %+v", exec.Profile)
	}
}

func TestExecuteBuy_BlendsCostBasis(t *testing.T) {
	e := testEngine()
	first := mustExec(t)(e.ExecuteBuy(freshPortfolio(), nil, Order{Symbol: "AAPL", Quantity: 10, Price: d("187.32")}))
	second := mustExec(t)(e.ExecuteBuy(first.Portfolio, first.Profile, Order{Symbol: "AAPL", Quantity: 5, Price: d("200.00")}))

	pos, ok := second.Portfolio.Position("AAPL")
	if !ok {
		t.Fatal("expected AAPL position")
	}
	if pos.Quantity != 15 {
		t.Errorf("expected quantity=15, got %d", pos.Quantity)
	}
	if !pos.TotalInvested.Equal(d("2873.20")) {
		t.Errorf("expected total invested 2873.20, got %s", pos.TotalInvested)
	}
	if !pos.AveragePrice.Round(4).Equal(d("191.5467")) {
		t.Errorf("expected average price ≈ 191.5467, got %s", pos.AveragePrice)
	}
	// Current price follows the latest execution.
	if !pos.CurrentPrice.Equal(d("200")) {
		t.Errorf("expected current price 200, got %s", pos.CurrentPrice)
	}
	if second.Profile.TotalTrades != 2 {
		t.Errorf("expected 2 trades on profile, got %d", second.Profile.TotalTrades)
	}
}

func TestExecuteBuy_InsufficientFunds(t *testing.T) {
	e := testEngine()
	p := freshPortfolio()
	before := p.Clone()

	exec, err := e.ExecuteBuy(p, nil, Order{Symbol: "NVDA", Quantity: 200, Price: d("875.25")})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if exec != nil {
		t.Error("rejected order should not produce an execution")
	}
	if !reflect.DeepEqual(before, p) {
		t.Error("rejected order mutated the input portfolio")
	}
}

func TestExecuteBuy_ExactCashAllowed(t *testing.T) {
	e := testEngine()
	p := model.NewPortfolio("user1", d("1000"), epoch)

	exec := mustExec(t)(e.ExecuteBuy(p, nil, Order{Symbol: "X", Quantity: 4, Price: d("250")}))
	if !exec.Portfolio.Cash.IsZero() {
		t.Errorf("expected zero cash, got %s", exec.Portfolio.Cash)
	}
}

func TestExecuteBuy_InvalidInput(t *testing.T) {
	e := testEngine()
	tests := []struct {
		name  string
		order Order
		want  error
	}{
		{"zero quantity", Order{Symbol: "AAPL", Quantity: 0, Price: d("1")}, ErrInvalidQuantity},
		{"negative quantity", Order{Symbol: "AAPL", Quantity: -3, Price: d("1")}, ErrInvalidQuantity},
		{"zero price", Order{Symbol: "AAPL", Quantity: 1, Price: decimal.Zero}, ErrInvalidPrice},
		{"negative price", Order{Symbol: "AAPL", Quantity: 1, Price: d("-5")}, ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExecuteBuy(freshPortfolio(), nil, tt.order)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !IsRejection(err) {
				t.Errorf("%v should be a rejection", err)
			}
		})
	}
}

// --- Sell tests ---

func holding15(t *testing.T, e *Engine) *model.Execution {
	t.Helper()
	first := mustExec(t)(e.ExecuteBuy(freshPortfolio(), nil, Order{Symbol: "AAPL", Quantity: 10, Price: d("187.32")}))
	return mustExec(t)(e.ExecuteBuy(first.Portfolio, first.Profile, Order{Symbol: "AAPL", Quantity: 5, Price: d("200.00")}))
}

func TestExecuteSell_ProRata(t *testing.T) {
	e := testEngine()
	held := holding15(t, e)
	cashBefore := held.Portfolio.Cash
	avgBefore := held.Portfolio.Positions[0].AveragePrice

	exec := mustExec(t)(e.ExecuteSell(held.Portfolio, held.Profile, Order{Symbol: "AAPL", Quantity: 6, Price: d("210.00")}))

	pos, ok := exec.Portfolio.Position("AAPL")
	if !ok {
		t.Fatal("expected AAPL position to remain")
	}
	if pos.Quantity != 9 {
		t.Errorf("expected quantity=9, got %d", pos.Quantity)
	}
	if !pos.TotalInvested.Equal(d("1723.92")) {
		t.Errorf("expected total invested 1723.92, got %s", pos.TotalInvested)
	}
	if !pos.AveragePrice.Equal(avgBefore) {
		t.Errorf("average price changed on sell: %s -> %s", avgBefore, pos.AveragePrice)
	}
	if got := exec.Portfolio.Cash.Sub(cashBefore); !got.Equal(d("1260.00")) {
		t.Errorf("expected cash += 1260.00, got %s", got)
	}

	// Realized = 1260 - 1149.28.
	if !exec.Trade.RealizedGainLoss.Equal(d("110.72")) {
		t.Errorf("expected realized gain 110.72, got %s", exec.Trade.RealizedGainLoss)
	}
	if !exec.Portfolio.RealizedGainLoss.Equal(d("110.72")) {
		t.Errorf("expected running realized gain 110.72, got %s", exec.Portfolio.RealizedGainLoss)
	}
	approx(t, "current value", pos.CurrentValue, d("1890"))
	approx(t, "unrealized", pos.UnrealizedGainLoss, d("166.08"))
}

func TestExecuteSell_FullQuantityRemovesPosition(t *testing.T) {
	e := testEngine()
	held := holding15(t, e)

	exec := mustExec(t)(e.ExecuteSell(held.Portfolio, held.Profile, Order{Symbol: "AAPL", Quantity: 15, Price: d("190")}))

	if len(exec.Portfolio.Positions) != 0 {
		t.Fatalf("expected position removed, got %+v", exec.Portfolio.Positions)
	}
	if !exec.Portfolio.TotalInvested.IsZero() {
		t.Errorf("expected zero total invested, got %s", exec.Portfolio.TotalInvested)
	}
	if !exec.Portfolio.TotalValue.Equal(exec.Portfolio.Cash) {
		t.Errorf("total value should equal cash with no positions: %s vs %s",
			exec.Portfolio.TotalValue, exec.Portfolio.Cash)
	}
	// 15 * 190 - 2873.20
	if !exec.Trade.RealizedGainLoss.Equal(d("-23.20")) {
		t.Errorf("expected realized -23.20, got %s", exec.Trade.RealizedGainLoss)
	}
	if exec.Trade.DisplayName != held.Portfolio.Positions[0].DisplayName {
		t.Errorf("sell trade should inherit display name")
	}
}

func TestExecuteSell_NoPosition(t *testing.T) {
	e := testEngine()
	p := freshPortfolio()
	before := p.Clone()

	_, err := e.ExecuteSell(p, nil, Order{Symbol: "MSFT", Quantity: 1, Price: d("402.65")})
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
	if !reflect.DeepEqual(before, p) {
		t.Error("rejected sell mutated the input portfolio")
	}
}

func TestExecuteSell_InsufficientShares(t *testing.T) {
	e := testEngine()
	held := holding15(t, e)
	before := held.Portfolio.Clone()

	_, err := e.ExecuteSell(held.Portfolio, held.Profile, Order{Symbol: "AAPL", Quantity: 16, Price: d("210")})
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if !reflect.DeepEqual(before, held.Portfolio) {
		t.Error("rejected sell mutated the input portfolio")
	}
}

func TestExecute_InvalidSide(t *testing.T) {
	_, err := testEngine().Execute("HOLD", freshPortfolio(), nil, Order{Symbol: "AAPL", Quantity: 1, Price: d("1")})
	if !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}

// Repeated round trips must not drift the cost basis.
func TestRoundTrips_NoDrift(t *testing.T) {
	e := testEngine()
	p := freshPortfolio()
	var prof *model.UserTradingProfile

	for i := 0; i < 50; i++ {
		buy := mustExec(t)(e.ExecuteBuy(p, prof, Order{Symbol: "INTC", Quantity: 7, Price: d("43.21")}))
		sell := mustExec(t)(e.ExecuteSell(buy.Portfolio, buy.Profile, Order{Symbol: "INTC", Quantity: 7, Price: d("43.21")}))
		p, prof = sell.Portfolio, sell.Profile
	}

	if !p.Cash.Equal(d("100000")) {
		t.Errorf("expected cash to return to 100000 exactly, got %s", p.Cash)
	}
	if !p.RealizedGainLoss.IsZero() {
		t.Errorf("expected zero realized gain, got %s", p.RealizedGainLoss)
	}
	if prof.TotalTrades != 100 {
		t.Errorf("expected 100 trades, got %d", prof.TotalTrades)
	}
}

// --- Preview tests ---

func TestPreviewOrder(t *testing.T) {
	e := testEngine()
	held := holding15(t, e)

	buy := e.PreviewOrder(model.Buy, held.Portfolio, Order{Symbol: "AAPL", Quantity: 1000, Price: d("200")})
	if buy.CanExecute || !errors.Is(buy.Reason, ErrInsufficientFunds) {
		t.Errorf("expected insufficient funds preview, got %+v", buy)
	}
	// floor(97126.80 / 200) = 485
	if buy.MaxAffordable != 485 {
		t.Errorf("expected max affordable 485, got %d", buy.MaxAffordable)
	}
	if buy.MaxSellable != 15 {
		t.Errorf("expected max sellable 15, got %d", buy.MaxSellable)
	}

	sell := e.PreviewOrder(model.Sell, held.Portfolio, Order{Symbol: "AAPL", Quantity: 15, Price: d("200")})
	if !sell.CanExecute {
		t.Errorf("expected sell preview to execute, got %v", sell.Reason)
	}
	if !sell.TotalAmount.Equal(d("3000")) {
		t.Errorf("expected total 3000, got %s", sell.TotalAmount)
	}

	// A preview must not consume trade IDs.
	next := mustExec(t)(e.ExecuteBuy(held.Portfolio, held.Profile, Order{Symbol: "AMD", Quantity: 1, Price: d("178.90")}))
	if next.Trade.ID != "trade-3" {
		t.Errorf("expected trade-3, got %s", next.Trade.ID)
	}
}
