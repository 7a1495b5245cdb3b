package trade

import (
	"errors"
	"net/http"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/auth"
	"github.com/atmx/papertrade/internal/ledger"
	"github.com/atmx/papertrade/internal/limits"
	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/session"
	"github.com/atmx/papertrade/internal/store"
	"github.com/atmx/papertrade/internal/symbol"
)

// ErrSessionEnded is returned when a background revaluation finishes after
// the session it was started for has ended or been replaced.
var ErrSessionEnded = session.ErrEnded

// failure is how an error is shown to a user: HTTP status, display message
// and the metrics label for rejections.
type failure struct {
	status  int
	message string
	reason  string
}

// genericFailure covers infrastructure errors. Executions are never retried
// behind the user's back, so the message asks them to try again.
var genericFailure = failure{http.StatusInternalServerError, "Something went wrong, please try again", "internal"}

var failures = []struct {
	err error
	f   failure
}{
	{auth.ErrNotAuthenticated, failure{http.StatusUnauthorized, "Please sign in to trade", "not_authenticated"}},
	{symbol.ErrInvalidSymbol, failure{http.StatusUnprocessableEntity, "Invalid symbol", "invalid_symbol"}},
	{quote.ErrUnknownSymbol, failure{http.StatusUnprocessableEntity, "Unknown symbol", "unknown_symbol"}},
	{ledger.ErrInvalidSide, failure{http.StatusUnprocessableEntity, "Order side must be BUY or SELL", "invalid_side"}},
	{ledger.ErrInvalidQuantity, failure{http.StatusUnprocessableEntity, "Quantity must be a positive whole number", "invalid_quantity"}},
	{ledger.ErrInsufficientFunds, failure{http.StatusUnprocessableEntity, "Insufficient funds", "insufficient_funds"}},
	{ledger.ErrNoPosition, failure{http.StatusUnprocessableEntity, "No position found for this stock", "no_position"}},
	{ledger.ErrInsufficientShares, failure{http.StatusUnprocessableEntity, "Insufficient shares to sell", "insufficient_shares"}},
	{limits.ErrOrderLimitExceeded, failure{http.StatusUnprocessableEntity, "Order size exceeds the per-order limit", "order_limit"}},
	{limits.ErrPositionLimitExceeded, failure{http.StatusUnprocessableEntity, "Order would exceed the maximum position size", "position_limit"}},
	{limits.ErrConcentrationExceeded, failure{http.StatusUnprocessableEntity, "Order would put too much of the portfolio in one stock", "concentration_limit"}},
	{quote.ErrQuoteUnavailable, failure{http.StatusServiceUnavailable, "Price unavailable, please try again", "quote_unavailable"}},
	{ledger.ErrInvalidPrice, failure{http.StatusServiceUnavailable, "Price unavailable, please try again", "quote_unavailable"}},
	{ErrSessionEnded, failure{http.StatusConflict, "Session ended", "session_ended"}},
	{store.ErrNotFound, failure{http.StatusNotFound, "Account not found", "not_found"}},
}

// classify maps err to its user-facing failure. Sentinels are matched in
// order, so the more specific quote error wins over the generic one.
func classify(err error) failure {
	for _, e := range failures {
		if errors.Is(err, e.err) {
			return e.f
		}
	}
	return genericFailure
}

// usd formats an amount for display, e.g. $1,873.20.
func usd(amount decimal.Decimal) string {
	cents := amount.Round(2).Shift(2).IntPart()
	return money.New(cents, money.USD).Display()
}
