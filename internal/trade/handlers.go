package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/papertrade/internal/auth"
	"github.com/atmx/papertrade/internal/model"
)

// OrderRequest is the JSON body for POST /orders and /orders/preview.
type OrderRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"` // "BUY" or "SELL"
	Quantity int64  `json:"quantity"`
}

func (req OrderRequest) side() model.TradeType {
	return model.TradeType(strings.ToUpper(strings.TrimSpace(req.Side)))
}

// Routes mounts the API handlers on r. Identity is expected in the request
// context, see auth.Middleware.
func (s *Service) Routes(r chi.Router) {
	r.Post("/session", s.OpenSession)
	r.Delete("/session", s.CloseSession)

	r.Post("/orders", s.PlaceOrder)
	r.Post("/orders/preview", s.PreviewOrder)

	r.Get("/portfolio", s.GetPortfolio)
	r.Post("/portfolio/refresh", s.RefreshPortfolio)
	r.Get("/trades", s.ListTrades)
	r.Get("/profile", s.GetProfile)
	r.Get("/quotes/{symbol}", s.GetQuote)

	// WebSocket endpoint for portfolio pushes.
	r.Get("/ws", s.HandleWS)
}

// --- HTTP Handlers ---

// OpenSession handles POST /api/v1/session
func (s *Service) OpenSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.BeginSession(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// CloseSession handles DELETE /api/v1/session
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.EndSession(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlaceOrder handles POST /api/v1/orders
// Executes a market order at the current quote. The body is an Outcome for
// accepted and rejected orders alike.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := s.Execute(r.Context(), req.side(), req.Symbol, req.Quantity)
	status := http.StatusOK
	if err != nil {
		status = classify(err).status
	}
	writeJSON(w, status, out)
}

// PreviewOrder handles POST /api/v1/orders/preview
func (s *Service) PreviewOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pv, err := s.Preview(r.Context(), req.side(), req.Symbol, req.Quantity)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RefreshPortfolio handles POST /api/v1/portfolio/refresh
func (s *Service) RefreshPortfolio(w http.ResponseWriter, r *http.Request) {
	res, err := s.RefreshValuation(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTrades handles GET /api/v1/trades?limit=&symbol=
// Returns the most recent trades, newest first.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := TradeQuery{Symbol: r.URL.Query().Get("symbol")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	trades, err := s.Trades(r.Context(), q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetProfile handles GET /api/v1/profile
func (s *Service) GetProfile(w http.ResponseWriter, r *http.Request) {
	prof, err := s.Profile(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// The client first receives the current snapshot, then every newer one.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, "live updates are not enabled", http.StatusNotImplemented)
		return
	}
	uid, err := auth.UserID(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	// Create the account before upgrading so failures are still HTTP errors.
	if _, err := s.Snapshot(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	ctx := r.Context()
	s.hub.ServeClient(w, r, uid, func() (*model.Portfolio, error) {
		return s.Snapshot(ctx)
	})
}

// writeFailure writes err as a JSON error response, hiding infrastructure
// details behind a generic message.
func writeFailure(w http.ResponseWriter, err error) {
	f := classify(err)
	if f.status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", f.status, "err", err)
	}
	writeError(w, f.message, f.status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
