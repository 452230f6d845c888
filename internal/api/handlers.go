// Package api exposes the engine's operation surface over HTTP for the
// presentation layer. Identity is a stable account id; there are no
// credentials here.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tokensim/exchange/internal/exchange"
	"github.com/tokensim/exchange/internal/models"
)

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Engine   *exchange.Engine
	Log      zerolog.Logger
	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(engine *exchange.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Log:      log.With().Str("component", "api").Logger(),
		validate: validator.New(),
	}
}

// Routes mounts all endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.EnsureAccount)
	r.Get("/accounts/{id}", h.GetAccount)
	r.Post("/orders/limit", h.PlaceLimitOrder)
	r.Post("/orders/market", h.PlaceMarketOrder)
	r.Get("/orders", h.GetOrderHistory)
	r.Get("/orderbook", h.GetOrderBook)
	r.Get("/price", h.GetCurrentPrice)
	r.Get("/price/history", h.GetPriceHistory)
	r.Get("/trades", h.GetRecentTrades)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Error().Err(err).Msg("encode response")
	}
}

// writeError maps engine sentinels onto HTTP statuses. Placement rejections
// are client errors carrying the same reason that was persisted on the
// failed order.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrInvalidParameters),
		errors.Is(err, exchange.ErrInsufficientFunds),
		errors.Is(err, exchange.ErrInsufficientInventory),
		errors.Is(err, exchange.ErrEmptyBook):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrNotFound), errors.Is(err, exchange.ErrNoPrice):
		status = http.StatusNotFound
	default:
		h.Log.Error().Err(err).Msg("internal error")
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// EnsureAccount returns the named account, creating and funding it first if
// needed.
func (h *Handler) EnsureAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name" validate:"required,max=50"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required (max 50 characters)"})
		return
	}

	acct, err := h.Engine.EnsureAccount(r.Context(), req.Name, false)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

// GetAccount returns one account with its balance and holdings.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

type limitOrderRequest struct {
	AccountID string  `json:"account_id" validate:"required"`
	Token     string  `json:"token" validate:"required"`
	Side      string  `json:"side" validate:"required,oneof=buy sell"`
	Price     float64 `json:"price" validate:"required,gt=0"`
	Quantity  float64 `json:"quantity" validate:"required,gt=0"`
}

// PlaceLimitOrder places a limit order and returns it, possibly already
// filled by the synchronous match.
func (h *Handler) PlaceLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req limitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id, token, side, positive price and quantity required"})
		return
	}

	order, err := h.Engine.PlaceLimitOrder(r.Context(), req.AccountID, req.Token, models.Side(req.Side), req.Price, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, order)
}

type marketOrderRequest struct {
	AccountID string  `json:"account_id" validate:"required"`
	Token     string  `json:"token" validate:"required"`
	Side      string  `json:"side" validate:"required,oneof=buy sell"`
	Quantity  float64 `json:"quantity" validate:"required,gt=0"`
}

// PlaceMarketOrder places a market order against the resting book.
func (h *Handler) PlaceMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req marketOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id, token, side and positive quantity required"})
		return
	}

	order, err := h.Engine.PlaceMarketOrder(r.Context(), req.AccountID, req.Token, models.Side(req.Side), req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, order)
}

// GetOrderHistory returns an account's recent orders, failed ones included.
func (h *Handler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id query parameter required"})
		return
	}
	orders, err := h.Engine.UserOrderHistory(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	h.writeJSON(w, http.StatusOK, orders)
}

// GetOrderBook returns aggregated price levels for one token.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	depth := intQuery(r, "depth", 20)
	book, err := h.Engine.OrderBook(r.Context(), token, depth)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, book)
}

// GetCurrentPrice returns the token's last trade or seed price.
func (h *Handler) GetCurrentPrice(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	price, err := h.Engine.CurrentPrice(r.Context(), token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"token": token, "price": price})
}

// GetPriceHistory returns the token's recent price points, oldest first.
func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	limit := intQuery(r, "limit", 100)
	points, err := h.Engine.PriceHistory(r.Context(), token, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if points == nil {
		points = []models.PricePoint{}
	}
	h.writeJSON(w, http.StatusOK, points)
}

// GetRecentTrades returns the latest trades across all tokens.
func (h *Handler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Engine.RecentTrades(r.Context(), intQuery(r, "limit", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	h.writeJSON(w, http.StatusOK, trades)
}

func intQuery(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}
