package models

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kind distinguishes limit orders from market orders.
type Kind string

const (
	KindLimit  Kind = "limit"
	KindMarket Kind = "market"
)

// OrderStatus is the lifecycle state of an order. Filled, cancelled and
// failed are terminal: a terminal order is never mutated again.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// Account holds a quote-currency balance plus per-token holdings.
// Balances only change through reservation debits and settlement credits.
type Account struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Balance   float64            `json:"balance"`
	Holdings  map[string]float64 `json:"holdings"`
	IsBot     bool               `json:"is_bot"`
	CreatedAt time.Time          `json:"created_at"`
}

// Holding returns the held quantity of token, zero if none.
func (a *Account) Holding(token string) float64 {
	if a.Holdings == nil {
		return 0
	}
	return a.Holdings[token]
}

// Order represents a buy or sell order. For limit orders Price is the limit
// price; for market orders it is the worst-case reservation estimate taken
// from the opposite top of book at placement time.
type Order struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"account_id"`
	Token          string      `json:"token"`
	Side           Side        `json:"side"`
	Kind           Kind        `json:"kind"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	Status         OrderStatus `json:"status"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Remaining is the unfilled portion of the order.
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQuantity
}

// Trade records one executed leg between a buy and a sell order. Immutable.
type Trade struct {
	ID          string    `json:"id"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	Token       string    `json:"token"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// PricePoint is one append-only sample of a token's price series.
type PricePoint struct {
	Token     string    `json:"token"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}
