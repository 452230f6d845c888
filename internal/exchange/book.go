package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/tokensim/exchange/internal/models"
)

// Level is one aggregated price level of the order book.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Book is a depth-limited snapshot of both sides of a token's book.
type Book struct {
	Token string  `json:"token"`
	Bids  []Level `json:"bids"`
	Asks  []Level `json:"asks"`
}

// OrderBook aggregates pending orders into price levels: remainders grouped
// by exact price, zero levels dropped, bids descending and asks ascending,
// truncated to depth. Computed fresh on every call and never blocks writers.
func (e *Engine) OrderBook(ctx context.Context, token string, depth int) (*Book, error) {
	if _, ok := e.locks[token]; !ok {
		return nil, fmt.Errorf("%w: unknown token %q", ErrInvalidParameters, token)
	}
	if depth <= 0 {
		depth = 20
	}

	bids, err := e.sideLevels(ctx, token, models.SideBuy, depth)
	if err != nil {
		return nil, err
	}
	asks, err := e.sideLevels(ctx, token, models.SideSell, depth)
	if err != nil {
		return nil, err
	}
	return &Book{Token: token, Bids: bids, Asks: asks}, nil
}

func (e *Engine) sideLevels(ctx context.Context, token string, side models.Side, depth int) ([]Level, error) {
	orders, err := e.store.PendingOrders(ctx, token, side)
	if err != nil {
		return nil, fmt.Errorf("load %s side: %w", side, err)
	}

	byPrice := make(map[float64]float64)
	for _, o := range orders {
		if rem := o.Remaining(); rem > 0 {
			byPrice[o.Price] += rem
		}
	}

	levels := make([]Level, 0, len(byPrice))
	for price, qty := range byPrice {
		levels = append(levels, Level{Price: price, Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == models.SideBuy {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels, nil
}

// BestBid returns the highest resting bid price, false when the side is empty.
func (e *Engine) BestBid(ctx context.Context, token string) (float64, bool, error) {
	return e.bestPrice(ctx, token, models.SideBuy)
}

// BestAsk returns the lowest resting ask price, false when the side is empty.
func (e *Engine) BestAsk(ctx context.Context, token string) (float64, bool, error) {
	return e.bestPrice(ctx, token, models.SideSell)
}

func (e *Engine) bestPrice(ctx context.Context, token string, side models.Side) (float64, bool, error) {
	levels, err := e.sideLevels(ctx, token, side, 1)
	if err != nil {
		return 0, false, err
	}
	if len(levels) == 0 {
		return 0, false, nil
	}
	return levels[0].Price, true, nil
}
