package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokensim/exchange/internal/models"
)

// maxHistoryPoints caps a single history read for cost control.
const maxHistoryPoints = 500

// CurrentPrice is the price of the token's most recent trade, falling back
// to the most recent price point. ErrNoPrice when neither exists; callers
// must handle the no-price case.
func (e *Engine) CurrentPrice(ctx context.Context, token string) (float64, error) {
	if trade, err := e.store.LastTrade(ctx, token); err == nil {
		return trade.Price, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("load last trade: %w", err)
	}
	if point, err := e.store.LastPricePoint(ctx, token); err == nil {
		return point.Price, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("load last price point: %w", err)
	}
	return 0, fmt.Errorf("%w for %s", ErrNoPrice, token)
}

// InitPriceHistory seeds one base-price point for every configured token
// that has no history yet. Idempotent: existing series are never touched.
func (e *Engine) InitPriceHistory(ctx context.Context) error {
	for _, token := range e.tokens {
		has, err := e.store.HasPriceHistory(ctx, token)
		if err != nil {
			return fmt.Errorf("check history for %s: %w", token, err)
		}
		if has {
			continue
		}
		if err := e.store.AppendPricePoint(ctx, &models.PricePoint{
			Token:     token,
			Price:     e.basePrice,
			Volume:    0,
			Timestamp: time.Now(),
		}); err != nil {
			return fmt.Errorf("seed history for %s: %w", token, err)
		}
		e.log.Info().Str("token", token).Float64("price", e.basePrice).Msg("seeded price history")
	}
	return nil
}

// PriceHistory returns the most recent limit points in chronological order.
func (e *Engine) PriceHistory(ctx context.Context, token string, limit int) ([]models.PricePoint, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryPoints {
		limit = maxHistoryPoints
	}
	return e.store.PriceHistory(ctx, token, limit)
}
