package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tokensim/exchange/internal/models"
)

// match walks the opposite side of the book and settles legs against the
// incoming taker until it is filled or no acceptable candidate remains.
// Idempotent no-op if the taker is not pending. Caller holds the token lock.
func (e *Engine) match(ctx context.Context, taker *models.Order) error {
	if taker.Status != models.StatusPending {
		return nil
	}

	candidates, err := e.store.PendingOrders(ctx, taker.Token, taker.Side.Opposite())
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}

	// Limit takers only accept candidates priced within their limit;
	// market takers accept any price.
	if taker.Kind == models.KindLimit {
		acceptable := candidates[:0]
		for _, c := range candidates {
			if taker.Side == models.SideBuy && c.Price <= taker.Price {
				acceptable = append(acceptable, c)
			}
			if taker.Side == models.SideSell && c.Price >= taker.Price {
				acceptable = append(acceptable, c)
			}
		}
		candidates = acceptable
	}

	// Rank by best price for the taker. Price only; equal-priced candidates
	// keep the store's ordering.
	sort.SliceStable(candidates, func(i, j int) bool {
		if taker.Side == models.SideBuy {
			return candidates[i].Price < candidates[j].Price
		}
		return candidates[i].Price > candidates[j].Price
	})

	remaining := taker.Remaining()
	for i := range candidates {
		if remaining <= 0 {
			break
		}

		// Re-read the maker: the candidate list is a snapshot and the
		// walk must not credit against an order that is no longer live.
		maker, err := e.store.GetOrder(ctx, candidates[i].ID)
		if err != nil || maker.Status != models.StatusPending {
			return fmt.Errorf("%w: resting order %s vanished mid-walk", ErrInternalInconsistency, candidates[i].ID)
		}
		makerRemaining := maker.Remaining()
		if makerRemaining <= 0 {
			continue
		}

		qty := remaining
		if makerRemaining < qty {
			qty = makerRemaining
		}
		// The maker's resting price always sets the settlement price.
		if err := e.settle(ctx, taker, maker, maker.Price, qty); err != nil {
			return err
		}
		remaining -= qty
	}
	return nil
}

// settle executes one trade leg: records the trade and price point, applies
// the fill to both orders and moves funds. The buyer's reservation was taken
// at their own price (or the market worst-case estimate), so any surplus over
// the actual trade price is refunded; the seller's flat token reservation
// needs no adjustment.
func (e *Engine) settle(ctx context.Context, taker, maker *models.Order, price, qty float64) error {
	buyOrder, sellOrder := taker, maker
	if taker.Side == models.SideSell {
		buyOrder, sellOrder = maker, taker
	}

	now := time.Now()
	trade, err := e.store.CreateTrade(ctx, &models.Trade{
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		Token:       taker.Token,
		Price:       price,
		Quantity:    qty,
		ExecutedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	if err := e.store.AppendPricePoint(ctx, &models.PricePoint{
		Token:     taker.Token,
		Price:     price,
		Volume:    qty,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("append price point: %w", err)
	}

	updatedTaker, err := e.store.ApplyFill(ctx, taker.ID, qty)
	if err != nil {
		return fmt.Errorf("%w: fill taker %s: %v", ErrInternalInconsistency, taker.ID, err)
	}
	*taker = *updatedTaker
	updatedMaker, err := e.store.ApplyFill(ctx, maker.ID, qty)
	if err != nil {
		return fmt.Errorf("%w: fill maker %s: %v", ErrInternalInconsistency, maker.ID, err)
	}
	*maker = *updatedMaker

	// Buyer receives tokens plus any reservation surplus back.
	if err := e.store.AdjustHolding(ctx, buyOrder.AccountID, taker.Token, qty); err != nil {
		return fmt.Errorf("credit buyer holding: %w", err)
	}
	if refund := (buyOrder.Price - price) * qty; refund > 0 {
		if err := e.store.AdjustBalance(ctx, buyOrder.AccountID, refund); err != nil {
			return fmt.Errorf("refund buyer: %w", err)
		}
	}
	// Seller receives the proceeds.
	if err := e.store.AdjustBalance(ctx, sellOrder.AccountID, price*qty); err != nil {
		return fmt.Errorf("credit seller: %w", err)
	}

	if e.sink != nil {
		if err := e.sink.Publish(ctx, *trade); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Str("trade_id", trade.ID).Msg("trade feed publish failed")
		}
	}

	e.log.Debug().
		Str("token", trade.Token).
		Float64("price", price).
		Float64("quantity", qty).
		Str("buy_order", buyOrder.ID).
		Str("sell_order", sellOrder.ID).
		Msg("trade settled")
	return nil
}
