package exchange_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokensim/exchange/internal/exchange"
	"github.com/tokensim/exchange/internal/memstore"
	"github.com/tokensim/exchange/internal/models"
)

var testTokens = []string{"CNVX", "BUN"}

func newTestEngine(t *testing.T) (*exchange.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	engine := exchange.NewEngine(store, testTokens, zerolog.Nop())
	return engine, store
}

func newAccount(t *testing.T, store *memstore.Store, name string, balance float64, holdings map[string]float64) *models.Account {
	t.Helper()
	acct, err := store.CreateAccount(context.Background(), &models.Account{
		Name:     name,
		Balance:  balance,
		Holdings: holdings,
	})
	require.NoError(t, err)
	return acct
}

func TestPlaceLimitOrder_RestsAndReservesFunds(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, store, "buyer", 1000, nil)

	order, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.Zero(t, order.FilledQuantity)

	// Exactly price*quantity debited, atomically with order creation.
	acct, err := store.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 950, acct.Balance, 1e-9)

	trades, err := engine.RecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	book, err := engine.OrderBook(ctx, "CNVX", 10)
	require.NoError(t, err)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, exchange.Level{Price: 10, Quantity: 5}, book.Bids[0])
}

func TestPlaceLimitOrder_InvalidParameters(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, store, "buyer", 1000, nil)

	tests := []struct {
		name     string
		price    float64
		quantity float64
	}{
		{"ZeroQuantity", 10, 0},
		{"NegativeQuantity", 10, -1},
		{"ZeroPrice", 0, 5},
		{"NegativePrice", -10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, tt.price, tt.quantity)
			assert.ErrorIs(t, err, exchange.ErrInvalidParameters)
		})
	}

	// Rejections are still persisted for audit.
	history, err := engine.UserOrderHistory(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, history, len(tests))
	for _, o := range history {
		assert.Equal(t, models.StatusFailed, o.Status)
		assert.NotEmpty(t, o.FailureReason)
	}

	// No reservation was taken on any rejection path.
	acct, err := store.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, acct.Balance, 1e-9)
}

func TestPlaceOrder_UnknownToken(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, store, "buyer", 1000, nil)

	_, err := engine.PlaceLimitOrder(ctx, buyer.ID, "DOGE", models.SideBuy, 10, 5)
	assert.ErrorIs(t, err, exchange.ErrInvalidParameters)

	_, err = engine.PlaceMarketOrder(ctx, buyer.ID, "DOGE", models.SideBuy, 5)
	assert.ErrorIs(t, err, exchange.ErrInvalidParameters)

	// Both rejections are persisted as failed orders for audit.
	history, err := engine.UserOrderHistory(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, o := range history {
		assert.Equal(t, models.StatusFailed, o.Status)
		assert.Contains(t, o.FailureReason, "unknown token")
	}

	// No reservation was taken.
	acct, err := store.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, acct.Balance, 1e-9)
}

func TestPlaceLimitOrder_InsufficientFunds(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, store, "buyer", 10, nil)

	_, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 10, 5)
	assert.ErrorIs(t, err, exchange.ErrInsufficientFunds)

	acct, err := store.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10, acct.Balance, 1e-9)

	history, err := engine.UserOrderHistory(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusFailed, history[0].Status)
}

func TestPlaceLimitOrder_InsufficientInventory(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 1})

	_, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 10, 5)
	assert.ErrorIs(t, err, exchange.ErrInsufficientInventory)

	// Token holding unchanged, order stored failed.
	acct, err := store.GetAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1, acct.Holding("CNVX"), 1e-9)

	history, err := engine.UserOrderHistory(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusFailed, history[0].Status)
}

func TestPlaceLimitOrder_CrossingSettlesAtMakerPrice(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 5})
	buyer := newAccount(t, store, "buyer", 1000, nil)

	ask, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 10, 5)
	require.NoError(t, err)

	bid, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 12, 5)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, bid.Status)
	assert.InDelta(t, 5, bid.FilledQuantity, 1e-9)

	trades, err := engine.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 10, trades[0].Price, 1e-9) // maker price wins
	assert.InDelta(t, 5, trades[0].Quantity, 1e-9)

	askAfter, err := store.GetOrder(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, askAfter.Status)

	// Buyer reserved 12*5=60, paid 10*5=50, refunded 10.
	buyerAcct, err := store.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 950, buyerAcct.Balance, 1e-9)
	assert.InDelta(t, 5, buyerAcct.Holding("CNVX"), 1e-9)

	// Seller's flat token reservation needs no refund; proceeds credited.
	sellerAcct, err := store.GetAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50, sellerAcct.Balance, 1e-9)
	assert.InDelta(t, 0, sellerAcct.Holding("CNVX"), 1e-9)
}

func TestPlaceMarketOrder_WalksBookBestPriceFirst(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 7})
	buyer := newAccount(t, store, "buyer", 100, nil)

	_, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 9, 2)
	require.NoError(t, err)
	_, err = engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 11, 5)
	require.NoError(t, err)

	order, err := engine.PlaceMarketOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 3)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)
	// Reservation estimate is the worst (highest) resting ask.
	assert.InDelta(t, 11, order.Price, 1e-9)

	// Two independent legs, no blended price: 2@9 then 1@11.
	trades, err := engine.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 11, trades[0].Price, 1e-9)
	assert.InDelta(t, 1, trades[0].Quantity, 1e-9)
	assert.InDelta(t, 9, trades[1].Price, 1e-9)
	assert.InDelta(t, 2, trades[1].Quantity, 1e-9)

	// Reserved 11*3=33, spent 2*9+1*11=29, refunded 4.
	buyerAcct, err := store.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 71, buyerAcct.Balance, 1e-9)
	assert.InDelta(t, 3, buyerAcct.Holding("CNVX"), 1e-9)

	sellerAcct, err := store.GetAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.InDelta(t, 29, sellerAcct.Balance, 1e-9)
}

func TestPlaceMarketOrder_EmptyBook(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, store, "buyer", 1000, nil)

	_, err := engine.PlaceMarketOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 3)
	assert.ErrorIs(t, err, exchange.ErrEmptyBook)

	history, err := engine.UserOrderHistory(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusFailed, history[0].Status)

	acct, err := store.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, acct.Balance, 1e-9)
}

func TestPlaceMarketOrder_SellTakesHighestBid(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	buyer := newAccount(t, store, "buyer", 1000, nil)
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 10})

	_, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 9, 2)
	require.NoError(t, err)
	_, err = engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 11, 2)
	require.NoError(t, err)

	order, err := engine.PlaceMarketOrder(ctx, seller.ID, "CNVX", models.SideSell, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)

	trades, err := engine.RecentTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 11, trades[0].Price, 1e-9)
}

func TestMatch_PartialFillRestsRemainder(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 5})
	buyer := newAccount(t, store, "buyer", 1000, nil)

	ask, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 10, 5)
	require.NoError(t, err)

	bid, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, bid.Status)

	askAfter, err := store.GetOrder(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, askAfter.Status)
	assert.InDelta(t, 2, askAfter.FilledQuantity, 1e-9)

	// The unmatched remainder is new resting liquidity.
	book, err := engine.OrderBook(ctx, "CNVX", 10)
	require.NoError(t, err)
	require.Len(t, book.Asks, 1)
	assert.InDelta(t, 3, book.Asks[0].Quantity, 1e-9)
}

func TestMatch_NonCrossingLimitDoesNotTrade(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 5})
	buyer := newAccount(t, store, "buyer", 1000, nil)

	_, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 10, 5)
	require.NoError(t, err)

	bid, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 9, 5)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, bid.Status)

	trades, err := engine.RecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestOrderBook_AggregatesByExactPrice(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	a := newAccount(t, store, "a", 1000, map[string]float64{"CNVX": 100})
	b := newAccount(t, store, "b", 1000, map[string]float64{"CNVX": 100})

	for _, o := range []struct {
		acct  *models.Account
		side  models.Side
		price float64
		qty   float64
	}{
		{a, models.SideBuy, 9.5, 1},
		{b, models.SideBuy, 9.5, 2},
		{a, models.SideBuy, 9.0, 4},
		{a, models.SideSell, 10.5, 3},
		{b, models.SideSell, 11.0, 1},
	} {
		_, err := engine.PlaceLimitOrder(ctx, o.acct.ID, "CNVX", o.side, o.price, o.qty)
		require.NoError(t, err)
	}

	book, err := engine.OrderBook(ctx, "CNVX", 10)
	require.NoError(t, err)

	// Bids descending, same-price orders summed into one level.
	require.Len(t, book.Bids, 2)
	assert.Equal(t, exchange.Level{Price: 9.5, Quantity: 3}, book.Bids[0])
	assert.Equal(t, exchange.Level{Price: 9.0, Quantity: 4}, book.Bids[1])

	// Asks ascending.
	require.Len(t, book.Asks, 2)
	assert.Equal(t, exchange.Level{Price: 10.5, Quantity: 3}, book.Asks[0])
	assert.Equal(t, exchange.Level{Price: 11.0, Quantity: 1}, book.Asks[1])

	// Depth truncation.
	shallow, err := engine.OrderBook(ctx, "CNVX", 1)
	require.NoError(t, err)
	assert.Len(t, shallow.Bids, 1)
	assert.Len(t, shallow.Asks, 1)
}

func TestInitPriceHistory_Idempotent(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.InitPriceHistory(ctx))
	require.NoError(t, engine.InitPriceHistory(ctx))

	for _, token := range testTokens {
		points, err := engine.PriceHistory(ctx, token, 10)
		require.NoError(t, err)
		require.Len(t, points, 1, "exactly one seed point per token")
		assert.InDelta(t, 10.0, points[0].Price, 1e-9)

		price, err := engine.CurrentPrice(ctx, token)
		require.NoError(t, err)
		assert.InDelta(t, 10.0, price, 1e-9)
	}
}

func TestCurrentPrice_PrefersLastTrade(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.InitPriceHistory(ctx))

	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 5})
	buyer := newAccount(t, store, "buyer", 1000, nil)
	_, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 12.5, 1)
	require.NoError(t, err)
	_, err = engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 12.5, 1)
	require.NoError(t, err)

	price, err := engine.CurrentPrice(ctx, "CNVX")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, price, 1e-9)

	// The untraded token still reports its seed price.
	price, err = engine.CurrentPrice(ctx, "BUN")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, price, 1e-9)
}

func TestCurrentPrice_NoPrice(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.CurrentPrice(context.Background(), "CNVX")
	assert.ErrorIs(t, err, exchange.ErrNoPrice)
}

func TestPriceHistory_ChronologicalWindow(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 100})
	buyer := newAccount(t, store, "buyer", 10000, nil)

	for _, price := range []float64{10, 11, 12, 13} {
		_, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, price, 1)
		require.NoError(t, err)
		_, err = engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, price, 1)
		require.NoError(t, err)
	}

	points, err := engine.PriceHistory(ctx, "CNVX", 3)
	require.NoError(t, err)
	require.Len(t, points, 3)
	// Most recent three, oldest first.
	assert.InDelta(t, 11, points[0].Price, 1e-9)
	assert.InDelta(t, 12, points[1].Price, 1e-9)
	assert.InDelta(t, 13, points[2].Price, 1e-9)
}

func TestEnsureAccount_Idempotent(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.EnsureAccount(ctx, "alice", false)
	require.NoError(t, err)
	second, err := engine.EnsureAccount(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, first.Balance, second.Balance, 1e-9)
}

// vanishingStore wraps a Store and, while armed, consumes the first resting
// sell order right after it is snapshotted, so the match walk's re-read finds
// it no longer pending.
type vanishingStore struct {
	exchange.Store
	armed bool
}

func (s *vanishingStore) PendingOrders(ctx context.Context, token string, side models.Side) ([]models.Order, error) {
	orders, err := s.Store.PendingOrders(ctx, token, side)
	if err != nil || !s.armed || side != models.SideSell || len(orders) == 0 {
		return orders, err
	}
	s.armed = false
	if _, err := s.Store.ApplyFill(ctx, orders[0].ID, orders[0].Remaining()); err != nil {
		return nil, err
	}
	return orders, nil
}

func TestMatch_AbortsWhenRestingOrderVanishes(t *testing.T) {
	inner := memstore.New()
	store := &vanishingStore{Store: inner}
	engine := exchange.NewEngine(store, testTokens, zerolog.Nop())
	ctx := context.Background()

	seller := newAccount(t, inner, "seller", 0, map[string]float64{"CNVX": 5})
	buyer := newAccount(t, inner, "buyer", 1000, nil)

	_, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 10, 5)
	require.NoError(t, err)

	// The snapshot shows the ask, but it is gone by the time the walk
	// re-reads it. The walk must abort without settling anything.
	store.armed = true
	bid, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, bid.Status)
	assert.Zero(t, bid.FilledQuantity)

	trades, err := engine.RecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	// Only the reservation debit happened: no tokens credited, no refund,
	// no seller proceeds.
	buyerAcct, err := inner.GetAccount(ctx, buyer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 950, buyerAcct.Balance, 1e-9)
	assert.InDelta(t, 0, buyerAcct.Holding("CNVX"), 1e-9)

	sellerAcct, err := inner.GetAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0, sellerAcct.Balance, 1e-9)
}

func TestFilledQuantityNeverExceedsQuantity(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seller := newAccount(t, store, "seller", 0, map[string]float64{"CNVX": 100})
	buyer := newAccount(t, store, "buyer", 10000, nil)

	// One large resting ask absorbed by several takers.
	ask, err := engine.PlaceLimitOrder(ctx, seller.ID, "CNVX", models.SideSell, 10, 6)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 10, 2)
		require.NoError(t, err)
	}

	askAfter, err := store.GetOrder(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, askAfter.Status)
	assert.InDelta(t, askAfter.Quantity, askAfter.FilledQuantity, 1e-9)

	// A further taker finds no liquidity left.
	bid, err := engine.PlaceLimitOrder(ctx, buyer.ID, "CNVX", models.SideBuy, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, bid.Status)
	assert.Zero(t, bid.FilledQuantity)
}
