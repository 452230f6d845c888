package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tokensim/exchange/internal/models"
)

// Funding is the starting grant for a newly created account.
type Funding struct {
	Balance float64
	Holding float64 // per configured token
}

// Engine is the matching and settlement core. All writes for a single order
// (reserve, insert, match, settle) run under one per-token mutex so no
// observer sees a partially reserved account or a half-matched order. Reads
// (order book, prices) never take the lock.
type Engine struct {
	store       Store
	log         zerolog.Logger
	tokens      []string
	basePrice   float64
	userFunding Funding
	botFunding  Funding
	sink        TradeSink

	locks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithBasePrice sets the seed price used by InitPriceHistory.
func WithBasePrice(p float64) Option {
	return func(e *Engine) { e.basePrice = p }
}

// WithFunding sets the starting grants for user and bot accounts.
func WithFunding(user, bot Funding) Option {
	return func(e *Engine) {
		e.userFunding = user
		e.botFunding = bot
	}
}

// WithTradeSink attaches a sink that receives every settled trade.
func WithTradeSink(s TradeSink) Option {
	return func(e *Engine) { e.sink = s }
}

// NewEngine creates an engine trading the given token symbols.
func NewEngine(store Store, tokens []string, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		log:         log.With().Str("component", "exchange").Logger(),
		tokens:      tokens,
		basePrice:   10.0,
		userFunding: Funding{Balance: 100, Holding: 500},
		botFunding:  Funding{Balance: 1000, Holding: 500},
		locks:       make(map[string]*sync.Mutex, len(tokens)),
	}
	for _, t := range tokens {
		e.locks[t] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tokens returns the configured token symbols.
func (e *Engine) Tokens() []string {
	return append([]string(nil), e.tokens...)
}

func (e *Engine) lock(token string) (*sync.Mutex, bool) {
	mu, ok := e.locks[token]
	return mu, ok
}

// EnsureAccount returns the account with the given name, creating and
// funding it if it does not exist yet. Safe to call repeatedly: re-creation
// attempts are no-ops.
func (e *Engine) EnsureAccount(ctx context.Context, name string, bot bool) (*models.Account, error) {
	if acct, err := e.store.GetAccountByName(ctx, name); err == nil {
		return acct, nil
	}

	funding := e.userFunding
	if bot {
		funding = e.botFunding
	}
	holdings := make(map[string]float64, len(e.tokens))
	for _, t := range e.tokens {
		holdings[t] = funding.Holding
	}
	acct, err := e.store.CreateAccount(ctx, &models.Account{
		Name:     name,
		Balance:  funding.Balance,
		Holdings: holdings,
		IsBot:    bot,
	})
	if err != nil {
		// Lost a creation race; the existing account wins.
		if existing, gerr := e.store.GetAccountByName(ctx, name); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create account %q: %w", name, err)
	}
	return acct, nil
}

// Account returns an account by id.
func (e *Engine) Account(ctx context.Context, id string) (*models.Account, error) {
	return e.store.GetAccount(ctx, id)
}

// PlaceLimitOrder validates and reserves the order, persists it and matches
// it synchronously. The returned order may already be filled. On rejection
// the order is persisted as failed and the error wraps the matching sentinel.
func (e *Engine) PlaceLimitOrder(ctx context.Context, accountID, token string, side models.Side, price, quantity float64) (*models.Order, error) {
	order := &models.Order{
		AccountID: accountID,
		Token:     token,
		Side:      side,
		Kind:      models.KindLimit,
		Price:     price,
		Quantity:  quantity,
	}

	mu, ok := e.lock(token)
	if !ok {
		return e.reject(ctx, order, ErrInvalidParameters, fmt.Sprintf("unknown token %q", token))
	}
	mu.Lock()
	defer mu.Unlock()

	if quantity <= 0 || price <= 0 {
		return e.reject(ctx, order, ErrInvalidParameters, "price and quantity must be positive")
	}

	if err := e.reserve(ctx, order); err != nil {
		return nil, err
	}
	return e.submit(ctx, order)
}

// PlaceMarketOrder reserves at the worst-case opposite top-of-book price
// (highest resting ask for a buy, lowest resting bid for a sell), persists
// and matches the order. An empty opposite book rejects with ErrEmptyBook.
func (e *Engine) PlaceMarketOrder(ctx context.Context, accountID, token string, side models.Side, quantity float64) (*models.Order, error) {
	order := &models.Order{
		AccountID: accountID,
		Token:     token,
		Side:      side,
		Kind:      models.KindMarket,
		Quantity:  quantity,
	}

	mu, ok := e.lock(token)
	if !ok {
		return e.reject(ctx, order, ErrInvalidParameters, fmt.Sprintf("unknown token %q", token))
	}
	mu.Lock()
	defer mu.Unlock()

	if quantity <= 0 {
		return e.reject(ctx, order, ErrInvalidParameters, "quantity must be positive")
	}

	estimate, err := e.worstCasePrice(ctx, token, side)
	if err != nil {
		if errors.Is(err, ErrEmptyBook) {
			return e.reject(ctx, order, ErrEmptyBook, "no matching orders available in the order book")
		}
		return nil, err
	}
	order.Price = estimate

	if err := e.reserve(ctx, order); err != nil {
		return nil, err
	}
	return e.submit(ctx, order)
}

// worstCasePrice sizes a market order reservation from the opposite side of
// the book: the price that would apply if every better level were consumed
// first. Top of book only, no buffer.
func (e *Engine) worstCasePrice(ctx context.Context, token string, side models.Side) (float64, error) {
	resting, err := e.store.PendingOrders(ctx, token, side.Opposite())
	if err != nil {
		return 0, fmt.Errorf("load opposite book: %w", err)
	}
	if len(resting) == 0 {
		return 0, ErrEmptyBook
	}
	worst := resting[0].Price
	for _, o := range resting[1:] {
		if side == models.SideBuy && o.Price > worst {
			worst = o.Price
		}
		if side == models.SideSell && o.Price < worst {
			worst = o.Price
		}
	}
	return worst, nil
}

// reserve debits the reservation for the order: quote currency for buys,
// token inventory for sells. On failure the order is persisted as failed.
func (e *Engine) reserve(ctx context.Context, order *models.Order) error {
	if order.Side == models.SideBuy {
		cost := order.Price * order.Quantity
		if err := e.store.AdjustBalance(ctx, order.AccountID, -cost); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				reason := fmt.Sprintf("insufficient balance: required %.2f", cost)
				_, rerr := e.reject(ctx, order, ErrInsufficientFunds, reason)
				return rerr
			}
			return fmt.Errorf("reserve funds: %w", err)
		}
		return nil
	}
	if err := e.store.AdjustHolding(ctx, order.AccountID, order.Token, -order.Quantity); err != nil {
		if errors.Is(err, ErrInsufficientInventory) {
			reason := fmt.Sprintf("insufficient %s: required %.4f", order.Token, order.Quantity)
			_, rerr := e.reject(ctx, order, ErrInsufficientInventory, reason)
			return rerr
		}
		return fmt.Errorf("reserve inventory: %w", err)
	}
	return nil
}

// submit persists the reserved order as pending and runs matching. A match
// walk aborted by an inconsistency is logged; the order keeps whatever
// partial fill it reached.
func (e *Engine) submit(ctx context.Context, order *models.Order) (*models.Order, error) {
	order.Status = models.StatusPending
	created, err := e.store.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if err := e.match(ctx, created); err != nil {
		e.log.Error().Err(err).Str("order_id", created.ID).Msg("match walk aborted")
	}

	final, err := e.store.GetOrder(ctx, created.ID)
	if err != nil {
		return created, nil
	}
	e.log.Debug().
		Str("order_id", final.ID).
		Str("token", final.Token).
		Str("side", string(final.Side)).
		Str("kind", string(final.Kind)).
		Float64("filled", final.FilledQuantity).
		Str("status", string(final.Status)).
		Msg("order placed")
	return final, nil
}

// reject persists the order as failed for audit and returns the typed error.
func (e *Engine) reject(ctx context.Context, order *models.Order, sentinel error, reason string) (*models.Order, error) {
	order.Status = models.StatusFailed
	order.FailureReason = reason
	if _, err := e.store.CreateOrder(ctx, order); err != nil {
		e.log.Error().Err(err).Msg("persist failed order")
	}
	return nil, fmt.Errorf("%w: %s", sentinel, reason)
}

// UserOrderHistory returns the account's most recent orders, newest first,
// including failed ones.
func (e *Engine) UserOrderHistory(ctx context.Context, accountID string) ([]models.Order, error) {
	return e.store.AccountOrders(ctx, accountID, 50)
}

// RecentTrades returns the latest trades across all tokens, newest first.
func (e *Engine) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return e.store.RecentTrades(ctx, limit)
}
