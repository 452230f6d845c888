package exchange

import (
	"context"

	"github.com/tokensim/exchange/internal/models"
)

// Store is the transactional backing store the engine runs against. Two
// implementations exist: internal/db (Postgres) and internal/memstore.
//
// Balance and holding adjustments are atomic check-and-apply operations: a
// debit that would drive the value negative fails with ErrInsufficientFunds
// or ErrInsufficientInventory and leaves the account untouched. The engine
// relies on this for reservation solvency across concurrent tokens.
type Store interface {
	CreateAccount(ctx context.Context, a *models.Account) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByName(ctx context.Context, name string) (*models.Account, error)
	BotAccounts(ctx context.Context) ([]models.Account, error)
	AdjustBalance(ctx context.Context, accountID string, delta float64) error
	AdjustHolding(ctx context.Context, accountID, token string, delta float64) error

	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// PendingOrders returns all pending orders for (token, side) in
	// creation order.
	PendingOrders(ctx context.Context, token string, side models.Side) ([]models.Order, error)
	// ApplyFill increments filled_quantity by qty and flips the order to
	// filled once the full quantity is reached, returning the updated
	// order. Fails with ErrNotFound if the order is missing or no longer
	// pending.
	ApplyFill(ctx context.Context, orderID string, qty float64) (*models.Order, error)
	AccountOrders(ctx context.Context, accountID string, limit int) ([]models.Order, error)

	CreateTrade(ctx context.Context, t *models.Trade) (*models.Trade, error)
	LastTrade(ctx context.Context, token string) (*models.Trade, error)
	RecentTrades(ctx context.Context, limit int) ([]models.Trade, error)

	AppendPricePoint(ctx context.Context, p *models.PricePoint) error
	LastPricePoint(ctx context.Context, token string) (*models.PricePoint, error)
	PriceHistory(ctx context.Context, token string, limit int) ([]models.PricePoint, error)
	HasPriceHistory(ctx context.Context, token string) (bool, error)
}

// TradeSink receives settled trades, e.g. for publishing to an external feed.
type TradeSink interface {
	Publish(ctx context.Context, t models.Trade) error
}
