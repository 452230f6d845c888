// Package db implements exchange.Store on PostgreSQL. Reservation debits use
// conditional updates so an account can never go negative, even when two
// token locks race on the same account.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokensim/exchange/internal/exchange"
	"github.com/tokensim/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

var _ exchange.Store = (*DB)(nil)

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

const accountCols = "id, name, balance, is_bot, created_at"

func (db *DB) CreateAccount(ctx context.Context, a *models.Account) (*models.Account, error) {
	acct := &models.Account{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO accounts (id, name, balance, is_bot) VALUES ($1, $2, $3, $4) RETURNING "+accountCols,
		uuid.NewString(), a.Name, a.Balance, a.IsBot).Scan(
		&acct.ID, &acct.Name, &acct.Balance, &acct.IsBot, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	acct.Holdings = make(map[string]float64, len(a.Holdings))
	for token, amount := range a.Holdings {
		if _, err := db.Pool.Exec(ctx,
			"INSERT INTO holdings (account_id, token, amount) VALUES ($1, $2, $3)",
			acct.ID, token, amount); err != nil {
			return nil, fmt.Errorf("failed to create holding: %w", err)
		}
		acct.Holdings[token] = amount
	}
	return acct, nil
}

func (db *DB) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return db.scanAccount(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = $1", id)
}

func (db *DB) GetAccountByName(ctx context.Context, name string) (*models.Account, error) {
	return db.scanAccount(ctx, "SELECT "+accountCols+" FROM accounts WHERE name = $1", name)
}

func (db *DB) scanAccount(ctx context.Context, query string, arg any) (*models.Account, error) {
	acct := &models.Account{}
	err := db.Pool.QueryRow(ctx, query, arg).Scan(
		&acct.ID, &acct.Name, &acct.Balance, &acct.IsBot, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account: %w", exchange.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if err := db.loadHoldings(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (db *DB) loadHoldings(ctx context.Context, acct *models.Account) error {
	rows, err := db.Pool.Query(ctx,
		"SELECT token, amount FROM holdings WHERE account_id = $1", acct.ID)
	if err != nil {
		return fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	acct.Holdings = make(map[string]float64)
	for rows.Next() {
		var token string
		var amount float64
		if err := rows.Scan(&token, &amount); err != nil {
			return fmt.Errorf("failed to scan holding: %w", err)
		}
		acct.Holdings[token] = amount
	}
	return rows.Err()
}

func (db *DB) BotAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE is_bot ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to get bot accounts: %w", err)
	}
	defer rows.Close()

	var bots []models.Account
	for rows.Next() {
		var acct models.Account
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.Balance, &acct.IsBot, &acct.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		bots = append(bots, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range bots {
		if err := db.loadHoldings(ctx, &bots[i]); err != nil {
			return nil, err
		}
	}
	return bots, nil
}

// AdjustBalance applies delta atomically; a debit below zero fails with
// ErrInsufficientFunds and leaves the row untouched.
func (db *DB) AdjustBalance(ctx context.Context, accountID string, delta float64) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0",
		delta, accountID)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return fmt.Errorf("balance cannot cover %.2f: %w", -delta, exchange.ErrInsufficientFunds)
	}
	return nil
}

// AdjustHolding credits upsert a missing row; debits only succeed against an
// existing row with enough inventory.
func (db *DB) AdjustHolding(ctx context.Context, accountID, token string, delta float64) error {
	if delta >= 0 {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO holdings (account_id, token, amount) VALUES ($1, $2, $3)
			ON CONFLICT (account_id, token) DO UPDATE SET amount = holdings.amount + EXCLUDED.amount`,
			accountID, token, delta)
		if err != nil {
			return fmt.Errorf("failed to credit holding: %w", err)
		}
		return nil
	}
	tag, err := db.Pool.Exec(ctx,
		"UPDATE holdings SET amount = amount + $1 WHERE account_id = $2 AND token = $3 AND amount + $1 >= 0",
		delta, accountID, token)
	if err != nil {
		return fmt.Errorf("failed to debit holding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s holding cannot cover %.4f: %w", token, -delta, exchange.ErrInsufficientInventory)
	}
	return nil
}

const orderCols = "id, account_id, token, side, kind, price, quantity, filled_quantity, status, COALESCE(failure_reason, ''), created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.AccountID, &o.Token, &o.Side, &o.Kind,
		&o.Price, &o.Quantity, &o.FilledQuantity, &o.Status, &o.FailureReason, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (db *DB) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	var reason any
	if o.FailureReason != "" {
		reason = o.FailureReason
	}
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO orders (id, account_id, token, side, kind, price, quantity, filled_quantity, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING `+orderCols,
		uuid.NewString(), o.AccountID, o.Token, o.Side, o.Kind, o.Price, o.Quantity, o.FilledQuantity, o.Status, reason)
	order, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}

func (db *DB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := db.Pool.QueryRow(ctx, "SELECT "+orderCols+" FROM orders WHERE id = $1", id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, exchange.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (db *DB) PendingOrders(ctx context.Context, token string, side models.Side) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderCols+" FROM orders WHERE token = $1 AND side = $2 AND status = 'pending' ORDER BY created_at",
		token, side)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending orders: %w", err)
	}
	return collectOrders(rows)
}

func (db *DB) ApplyFill(ctx context.Context, orderID string, qty float64) (*models.Order, error) {
	row := db.Pool.QueryRow(ctx, `
		UPDATE orders
		SET filled_quantity = filled_quantity + $1,
		    status = CASE WHEN filled_quantity + $1 >= quantity THEN 'filled' ELSE status END
		WHERE id = $2 AND status = 'pending'
		RETURNING `+orderCols,
		qty, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending order %s: %w", orderID, exchange.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply fill: %w", err)
	}
	return order, nil
}

func (db *DB) AccountOrders(ctx context.Context, accountID string, limit int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderCols+" FROM orders WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2",
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get account orders: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

const tradeCols = "id, buy_order_id, sell_order_id, token, price, quantity, executed_at"

func (db *DB) CreateTrade(ctx context.Context, t *models.Trade) (*models.Trade, error) {
	trade := &models.Trade{}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, token, price, quantity, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+tradeCols,
		uuid.NewString(), t.BuyOrderID, t.SellOrderID, t.Token, t.Price, t.Quantity, t.ExecutedAt).Scan(
		&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.Token, &trade.Price, &trade.Quantity, &trade.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return trade, nil
}

func (db *DB) LastTrade(ctx context.Context, token string) (*models.Trade, error) {
	trade := &models.Trade{}
	err := db.Pool.QueryRow(ctx,
		"SELECT "+tradeCols+" FROM trades WHERE token = $1 ORDER BY executed_at DESC LIMIT 1",
		token).Scan(
		&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.Token, &trade.Price, &trade.Quantity, &trade.ExecutedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trades for %s: %w", token, exchange.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last trade: %w", err)
	}
	return trade, nil
}

func (db *DB) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeCols+" FROM trades ORDER BY executed_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Token, &t.Price, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (db *DB) AppendPricePoint(ctx context.Context, p *models.PricePoint) error {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO price_history (token, price, volume, ts) VALUES ($1, $2, $3, $4)",
		p.Token, p.Price, p.Volume, ts)
	if err != nil {
		return fmt.Errorf("failed to append price point: %w", err)
	}
	return nil
}

func (db *DB) LastPricePoint(ctx context.Context, token string) (*models.PricePoint, error) {
	p := &models.PricePoint{}
	err := db.Pool.QueryRow(ctx,
		"SELECT token, price, volume, ts FROM price_history WHERE token = $1 ORDER BY ts DESC LIMIT 1",
		token).Scan(&p.Token, &p.Price, &p.Volume, &p.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("price history for %s: %w", token, exchange.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last price point: %w", err)
	}
	return p, nil
}

func (db *DB) PriceHistory(ctx context.Context, token string, limit int) ([]models.PricePoint, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT token, price, volume, ts FROM (
			SELECT token, price, volume, ts FROM price_history
			WHERE token = $1 ORDER BY ts DESC LIMIT $2
		) recent ORDER BY ts ASC`,
		token, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get price history: %w", err)
	}
	defer rows.Close()

	var points []models.PricePoint
	for rows.Next() {
		var p models.PricePoint
		if err := rows.Scan(&p.Token, &p.Price, &p.Volume, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (db *DB) HasPriceHistory(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM price_history WHERE token = $1)", token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check price history: %w", err)
	}
	return exists, nil
}
