// Package memstore is an in-memory exchange.Store used by tests and by the
// server when no database is configured. State is lost on restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tokensim/exchange/internal/exchange"
	"github.com/tokensim/exchange/internal/models"
)

// Store keeps all entities in maps behind one RWMutex. Write operations are
// individually atomic; the engine's per-token lock provides the serial
// reserve-insert-match-settle boundary on top.
type Store struct {
	mu sync.RWMutex

	accounts    map[string]*models.Account
	byName      map[string]string // name -> account id
	orders      map[string]*models.Order
	orderSeq    []string // creation order
	trades      []models.Trade
	priceSeries map[string][]models.PricePoint
}

var _ exchange.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:    make(map[string]*models.Account),
		byName:      make(map[string]string),
		orders:      make(map[string]*models.Order),
		priceSeries: make(map[string][]models.PricePoint),
	}
}

func (s *Store) CreateAccount(_ context.Context, a *models.Account) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[a.Name]; exists {
		return nil, fmt.Errorf("account %q already exists", a.Name)
	}
	acct := *a
	acct.ID = uuid.NewString()
	acct.CreatedAt = time.Now()
	acct.Holdings = copyHoldings(a.Holdings)
	s.accounts[acct.ID] = &acct
	s.byName[acct.Name] = acct.ID
	return copyAccount(&acct), nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, exchange.ErrNotFound)
	}
	return copyAccount(acct), nil
}

func (s *Store) GetAccountByName(_ context.Context, name string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("account %q: %w", name, exchange.ErrNotFound)
	}
	return copyAccount(s.accounts[id]), nil
}

func (s *Store) BotAccounts(_ context.Context) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bots []models.Account
	for _, acct := range s.accounts {
		if acct.IsBot {
			bots = append(bots, *copyAccount(acct))
		}
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].Name < bots[j].Name })
	return bots, nil
}

func (s *Store) AdjustBalance(_ context.Context, accountID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, exchange.ErrNotFound)
	}
	if acct.Balance+delta < 0 {
		return fmt.Errorf("balance %.2f cannot cover %.2f: %w", acct.Balance, -delta, exchange.ErrInsufficientFunds)
	}
	acct.Balance += delta
	return nil
}

func (s *Store) AdjustHolding(_ context.Context, accountID, token string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, exchange.ErrNotFound)
	}
	if acct.Holdings == nil {
		acct.Holdings = make(map[string]float64)
	}
	if acct.Holdings[token]+delta < 0 {
		return fmt.Errorf("holding %.4f %s cannot cover %.4f: %w",
			acct.Holdings[token], token, -delta, exchange.ErrInsufficientInventory)
	}
	acct.Holdings[token] += delta
	return nil
}

func (s *Store) CreateOrder(_ context.Context, o *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := *o
	order.ID = uuid.NewString()
	order.CreatedAt = time.Now()
	s.orders[order.ID] = &order
	s.orderSeq = append(s.orderSeq, order.ID)
	return copyOrder(&order), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, exchange.ErrNotFound)
	}
	return copyOrder(order), nil
}

func (s *Store) PendingOrders(_ context.Context, token string, side models.Side) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Token == token && o.Side == side && o.Status == models.StatusPending {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (s *Store) ApplyFill(_ context.Context, orderID string, qty float64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.Status != models.StatusPending {
		return nil, fmt.Errorf("pending order %s: %w", orderID, exchange.ErrNotFound)
	}
	order.FilledQuantity += qty
	if order.FilledQuantity >= order.Quantity {
		order.Status = models.StatusFilled
	}
	return copyOrder(order), nil
}

func (s *Store) AccountOrders(_ context.Context, accountID string, limit int) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	// Newest first.
	for i := len(s.orderSeq) - 1; i >= 0 && len(out) < limit; i-- {
		o := s.orders[s.orderSeq[i]]
		if o.AccountID == accountID {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (s *Store) CreateTrade(_ context.Context, t *models.Trade) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade := *t
	trade.ID = uuid.NewString()
	s.trades = append(s.trades, trade)
	return &trade, nil
}

func (s *Store) LastTrade(_ context.Context, token string) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Token == token {
			t := s.trades[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("trades for %s: %w", token, exchange.ErrNotFound)
}

func (s *Store) RecentTrades(_ context.Context, limit int) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trade
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.trades[i])
	}
	return out, nil
}

func (s *Store) AppendPricePoint(_ context.Context, p *models.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceSeries[p.Token] = append(s.priceSeries[p.Token], *p)
	return nil
}

func (s *Store) LastPricePoint(_ context.Context, token string) (*models.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.priceSeries[token]
	if len(series) == 0 {
		return nil, fmt.Errorf("price history for %s: %w", token, exchange.ErrNotFound)
	}
	p := series[len(series)-1]
	return &p, nil
}

func (s *Store) PriceHistory(_ context.Context, token string, limit int) ([]models.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.priceSeries[token]
	if len(series) > limit {
		series = series[len(series)-limit:]
	}
	out := make([]models.PricePoint, len(series))
	copy(out, series)
	return out, nil
}

func (s *Store) HasPriceHistory(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.priceSeries[token]) > 0, nil
}

func copyAccount(a *models.Account) *models.Account {
	out := *a
	out.Holdings = copyHoldings(a.Holdings)
	return &out
}

func copyHoldings(h map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func copyOrder(o *models.Order) *models.Order {
	out := *o
	return &out
}
