// Package bots runs the synthetic-liquidity loop: a fixed roster of bot
// accounts that perpetually place competitive orders so the books are never
// empty and prices keep moving.
package bots

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokensim/exchange/internal/exchange"
	"github.com/tokensim/exchange/internal/jobs"
	"github.com/tokensim/exchange/internal/models"
)

// rosterNames is the fixed bot roster, created idempotently.
var rosterNames = []string{"BotAlpha", "BotBeta", "BotGamma", "BotDelta", "BotEpsilon"}

// Config tunes the liquidity loop.
type Config struct {
	// Activation is the per-bot, per-token probability of acting on a tick.
	Activation float64
	// Interval between ticks.
	Interval time.Duration
	// SuperviseEvery is the supervisor check period.
	SuperviseEvery time.Duration
}

// DefaultConfig matches the cadence the simulation was tuned for.
func DefaultConfig() Config {
	return Config{
		Activation:     0.3,
		Interval:       500 * time.Millisecond,
		SuperviseEvery: time.Minute,
	}
}

// Trader drives the roster. All orders go through the same placement path as
// user orders; rejections are logged and swallowed so the loop never halts.
type Trader struct {
	engine *exchange.Engine
	log    zerolog.Logger
	cfg    Config

	mu  sync.Mutex
	rng *rand.Rand

	roster []models.Account
}

// NewTrader creates a trader. The rng source is injectable for tests.
func NewTrader(engine *exchange.Engine, log zerolog.Logger, cfg Config, src rand.Source) *Trader {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Trader{
		engine: engine,
		log:    log.With().Str("component", "bots").Logger(),
		cfg:    cfg,
		rng:    rand.New(src),
	}
}

// EnsureRoster creates the bot accounts that do not exist yet and caches the
// roster. Safe to call repeatedly and from a racing supervisor restart.
func (t *Trader) EnsureRoster(ctx context.Context) ([]models.Account, error) {
	roster := make([]models.Account, 0, len(rosterNames))
	for _, name := range rosterNames {
		acct, err := t.engine.EnsureAccount(ctx, name, true)
		if err != nil {
			return nil, err
		}
		roster = append(roster, *acct)
	}
	t.mu.Lock()
	t.roster = roster
	t.mu.Unlock()
	return roster, nil
}

// Tick runs one round: every bot rolls activation for every token and the
// activated ones each place a single order.
func (t *Trader) Tick(ctx context.Context) {
	t.mu.Lock()
	roster := t.roster
	t.mu.Unlock()
	if len(roster) == 0 {
		var err error
		if roster, err = t.EnsureRoster(ctx); err != nil {
			t.log.Error().Err(err).Msg("roster init failed")
			return
		}
	}

	for _, token := range t.engine.Tokens() {
		for i := range roster {
			if t.roll() >= t.cfg.Activation {
				continue
			}
			t.trade(ctx, &roster[i], token)
		}
	}
}

// trade picks one action for an activated bot: competitive limit buy (40%),
// competitive limit sell (40%), market buy (10%) or market sell (10%).
func (t *Trader) trade(ctx context.Context, bot *models.Account, token string) {
	last, err := t.engine.CurrentPrice(ctx, token)
	if err != nil {
		// No reference price yet; nothing sensible to quote.
		t.log.Debug().Str("token", token).Msg("skipping token without price")
		return
	}

	bestBid, haveBid, err := t.engine.BestBid(ctx, token)
	if err != nil {
		t.log.Warn().Err(err).Str("token", token).Msg("book read failed")
		return
	}
	bestAsk, haveAsk, err := t.engine.BestAsk(ctx, token)
	if err != nil {
		t.log.Warn().Err(err).Str("token", token).Msg("book read failed")
		return
	}

	var action string
	switch roll := t.roll(); {
	case roll < 0.4:
		action = "limit_buy"
		price := t.competitiveBid(last, bestBid, haveBid, bestAsk, haveAsk)
		qty := t.quantity(0.5, 2.5)
		_, err = t.engine.PlaceLimitOrder(ctx, bot.ID, token, models.SideBuy, price, qty)
	case roll < 0.8:
		action = "limit_sell"
		price := t.competitiveAsk(last, bestBid, haveBid, bestAsk, haveAsk)
		qty := t.quantity(0.5, 2.5)
		_, err = t.engine.PlaceLimitOrder(ctx, bot.ID, token, models.SideSell, price, qty)
	case roll < 0.9:
		action = "market_buy"
		_, err = t.engine.PlaceMarketOrder(ctx, bot.ID, token, models.SideBuy, t.quantity(0.3, 1.0))
	default:
		action = "market_sell"
		_, err = t.engine.PlaceMarketOrder(ctx, bot.ID, token, models.SideSell, t.quantity(0.3, 1.0))
	}

	if err != nil {
		// Non-fatal: the bot simply sits this tick out.
		t.log.Debug().Err(err).Str("bot", bot.Name).Str("token", token).Str("action", action).Msg("bot order rejected")
		return
	}
	t.log.Debug().Str("bot", bot.Name).Str("token", token).Str("action", action).Msg("bot order placed")
}

// competitiveBid quotes at or just above the best bid, or near the last
// trade when the bid side is empty, clamped below the best ask so the order
// rests instead of taking.
func (t *Trader) competitiveBid(last, bestBid float64, haveBid bool, bestAsk float64, haveAsk bool) float64 {
	var price float64
	if haveBid && bestBid > last*0.9 {
		if t.roll() < 0.6 {
			price = bestBid + 0.01 + t.roll()*0.04
		} else {
			price = bestBid
		}
	} else {
		price = last * (0.995 + t.roll()*0.01)
	}
	price = roundCents(price)
	if haveAsk && price >= bestAsk {
		price = roundCents(bestAsk - 0.01)
	}
	return price
}

// competitiveAsk mirrors competitiveBid for the sell side.
func (t *Trader) competitiveAsk(last, bestBid float64, haveBid bool, bestAsk float64, haveAsk bool) float64 {
	var price float64
	if haveAsk && bestAsk < last*1.1 {
		if t.roll() < 0.6 {
			price = bestAsk - 0.01 - t.roll()*0.04
		} else {
			price = bestAsk
		}
	} else {
		price = last * (1.0 + t.roll()*0.01)
	}
	price = roundCents(price)
	if haveBid && price <= bestBid {
		price = roundCents(bestBid + 0.01)
	}
	return price
}

func (t *Trader) quantity(lo, hi float64) float64 {
	q := lo + t.roll()*(hi-lo)
	return math.Round(q*10000) / 10000
}

func (t *Trader) roll() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64()
}

func roundCents(p float64) float64 {
	return math.Round(p*100) / 100
}

// Start ensures the roster, arms the perpetual tick loop and launches the
// supervisor that re-arms it if it ever stops.
func (t *Trader) Start(ctx context.Context, sched *jobs.Scheduler) (*jobs.Loop, error) {
	if _, err := t.EnsureRoster(ctx); err != nil {
		return nil, err
	}
	loop := jobs.NewLoop(sched, t.log, "bot-trading", t.cfg.Interval, t.Tick)
	loop.Start(ctx)
	go loop.Supervise(ctx, t.cfg.SuperviseEvery)
	t.log.Info().
		Int("bots", len(rosterNames)).
		Dur("interval", t.cfg.Interval).
		Msg("bot liquidity loop started")
	return loop, nil
}
