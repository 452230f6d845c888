// Seed the database with demo accounts and resting liquidity. Idempotent:
// if trades already exist, nothing is touched. All orders go through the
// engine's placement path so reservations and matching apply.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/tokensim/exchange/internal/config"
	"github.com/tokensim/exchange/internal/db"
	"github.com/tokensim/exchange/internal/exchange"
	"github.com/tokensim/exchange/internal/models"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("EXCHANGE_DATABASE_URL is required for seeding")
	}

	ctx := context.Background()
	store, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer store.Close()

	trades, err := store.RecentTrades(ctx, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("check trades")
	}
	if len(trades) > 0 {
		log.Info().Msg("database already has trades, nothing to seed")
		return
	}

	// Demo accounts get enough funding to rest a spread on every token.
	seedFunding := exchange.Funding{
		Balance: cfg.BasePrice * 50 * float64(len(cfg.Tokens)),
		Holding: 100,
	}
	engine := exchange.NewEngine(store, cfg.Tokens, log,
		exchange.WithBasePrice(cfg.BasePrice),
		exchange.WithFunding(seedFunding, seedFunding),
	)
	if err := engine.InitPriceHistory(ctx); err != nil {
		log.Fatal().Err(err).Msg("seed price history")
	}

	alice, err := engine.EnsureAccount(ctx, "alice", false)
	if err != nil {
		log.Fatal().Err(err).Msg("create alice")
	}
	bob, err := engine.EnsureAccount(ctx, "bob", false)
	if err != nil {
		log.Fatal().Err(err).Msg("create bob")
	}

	// A narrow resting spread around the base price on every token.
	for _, token := range cfg.Tokens {
		for _, bid := range []struct{ price, qty float64 }{
			{cfg.BasePrice * 0.99, 2},
			{cfg.BasePrice * 0.98, 3},
		} {
			if _, err := engine.PlaceLimitOrder(ctx, alice.ID, token, models.SideBuy, bid.price, bid.qty); err != nil {
				log.Warn().Err(err).Str("token", token).Msg("seed bid rejected")
			}
		}
		for _, ask := range []struct{ price, qty float64 }{
			{cfg.BasePrice * 1.01, 2},
			{cfg.BasePrice * 1.02, 3},
		} {
			if _, err := engine.PlaceLimitOrder(ctx, bob.ID, token, models.SideSell, ask.price, ask.qty); err != nil {
				log.Warn().Err(err).Str("token", token).Msg("seed ask rejected")
			}
		}
	}

	log.Info().Strs("tokens", cfg.Tokens).Msg("seeded demo accounts and resting liquidity")
}
