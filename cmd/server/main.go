package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tokensim/exchange/internal/api"
	"github.com/tokensim/exchange/internal/bots"
	"github.com/tokensim/exchange/internal/config"
	"github.com/tokensim/exchange/internal/db"
	"github.com/tokensim/exchange/internal/exchange"
	"github.com/tokensim/exchange/internal/feed"
	"github.com/tokensim/exchange/internal/jobs"
	"github.com/tokensim/exchange/internal/memstore"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // development default
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsHub struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newWSHub(log zerolog.Logger) *wsHub {
	return &wsHub{log: log, clients: make(map[*wsClient]bool)}
}

// marketSnapshot is what the hub pushes: per-token book plus last price.
type marketSnapshot struct {
	Token string         `json:"token"`
	Book  *exchange.Book `json:"book"`
	Price float64        `json:"price"`
}

func (h *wsHub) broadcast(ctx context.Context, engine *exchange.Engine) {
	for _, token := range engine.Tokens() {
		book, err := engine.OrderBook(ctx, token, 20)
		if err != nil {
			h.log.Warn().Err(err).Str("token", token).Msg("snapshot book failed")
			continue
		}
		price, err := engine.CurrentPrice(ctx, token)
		if err != nil {
			continue
		}
		data, err := json.Marshal(marketSnapshot{Token: token, Book: book, Price: price})
		if err != nil {
			h.log.Warn().Err(err).Msg("marshal snapshot failed")
			continue
		}
		h.send(data)
	}
}

func (h *wsHub) send(data []byte) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
		}
	}
}

func (h *wsHub) handle(engine *exchange.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := &wsClient{conn: conn}
		h.mu.Lock()
		h.clients[client] = true
		h.mu.Unlock()

		// Push an initial snapshot to the new client.
		h.broadcast(r.Context(), engine)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.clients, client)
				h.mu.Unlock()
				return
			}
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalLog := zerolog.New(os.Stderr)
		fatalLog.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store exchange.Store
	if cfg.DatabaseURL != "" {
		pg, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect database")
		}
		defer pg.Close()
		store = pg
	} else {
		log.Warn().Msg("no database configured, using in-memory store")
		store = memstore.New()
	}

	opts := []exchange.Option{
		exchange.WithBasePrice(cfg.BasePrice),
		exchange.WithFunding(
			exchange.Funding{Balance: cfg.UserBalance, Holding: cfg.UserHolding},
			exchange.Funding{Balance: cfg.BotBalance, Holding: cfg.BotHolding},
		),
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub := feed.New(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer pub.Close()
		opts = append(opts, exchange.WithTradeSink(pub))
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("trade feed enabled")
	}

	engine := exchange.NewEngine(store, cfg.Tokens, log, opts...)
	if err := engine.InitPriceHistory(ctx); err != nil {
		log.Fatal().Err(err).Msg("seed price history")
	}

	if !cfg.BotsDisabled {
		trader := bots.NewTrader(engine, log, bots.Config{
			Activation:     cfg.BotActivation,
			Interval:       cfg.BotInterval,
			SuperviseEvery: cfg.BotSuperviseEvery,
		}, nil)
		if _, err := trader.Start(ctx, jobs.NewScheduler(log)); err != nil {
			log.Fatal().Err(err).Msg("start bot loop")
		}
	}

	handler := api.NewHandler(engine, log)
	hub := newWSHub(log.With().Str("component", "ws").Logger())

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/ws", hub.handle(engine))
	r.Group(handler.Routes)

	go func() {
		ticker := time.NewTicker(cfg.BroadcastEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hub.broadcast(ctx, engine)
			}
		}
	}()

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Strs("tokens", cfg.Tokens).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}
