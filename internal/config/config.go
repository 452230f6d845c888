// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config is the full server configuration. With no database configured the
// server runs on the in-memory store, which is enough for local development.
type Config struct {
	Addr        string   `env:"EXCHANGE_ADDR" envDefault:":8080"`
	DatabaseURL string   `env:"EXCHANGE_DATABASE_URL"`
	LogLevel    string   `env:"EXCHANGE_LOG_LEVEL" envDefault:"info"`
	Tokens      []string `env:"EXCHANGE_TOKENS" envSeparator:"," envDefault:"CNVX,BUN,NEXT,SHAD" validate:"min=1,dive,required"`
	BasePrice   float64  `env:"EXCHANGE_BASE_PRICE" envDefault:"10" validate:"gt=0"`

	UserBalance float64 `env:"EXCHANGE_USER_BALANCE" envDefault:"100"`
	UserHolding float64 `env:"EXCHANGE_USER_HOLDING" envDefault:"500"`
	BotBalance  float64 `env:"EXCHANGE_BOT_BALANCE" envDefault:"1000"`
	BotHolding  float64 `env:"EXCHANGE_BOT_HOLDING" envDefault:"500"`

	BotActivation     float64       `env:"EXCHANGE_BOT_ACTIVATION" envDefault:"0.3" validate:"gte=0,lte=1"`
	BotInterval       time.Duration `env:"EXCHANGE_BOT_INTERVAL" envDefault:"500ms"`
	BotSuperviseEvery time.Duration `env:"EXCHANGE_BOT_SUPERVISE_EVERY" envDefault:"1m"`
	BotsDisabled      bool          `env:"EXCHANGE_BOTS_DISABLED"`

	KafkaBrokers []string `env:"EXCHANGE_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"EXCHANGE_KAFKA_TOPIC" envDefault:"trades"`

	BroadcastEvery time.Duration `env:"EXCHANGE_BROADCAST_EVERY" envDefault:"2s"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
