// Package feed publishes settled trades to Kafka for downstream consumers.
package feed

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/tokensim/exchange/internal/models"
)

// Publisher writes one message per settled trade, keyed by token so a
// token's trades stay ordered within a partition.
type Publisher struct {
	w   *kafka.Writer
	log zerolog.Logger
}

// New creates a publisher for the given brokers and topic.
func New(brokers []string, topic string, log zerolog.Logger) *Publisher {
	return &Publisher{
		w: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		log: log.With().Str("component", "feed").Logger(),
	}
}

// Publish sends one trade.
func (p *Publisher) Publish(ctx context.Context, t models.Trade) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(t.Token),
		Value: b,
		Time:  t.ExecutedAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write trade %s: %w", t.ID, err)
	}
	p.log.Debug().Str("trade_id", t.ID).Str("token", t.Token).Msg("trade published")
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
