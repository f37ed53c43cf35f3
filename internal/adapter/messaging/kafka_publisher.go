package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const EventReservationExpired = "reservation.expired"

type ReservationEvent struct {
	Type string `json:"type"`
	domain.ReleasedReservation
	PublishedAt time.Time `json:"published_at"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	logger.Info("kafka publisher initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// PublishReleased sends one message per released hold, keyed by cart id so a
// cart's events stay ordered within a partition.
func (p *KafkaPublisher) PublishReleased(ctx context.Context, released []domain.ReleasedReservation) error {
	if len(released) == 0 {
		return nil
	}

	now := time.Now()
	msgs := make([]kafka.Message, 0, len(released))
	for _, r := range released {
		data, err := json.Marshal(ReservationEvent{Type: EventReservationExpired, ReleasedReservation: r, PublishedAt: now})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.CartID), Value: data})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("failed to publish released reservations",
			zap.String("topic", p.topic), zap.Int("count", len(msgs)), zap.Error(err))
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}

	p.logger.Debug("released reservations published", zap.String("topic", p.topic), zap.Int("count", len(msgs)))
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.logger.Info("closing kafka writer", zap.String("topic", p.topic))
	return p.writer.Close()
}
