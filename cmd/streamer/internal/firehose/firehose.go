// Package firehose publishes every broadcast frame to Kafka so downstream
// consumers (analytics, audit) see the same payloads clients do.
package firehose

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink is what topic workers publish through. Publishing is best-effort:
// failures are logged, never escalated into a broadcast cycle.
type Sink interface {
	Publish(ctx context.Context, topicID int64, payload []byte)
}

// KafkaWriter abstracts the output stream for deterministic testing
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer KafkaWriter
	logger *zap.Logger
}

func NewPublisher(writer KafkaWriter, logger *zap.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

// NewWriter builds a production-tuned kafka writer: batched, async, keyed by
// topic id so one watchlist's frames stay ordered within a partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
}

func (p *Publisher) Publish(ctx context.Context, topicID int64, payload []byte) {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(topicID, 10)),
		Value: payload,
	})
	if err != nil {
		p.logger.Error("Kafka Write Error", zap.Int64("topic_id", topicID), zap.Error(err))
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
