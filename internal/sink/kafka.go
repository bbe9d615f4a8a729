package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the producer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// NewKafkaWriter returns a synchronous writer that hashes keys to
// partitions, so all events of a market stay ordered on one partition.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Kafka publishes trade and market lifecycle events keyed by market.
type Kafka struct {
	w MessageWriter
}

// NewKafka creates a Kafka sink on w.
func NewKafka(w MessageWriter) *Kafka { return &Kafka{w: w} }

func (k *Kafka) Name() string { return "kafka" }

// Deliver writes trade and market_closed events. Book deltas are skipped.
func (k *Kafka) Deliver(ctx context.Context, ev domain.Event) error {
	switch ev.Type {
	case domain.EventTrade, domain.EventMarketClosed:
	default:
		return nil
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sink: marshal %s: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Market),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("sink: kafka write %s/%d: %w", ev.Market, ev.Seq, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error { return k.w.Close() }
