package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaDispatcher publishes job requests to Kafka topics.
type KafkaDispatcher struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

// KafkaConfig holds Kafka connection configuration.
type KafkaConfig struct {
	Brokers []string

	// BatchTimeout bounds how long a message may sit in the writer's
	// batch before being flushed (default: 10ms; dispatches are sparse).
	BatchTimeout time.Duration

	// WriteTimeout bounds a single produce round trip.
	WriteTimeout time.Duration
}

// DefaultKafkaConfig returns sensible defaults.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// NewKafkaDispatcher creates a Kafka-backed dispatcher. The connection is
// lazy; call Ping to verify reachability.
func NewKafkaDispatcher(cfg *KafkaConfig, logger *slog.Logger) *KafkaDispatcher {
	if cfg == nil {
		cfg = DefaultKafkaConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}

	return &KafkaDispatcher{
		writer:  writer,
		brokers: cfg.Brokers,
		logger:  logger,
	}
}

// Publish sends one message to the topic. Fire-and-forget from the caller's
// perspective: an error means the produce failed, not that no worker
// consumed it.
func (d *KafkaDispatcher) Publish(ctx context.Context, topic string, payload interface{}) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	if err := d.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: raw,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	d.logger.Debug("dispatched job", slog.String("topic", topic), slog.Int("bytes", len(raw)))
	return nil
}

// Ping dials the first broker to verify the bus is reachable.
func (d *KafkaDispatcher) Ping(ctx context.Context) error {
	if len(d.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", d.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", d.brokers[0], err)
	}
	return conn.Close()
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

var _ Dispatcher = (*KafkaDispatcher)(nil)
