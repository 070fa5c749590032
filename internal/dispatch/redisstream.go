package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// StreamDispatcher publishes job requests to Redis Streams. It is the
// single-box alternative to Kafka: workers consume with XREADGROUP against
// the same stream names used as Kafka topics.
type StreamDispatcher struct {
	client *redis.Client
	maxLen int64
	logger *slog.Logger
}

// NewStreamDispatcher creates a Redis Streams dispatcher on an existing
// client. maxLen caps each stream's approximate length; 0 disables trimming.
func NewStreamDispatcher(client *redis.Client, maxLen int64, logger *slog.Logger) *StreamDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamDispatcher{client: client, maxLen: maxLen, logger: logger}
}

// Publish appends the payload to the stream named by topic. The payload is
// carried as a single "payload" field so consumers decode one JSON document
// per entry.
func (d *StreamDispatcher) Publish(ctx context.Context, topic string, payload interface{}) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"payload": string(raw)},
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}

	id, err := d.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", topic, err)
	}

	d.logger.Debug("dispatched job", slog.String("stream", topic), slog.String("id", id))
	return nil
}

func (d *StreamDispatcher) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close is a no-op; the underlying client is owned by the state store.
func (d *StreamDispatcher) Close() error {
	return nil
}

var _ Dispatcher = (*StreamDispatcher)(nil)
