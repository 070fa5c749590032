// Package dispatch provides the publish-only interface to the message bus
// carrying job requests to the simulation and evaluation workers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
)

// Dispatcher submits fire-and-forget jobs to a named topic. No worker
// acknowledgment is awaited; replies arrive out-of-band through the state
// store rendezvous.
type Dispatcher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Ping(ctx context.Context) error
	Close() error
}

func encodePayload(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch payload: %w", err)
	}
	return raw, nil
}
