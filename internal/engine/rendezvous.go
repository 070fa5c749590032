package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agenteval/platform/services/orchestrator-go/internal/metrics"
	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

// ErrRendezvousTimeout is returned when no worker result arrives within the
// node's timeout.
var ErrRendezvousTimeout = errors.New("rendezvous timed out")

// Rendezvous publishes a job and blocks until the worker's result appears
// under the campaign/node rendezvous key, or the timeout elapses. The result
// is consumed destructively; workers set a TTL on write as a safety net for
// results nobody ever claims.
func (rt *Runtime) Rendezvous(ctx context.Context, topic string, msg *types.DispatchMessage, timeout time.Duration) (*types.RendezvousResult, error) {
	if timeout <= 0 {
		timeout = rt.NodeTimeout
	}

	if err := rt.Dispatcher.Publish(ctx, topic, msg); err != nil {
		metrics.DispatchesTotal.WithLabelValues(topic, "error").Inc()
		return nil, fmt.Errorf("dispatch to %s: %w", topic, err)
	}
	metrics.DispatchesTotal.WithLabelValues(topic, "success").Inc()

	key := types.RendezvousKey(msg.CampaignID, msg.NodeID)
	raw, err := rt.Store.BLPop(ctx, timeout, key)
	if err != nil {
		if errors.Is(err, statestore.ErrPopTimeout) {
			metrics.RendezvousTimeouts.WithLabelValues(topic).Inc()
			return nil, ErrRendezvousTimeout
		}
		return nil, fmt.Errorf("await result for %s: %w", key, err)
	}

	var result types.RendezvousResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode result for %s: %w", key, err)
	}
	return &result, nil
}
