// Package checkpoint persists sequenced snapshots of campaign state so runs
// can be queried and resumed after a process restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

// ErrNoCheckpoint is returned when a campaign has no checkpoint yet.
var ErrNoCheckpoint = errors.New("no checkpoint for campaign")

// Checkpointer writes and reads campaign checkpoints through the state store.
// Checkpoints for one campaign are strictly sequential; the core never
// deletes them (retention is an external concern).
type Checkpointer struct {
	store statestore.Store
	ttl   time.Duration
}

// New creates a Checkpointer. ttl of 0 keeps checkpoints forever.
func New(store statestore.Store, ttl time.Duration) *Checkpointer {
	return &Checkpointer{store: store, ttl: ttl}
}

func historyKey(ns, campaignID string) string {
	if ns == "" {
		ns = "default"
	}
	return fmt.Sprintf("checkpoint:%s:%s", ns, campaignID)
}

// Save appends a snapshot of the state plus the next-node cursor. The
// sequence number is derived from the current history length, so checkpoint
// N+1 always reflects node N's effects.
func (c *Checkpointer) Save(ctx context.Context, ns string, next string, state *types.CampaignState) (*types.Checkpoint, error) {
	key := historyKey(ns, state.CampaignID)

	n, err := c.store.LLen(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint seq: %w", err)
	}

	cp := &types.Checkpoint{
		CampaignID: state.CampaignID,
		Namespace:  ns,
		Seq:        n + 1,
		Next:       next,
		CreatedAt:  time.Now().UTC(),
		State:      state,
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := c.store.RPush(ctx, key, string(raw)); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	if c.ttl > 0 {
		c.store.Expire(ctx, key, c.ttl)
	}
	return cp, nil
}

// Latest returns the most recent checkpoint for the campaign, or
// ErrNoCheckpoint.
func (c *Checkpointer) Latest(ctx context.Context, ns, campaignID string) (*types.Checkpoint, error) {
	vals, err := c.store.LRange(ctx, historyKey(ns, campaignID), -1, -1)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNoCheckpoint
	}

	var cp types.Checkpoint
	if err := json.Unmarshal([]byte(vals[0]), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// History returns all checkpoints for the campaign in sequence order.
func (c *Checkpointer) History(ctx context.Context, ns, campaignID string) ([]*types.Checkpoint, error) {
	vals, err := c.store.LRange(ctx, historyKey(ns, campaignID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint history: %w", err)
	}

	out := make([]*types.Checkpoint, 0, len(vals))
	for _, v := range vals {
		var cp types.Checkpoint
		if err := json.Unmarshal([]byte(v), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, nil
}
