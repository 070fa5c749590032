// Package engine runs compiled scenario graphs to completion. One campaign
// executes on one goroutine; the state store is the only shared resource.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenteval/platform/services/orchestrator-go/internal/checkpoint"
	"github.com/agenteval/platform/services/orchestrator-go/internal/dispatch"
	"github.com/agenteval/platform/services/orchestrator-go/internal/graph"
	"github.com/agenteval/platform/services/orchestrator-go/internal/metrics"
	"github.com/agenteval/platform/services/orchestrator-go/internal/sink"
	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

// ModelResolver resolves a model id into worker-ready connection config,
// credential already decrypted.
type ModelResolver interface {
	ResolveModelConfig(ctx context.Context, modelID string) (map[string]interface{}, error)
}

// HandlerFunc executes one node against the current state and returns a
// partial update. Returning an error is advisory: the engine records it and
// continues to the node's transition.
type HandlerFunc func(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error)

// Program binds a compiled graph to the behavior that runs it. Handlers
// overrides node behavior by node id; nodes without an override run their
// category's builtin handler. The fixed battle and red-teaming graphs use
// overrides for their specialized accumulation semantics.
type Program struct {
	Graph     *graph.Compiled
	Namespace string // checkpoint namespace; "" for standard campaigns
	Kind      string // "campaign", "battle" or "red_teaming"
	Handlers  map[string]HandlerFunc
}

// Runtime is the engine's context object, constructed once at process start
// and shared by every campaign. It holds no per-campaign state.
type Runtime struct {
	Store       statestore.Store
	Checkpoints *checkpoint.Checkpointer
	Dispatcher  dispatch.Dispatcher
	Models      ModelResolver
	Sink        sink.StatusSink
	Eval        *Evaluator
	Logger      *slog.Logger

	SimulationTopic string
	EvaluationTopic string

	// NodeTimeout bounds a single rendezvous wait when the node declares
	// no timeout of its own.
	NodeTimeout time.Duration

	Tracer trace.Tracer
}

func (rt *Runtime) Log() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

func (rt *Runtime) tracer() trace.Tracer {
	if rt.Tracer != nil {
		return rt.Tracer
	}
	return otel.Tracer("orchestrator/engine")
}

func cancelKey(campaignID string) string {
	return fmt.Sprintf("campaign:%s:cancel", campaignID)
}

// RequestCancel flags a campaign for cooperative cancellation. The flag is
// honored at the next checkpoint boundary, so one in-flight external call may
// still complete.
func (rt *Runtime) RequestCancel(ctx context.Context, campaignID string) error {
	return rt.Store.Set(ctx, cancelKey(campaignID), "1", 24*time.Hour)
}

func (rt *Runtime) cancelRequested(ctx context.Context, campaignID string) bool {
	_, err := rt.Store.Get(ctx, cancelKey(campaignID))
	return err == nil
}

// Run executes the program from its entry node.
func (rt *Runtime) Run(ctx context.Context, prog *Program, state *types.CampaignState) (*types.CampaignState, error) {
	return rt.RunFrom(ctx, prog, prog.Graph.Entry, state)
}

// RunFrom executes the program starting at cursor, which is either the entry
// node or the Next pointer of a loaded checkpoint. The loop is strictly
// sequential per campaign: execute node, merge update, checkpoint, route.
func (rt *Runtime) RunFrom(ctx context.Context, prog *Program, cursor string, state *types.CampaignState) (*types.CampaignState, error) {
	log := rt.Log().With("campaign_id", state.CampaignID, "kind", prog.Kind)

	metrics.CampaignsActive.Inc()
	started := time.Now()
	defer func() {
		metrics.CampaignsActive.Dec()
		metrics.CampaignsTotal.WithLabelValues(prog.Kind, string(state.Status)).Inc()
		metrics.CampaignDuration.WithLabelValues(prog.Kind, string(state.Status)).Observe(time.Since(started).Seconds())
	}()

	for cursor != "" {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}

		if rt.cancelRequested(ctx, state.CampaignID) {
			log.Info("cancellation requested, suspending at checkpoint", "node_id", cursor)
			state.Status = types.CampaignStatusPaused
			if _, err := rt.Checkpoints.Save(ctx, prog.Namespace, cursor, state); err != nil {
				return state, fmt.Errorf("checkpoint on cancel: %w", err)
			}
			return state, nil
		}

		node := prog.Graph.Node(cursor)
		if node == nil {
			return state, fmt.Errorf("cursor points at unknown node %q", cursor)
		}

		update := rt.executeNode(ctx, prog, node, state)
		state.Apply(update)
		clampScore(state)

		next := route(prog.Graph, node, state)

		if _, err := rt.Checkpoints.Save(ctx, prog.Namespace, next, state); err != nil {
			// Without a checkpoint the run is not resumable; stop here.
			return state, fmt.Errorf("save checkpoint after %s: %w", cursor, err)
		}
		metrics.CheckpointsTotal.WithLabelValues(namespaceLabel(prog.Namespace)).Inc()

		cursor = next
	}

	log.Info("campaign finished",
		"status", state.Status,
		"score", state.CurrentScore,
		"messages", len(state.Messages))
	return state, nil
}

// executeNode runs the node's handler and converts a handler error into an
// advisory state update. Only infrastructure faults surface as errors from
// handlers; domain failures are expressed in the update itself.
func (rt *Runtime) executeNode(ctx context.Context, prog *Program, node *types.NodeDef, state *types.CampaignState) *types.StateUpdate {
	cat := node.Category()

	ctx, span := rt.tracer().Start(ctx, "engine.node",
		trace.WithAttributes(
			attribute.String("campaign.id", state.CampaignID),
			attribute.String("node.id", node.ID),
			attribute.String("node.category", string(cat)),
		))
	defer span.End()

	handler := prog.Handlers[node.ID]
	if handler == nil {
		handler = builtinHandler(cat)
	}
	if handler == nil {
		// Unreachable for compiled graphs: unknown categories are rejected
		// at compile time.
		msg := fmt.Sprintf("no handler for category %q", cat)
		return &types.StateUpdate{Error: &msg}
	}

	started := time.Now()
	update, err := handler(ctx, rt, node, state)
	metrics.NodeDuration.WithLabelValues(string(cat)).Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.NodesTotal.WithLabelValues(string(cat), "error").Inc()
		rt.Log().Warn("node handler failed",
			"campaign_id", state.CampaignID,
			"node_id", node.ID,
			"category", cat,
			"error", err)
		if update == nil {
			msg := err.Error()
			update = &types.StateUpdate{Error: &msg}
		}
		return update
	}

	metrics.NodesTotal.WithLabelValues(string(cat), "ok").Inc()
	return update
}

// route picks the next node. Condition nodes consult their branch table with
// the label chain result → "false" → "default"; an unmatched label resolves
// to the terminal sink rather than a crash, since live user graphs are not
// statically typed. All other nodes follow their single transition.
func route(g *graph.Compiled, node *types.NodeDef, state *types.CampaignState) string {
	if node.Category() != types.NodeCondition {
		return g.Transitions[node.ID]
	}

	branches := g.Branches[node.ID]
	for _, label := range []string{state.ConditionResult, "false", "default"} {
		if label == "" {
			continue
		}
		if target, ok := branches[label]; ok {
			return target
		}
	}
	return ""
}

// clampScore enforces the display-score bounds after every merge.
func clampScore(state *types.CampaignState) {
	if state.CurrentScore < 0 {
		state.CurrentScore = 0
	} else if state.CurrentScore > 10 {
		state.CurrentScore = 10
	}
}

func namespaceLabel(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}
