package engine

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/agenteval/platform/services/orchestrator-go/internal/checkpoint"
	"github.com/agenteval/platform/services/orchestrator-go/internal/graph"
	"github.com/agenteval/platform/services/orchestrator-go/internal/sink"
	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

// scriptedDispatcher answers each publish by writing the scripted rendezvous
// result for the node, imitating a worker. Nodes without a script never
// reply, which exercises the timeout path.
type scriptedDispatcher struct {
	store   statestore.Store
	replies map[string]types.RendezvousResult

	published []types.DispatchMessage
}

func (d *scriptedDispatcher) Publish(ctx context.Context, topic string, payload interface{}) error {
	msg := payload.(*types.DispatchMessage)
	d.published = append(d.published, *msg)

	if reply, ok := d.replies[msg.NodeID]; ok {
		raw, _ := json.Marshal(reply)
		return d.store.RPush(ctx, types.RendezvousKey(msg.CampaignID, msg.NodeID), string(raw))
	}
	return nil
}

func (d *scriptedDispatcher) Ping(ctx context.Context) error { return nil }
func (d *scriptedDispatcher) Close() error                   { return nil }

func testRuntime(store statestore.Store, d *scriptedDispatcher) *Runtime {
	return &Runtime{
		Store:           store,
		Checkpoints:     checkpoint.New(store, 0),
		Dispatcher:      d,
		Sink:            sink.NopSink{},
		Eval:            NewEvaluator(),
		SimulationTopic: "simulation.requests",
		EvaluationTopic: "evaluation.requests",
		NodeTimeout:     100 * time.Millisecond,
	}
}

func mustCompile(t *testing.T, def *types.GraphDef) *graph.Compiled {
	t.Helper()
	g, err := graph.Compile(def)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return g
}

func fptr(f float64) *float64 { return &f }

func TestRun_KeywordConditionRouting(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "ask", Type: "task", Data: map[string]interface{}{"instruction": "suggest a destination"}},
			{ID: "check", Type: "condition", Data: map[string]interface{}{
				"logicType": "keyword", "conditionValue": "lake",
			}},
			{ID: "mark", Type: "code", Data: map[string]interface{}{
				"expression": `{"branch": "matched"}`,
			}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "check"},
			{Source: "check", Target: "mark", Handle: "true"},
			{Source: "check", Target: "done", Handle: "false"},
			{Source: "mark", Target: "done"},
		},
	}

	run := func(t *testing.T, content string) *types.CampaignState {
		t.Helper()
		store := statestore.NewMemoryStore()
		defer store.Close()
		d := &scriptedDispatcher{store: store, replies: map[string]types.RendezvousResult{
			"ask": {Status: "ok", NewMessages: []types.Message{{Role: "assistant", Content: content}}},
		}}
		rt := testRuntime(store, d)

		state := types.NewCampaignState("camp-kw", "scen", 1, nil)
		final, err := rt.Run(context.Background(), &Program{Graph: mustCompile(t, def), Kind: "campaign"}, state)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return final
	}

	t.Run("matching content takes the true branch", func(t *testing.T) {
		final := run(t, "Let's visit the lake")
		if final.ConditionResult != "true" {
			t.Errorf("expected condition result true, got %q", final.ConditionResult)
		}
		if final.Variables()["branch"] != "matched" {
			t.Error("true branch node did not execute")
		}
		if final.Status != types.CampaignStatusCompleted {
			t.Errorf("expected completed, got %s", final.Status)
		}
	})

	t.Run("non-matching content takes the false branch", func(t *testing.T) {
		final := run(t, "no match")
		if final.ConditionResult != "false" {
			t.Errorf("expected condition result false, got %q", final.ConditionResult)
		}
		if _, ok := final.Variables()["branch"]; ok {
			t.Error("true branch node must not execute")
		}
	})
}

func TestRun_MalformedExpressionTakesErrorBranch(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "check", Type: "condition", Data: map[string]interface{}{
				"logicType": "expression", "expression": "((",
			}},
			{ID: "flag", Type: "code", Data: map[string]interface{}{
				"expression": `{"routed": "error_branch"}`,
			}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "flag", Handle: "error"},
			{Source: "check", Target: "done", Handle: "false"},
			{Source: "flag", Target: "done"},
		},
	}

	store := statestore.NewMemoryStore()
	defer store.Close()
	rt := testRuntime(store, &scriptedDispatcher{store: store})

	state := types.NewCampaignState("camp-expr", "scen", 1, nil)
	final, err := rt.Run(context.Background(), &Program{Graph: mustCompile(t, def), Kind: "campaign"}, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.ConditionResult != "error" {
		t.Errorf("expected condition result error, got %q", final.ConditionResult)
	}
	if final.Variables()["routed"] != "error_branch" {
		t.Error("error branch node did not execute")
	}
}

func TestRun_ScoreAggregation(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "exp1", Type: "expectation", Data: map[string]interface{}{"criteria": "is polite"}},
			{ID: "exp2", Type: "expectation", Data: map[string]interface{}{"criteria": "is helpful"}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "exp1"},
			{Source: "exp1", Target: "exp2"},
			{Source: "exp2", Target: "done"},
		},
	}

	store := statestore.NewMemoryStore()
	defer store.Close()
	d := &scriptedDispatcher{store: store, replies: map[string]types.RendezvousResult{
		"exp1": {Status: "ok", TotalScore: fptr(0.4), Metrics: map[string]float64{"politeness": 0.4}},
		"exp2": {Status: "ok", TotalScore: fptr(0.8), Metrics: map[string]float64{"helpfulness": 0.8}},
	}}
	rt := testRuntime(store, d)

	g := mustCompile(t, def)
	if g.ExpectationCount != 2 {
		t.Fatalf("expected 2 expectation nodes, got %d", g.ExpectationCount)
	}

	state := types.NewCampaignState("camp-score", "scen", g.ExpectationCount, nil)
	final, err := rt.Run(context.Background(), &Program{Graph: g, Kind: "campaign"}, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if math.Abs(final.RawScoreSum-1.2) > 1e-9 {
		t.Errorf("expected raw score sum 1.2, got %v", final.RawScoreSum)
	}
	if math.Abs(final.CurrentScore-6.0) > 1e-9 {
		t.Errorf("expected final score 6.0, got %v", final.CurrentScore)
	}
	if final.Metrics["politeness"] != 0.4 || final.Metrics["helpfulness"] != 0.8 {
		t.Errorf("unexpected metrics: %v", final.Metrics)
	}
	if final.Status != types.CampaignStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}

func TestRun_TaskTimeoutContinues(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "silent", Type: "task", Data: map[string]interface{}{"instruction": "hello?"}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "silent"},
			{Source: "silent", Target: "done"},
		},
	}

	store := statestore.NewMemoryStore()
	defer store.Close()
	// No scripted reply: the task node waits out its timeout.
	rt := testRuntime(store, &scriptedDispatcher{store: store})

	state := types.NewCampaignState("camp-timeout", "scen", 1, nil)
	final, err := rt.Run(context.Background(), &Program{Graph: mustCompile(t, def), Kind: "campaign"}, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Error != "Task Timeout" {
		t.Errorf("expected error %q, got %q", "Task Timeout", final.Error)
	}
	if final.Status != types.CampaignStatusCompleted {
		t.Errorf("timeout must not halt the run, got status %s", final.Status)
	}
}

func TestRun_ExpectationTimeoutIsTerminal(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "judge", Type: "expectation", Data: map[string]interface{}{"criteria": "x"}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "judge"},
			{Source: "judge", Target: "done"},
		},
	}

	store := statestore.NewMemoryStore()
	defer store.Close()
	rt := testRuntime(store, &scriptedDispatcher{store: store})

	state := types.NewCampaignState("camp-eval-to", "scen", 1, nil)
	final, err := rt.Run(context.Background(), &Program{Graph: mustCompile(t, def), Kind: "campaign"}, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Error != "Evaluation Timeout" {
		t.Errorf("expected error %q, got %q", "Evaluation Timeout", final.Error)
	}
	if final.Status != types.CampaignStatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
}

func TestRun_ScoreClampedAtEveryCheckpoint(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "exp", Type: "expectation", Data: map[string]interface{}{"criteria": "x"}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "exp"},
			{Source: "exp", Target: "done"},
		},
	}

	store := statestore.NewMemoryStore()
	defer store.Close()
	d := &scriptedDispatcher{store: store, replies: map[string]types.RendezvousResult{
		// Misbehaving worker reporting far above the expected [0,1] range.
		"exp": {Status: "ok", TotalScore: fptr(5.0)},
	}}
	rt := testRuntime(store, d)

	state := types.NewCampaignState("camp-clamp", "scen", 1, nil)
	if _, err := rt.Run(context.Background(), &Program{Graph: mustCompile(t, def), Kind: "campaign"}, state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	history, err := rt.Checkpoints.History(context.Background(), "", "camp-clamp")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected checkpoints")
	}
	for _, cp := range history {
		if cp.State.CurrentScore < 0 || cp.State.CurrentScore > 10 {
			t.Errorf("checkpoint %d score %v out of [0,10]", cp.Seq, cp.State.CurrentScore)
		}
	}
}

func TestRunFrom_ResumeReproducesRun(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "ask", Type: "task", Data: map[string]interface{}{"instruction": "hi"}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "done"},
		},
	}
	replies := map[string]types.RendezvousResult{
		"ask": {Status: "ok", NewMessages: []types.Message{{Role: "assistant", Content: "hello"}}},
	}

	store := statestore.NewMemoryStore()
	defer store.Close()
	d := &scriptedDispatcher{store: store, replies: replies}
	rt := testRuntime(store, d)
	ctx := context.Background()
	g := mustCompile(t, def)

	state := types.NewCampaignState("camp-resume", "scen", 1, nil)
	original, err := rt.Run(ctx, &Program{Graph: g, Kind: "campaign"}, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Pick the checkpoint taken right after the start node and replay from
	// its cursor, as the resume path would after a crash.
	history, err := rt.Checkpoints.History(ctx, "", "camp-resume")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	afterStart := history[0]
	if afterStart.Next != "ask" {
		t.Fatalf("expected first checkpoint cursor ask, got %q", afterStart.Next)
	}

	store2 := statestore.NewMemoryStore()
	defer store2.Close()
	rt2 := testRuntime(store2, &scriptedDispatcher{store: store2, replies: replies})

	resumed, err := rt2.RunFrom(ctx, &Program{Graph: g, Kind: "campaign"}, afterStart.Next, afterStart.State)
	if err != nil {
		t.Fatalf("RunFrom failed: %v", err)
	}

	if resumed.Status != original.Status {
		t.Errorf("status diverged: %s vs %s", resumed.Status, original.Status)
	}
	if len(resumed.Messages) != len(original.Messages) {
		t.Fatalf("message count diverged: %d vs %d", len(resumed.Messages), len(original.Messages))
	}
	for i := range original.Messages {
		if resumed.Messages[i] != original.Messages[i] {
			t.Errorf("message %d diverged", i)
		}
	}
}

func TestRun_CancellationSuspendsAtCheckpoint(t *testing.T) {
	store := statestore.NewMemoryStore()
	defer store.Close()
	rt := testRuntime(store, &scriptedDispatcher{store: store})
	ctx := context.Background()

	state := types.NewCampaignState("camp-cancel", "scen", 1, nil)
	if err := rt.RequestCancel(ctx, "camp-cancel"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	g := mustCompile(t, nil)
	final, err := rt.Run(ctx, &Program{Graph: g, Kind: "campaign"}, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.Status != types.CampaignStatusPaused {
		t.Errorf("expected paused, got %s", final.Status)
	}

	cp, err := rt.Checkpoints.Latest(ctx, "", "camp-cancel")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if cp.Next != g.Entry {
		t.Errorf("expected checkpoint cursor at entry %q, got %q", g.Entry, cp.Next)
	}
}

func TestRun_TaskBindsOutputVariable(t *testing.T) {
	def := &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "ask", Type: "task", Data: map[string]interface{}{
				"instruction":    "name a city",
				"outputVariable": "city",
			}},
			{ID: "follow", Type: "task", Data: map[string]interface{}{
				"instruction": "tell me about {{city}}",
			}},
			{ID: "done", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "follow"},
			{Source: "follow", Target: "done"},
		},
	}

	store := statestore.NewMemoryStore()
	defer store.Close()
	d := &scriptedDispatcher{store: store, replies: map[string]types.RendezvousResult{
		"ask":    {Status: "ok", NewMessages: []types.Message{{Role: "assistant", Content: "Lisbon"}}},
		"follow": {Status: "ok", NewMessages: []types.Message{{Role: "assistant", Content: "It is sunny."}}},
	}}
	rt := testRuntime(store, d)

	state := types.NewCampaignState("camp-bind", "scen", 1, nil)
	if _, err := rt.Run(context.Background(), &Program{Graph: mustCompile(t, def), Kind: "campaign"}, state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var followMsg *types.DispatchMessage
	for i := range d.published {
		if d.published[i].NodeID == "follow" {
			followMsg = &d.published[i]
		}
	}
	if followMsg == nil {
		t.Fatal("follow task was never dispatched")
	}
	if followMsg.Instruction != "tell me about Lisbon" {
		t.Errorf("template substitution failed: %q", followMsg.Instruction)
	}
}
