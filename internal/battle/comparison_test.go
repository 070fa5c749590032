package battle

import (
	"context"
	"testing"

	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

func TestComparisonRun(t *testing.T) {
	store := statestore.NewMemoryStore()
	defer store.Close()
	d := &scriptedDispatcher{store: store, replies: map[string]types.RendezvousResult{
		"fork_a": {Status: "ok", NewMessages: []types.Message{{Role: "assistant", Content: "Answer from A"}}},
		"fork_b": {Status: "ok", NewMessages: []types.Message{{Role: "assistant", Content: "Answer from B"}}},
		"judge":  {Status: "ok", Winner: "agent_a", Reason: "more helpful"},
	}}
	captured := &capturingSink{}
	rt := testRuntime(store, d, captured)

	prog, state, err := NewComparisonProgram(&BattleConfig{
		BattleID:   "battle-1",
		AgentAID:   "agent-a",
		AgentBID:   "agent-b",
		UserInputs: []string{"What is the capital of France?", "Summarize this contract."},
		Intensity:  20, // two turns
	})
	if err != nil {
		t.Fatalf("NewComparisonProgram failed: %v", err)
	}

	final, err := rt.Run(context.Background(), prog, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Counter("turns") != 2 {
		t.Errorf("expected 2 turns, got %d", final.Counter("turns"))
	}
	if final.Counter("agent_a_wins") != 2 {
		t.Errorf("expected agent_a to win both turns, got %d", final.Counter("agent_a_wins"))
	}
	if final.Status != types.CampaignStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}

	if len(captured.turns) != 2 {
		t.Fatalf("expected 2 recorded turns, got %d", len(captured.turns))
	}
	if captured.turns[0].Winner != "agent_a" || captured.turns[0].Reason != "more helpful" {
		t.Errorf("unexpected first turn record: %+v", captured.turns[0])
	}

	if captured.battle == nil {
		t.Fatal("battle sink never updated")
	}
	if captured.battle.Winner != "agent_a" {
		t.Errorf("expected winner agent_a, got %q", captured.battle.Winner)
	}
}

func TestComparisonRun_ForkTimeoutFailsTurn(t *testing.T) {
	store := statestore.NewMemoryStore()
	defer store.Close()
	// Agent A never responds; agent B does. The join is all-or-nothing.
	d := &scriptedDispatcher{store: store, replies: map[string]types.RendezvousResult{
		"fork_b": {Status: "ok", NewMessages: []types.Message{{Role: "assistant", Content: "B's answer"}}},
	}}
	captured := &capturingSink{}
	rt := testRuntime(store, d, captured)

	prog, state, err := NewComparisonProgram(&BattleConfig{
		BattleID:   "battle-2",
		AgentAID:   "agent-a",
		AgentBID:   "agent-b",
		UserInputs: []string{"Hello?"},
		Intensity:  10,
	})
	if err != nil {
		t.Fatalf("NewComparisonProgram failed: %v", err)
	}

	final, err := rt.Run(context.Background(), prog, state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Counter("failed_turns") != 1 {
		t.Errorf("expected 1 failed turn, got %d", final.Counter("failed_turns"))
	}
	if final.Counter("agent_a_wins")+final.Counter("agent_b_wins")+final.Counter("ties") != 0 {
		t.Error("failed turn must not be judged")
	}

	if len(captured.turns) != 1 {
		t.Fatalf("expected 1 recorded turn, got %d", len(captured.turns))
	}
	turn := captured.turns[0]
	if !turn.Failed {
		t.Error("turn must be marked failed")
	}
	if turn.ResponseA != "Timeout" {
		t.Errorf("expected A response Timeout, got %q", turn.ResponseA)
	}
	if turn.ResponseB != "B's answer" {
		t.Errorf("expected B's actual response recorded, got %q", turn.ResponseB)
	}
}

func TestMaxTurns(t *testing.T) {
	for _, tt := range []struct{ intensity, want int }{
		{0, 1}, {10, 1}, {30, 3},
	} {
		if got := MaxTurns(tt.intensity); got != tt.want {
			t.Errorf("MaxTurns(%d) = %d, want %d", tt.intensity, got, tt.want)
		}
	}
}
