package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agenteval/platform/services/orchestrator-go/internal/engine"
	"github.com/agenteval/platform/services/orchestrator-go/internal/graph"
	"github.com/agenteval/platform/services/orchestrator-go/internal/sink"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

// BattleNamespace is the checkpoint namespace for comparison battles.
const BattleNamespace = "battle"

// BattleConfig configures one two-agent comparison battle.
type BattleConfig struct {
	BattleID string

	AgentAID string
	AgentBID string

	// TargetA/TargetB are the worker-ready connection configs for the two
	// contestants.
	TargetA map[string]interface{}
	TargetB map[string]interface{}

	// UserInputs are the prompts sent to both agents, one per turn. The
	// battle ends when the turn budget or the input list is exhausted.
	UserInputs []string

	Intensity int
	Language  string
}

// MaxTurns derives the turn budget from the user-set intensity.
func MaxTurns(intensity int) int {
	n := intensity / 10
	if n < 1 {
		n = 1
	}
	return n
}

// comparisonGraphDef is the fixed battle loop: pick input → fork to both
// agents → judge → loop or end.
func comparisonGraphDef() *types.GraphDef {
	return &types.GraphDef{
		Nodes: []types.NodeDef{
			{ID: "start", Type: "start"},
			{ID: "input", Type: "code"},
			{ID: "fork", Type: "task"},
			{ID: "judge", Type: "expectation"},
			{ID: "progress", Type: "condition"},
			{ID: "end", Type: "end"},
		},
		Edges: []types.EdgeDef{
			{Source: "start", Target: "input"},
			{Source: "input", Target: "fork"},
			{Source: "fork", Target: "judge"},
			{Source: "judge", Target: "progress"},
			{Source: "progress", Target: "input", Handle: "true"},
			{Source: "progress", Target: "end", Handle: "false"},
		},
	}
}

// NewComparisonProgram compiles the battle program and its initial state.
func NewComparisonProgram(cfg *BattleConfig) (*engine.Program, *types.CampaignState, error) {
	if cfg.BattleID == "" {
		return nil, nil, errors.New("battle config requires a battle id")
	}
	if len(cfg.UserInputs) == 0 {
		return nil, nil, errors.New("battle config requires at least one user input")
	}

	g, err := graph.Compile(comparisonGraphDef())
	if err != nil {
		return nil, nil, fmt.Errorf("compile battle graph: %w", err)
	}

	turns := MaxTurns(cfg.Intensity)
	if turns > len(cfg.UserInputs) {
		turns = len(cfg.UserInputs)
	}

	state := types.NewCampaignState(cfg.BattleID, "", 1, map[string]interface{}{
		"language": cfg.Language,
	})

	prog := &engine.Program{
		Graph:     g,
		Namespace: BattleNamespace,
		Kind:      "battle",
		Handlers: map[string]engine.HandlerFunc{
			"input":    pickInput(cfg.UserInputs),
			"fork":     forkToAgents(cfg),
			"judge":    judgeTurn(cfg),
			"progress": loopWhileBudget("turns", turns),
			"end":      finishBattle(),
		},
	}
	return prog, state, nil
}

// pickInput selects the current turn's user prompt.
func pickInput(inputs []string) engine.HandlerFunc {
	return func(ctx context.Context, rt *engine.Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
		turn := state.Counter("turns")
		if turn >= len(inputs) {
			diag := "no user input for turn"
			return &types.StateUpdate{Error: &diag}, nil
		}
		return &types.StateUpdate{
			Variables: map[string]interface{}{"user_input": inputs[turn]},
			Messages:  []types.Message{{Role: "user", Content: inputs[turn]}},
		}, nil
	}
}

type forkReply struct {
	response string
	timedOut bool
	err      error
}

// forkToAgents sends the turn's input to both agents concurrently and joins
// both rendezvous results. All-or-nothing: if either side times out the turn
// is marked failed, with both responses recorded.
func forkToAgents(cfg *BattleConfig) engine.HandlerFunc {
	return func(ctx context.Context, rt *engine.Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
		input, _ := state.Variables()["user_input"].(string)

		dispatchOne := func(side, agentID string, target map[string]interface{}, out *forkReply) {
			msg := &types.DispatchMessage{
				CampaignID:   state.CampaignID,
				NodeID:       fmt.Sprintf("%s_%s", node.ID, side),
				AgentID:      agentID,
				Instruction:  input,
				History:      state.Messages,
				TargetConfig: target,
				Language:     state.MetadataString("language"),
			}
			result, err := rt.Rendezvous(ctx, rt.SimulationTopic, msg, 0)
			switch {
			case errors.Is(err, engine.ErrRendezvousTimeout):
				out.timedOut = true
				out.response = "Timeout"
			case err != nil:
				out.err = err
				out.response = "Timeout"
			case len(result.NewMessages) > 0:
				out.response = result.NewMessages[len(result.NewMessages)-1].Content
			}
		}

		var a, b forkReply
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			dispatchOne("a", cfg.AgentAID, cfg.TargetA, &a)
		}()
		go func() {
			defer wg.Done()
			dispatchOne("b", cfg.AgentBID, cfg.TargetB, &b)
		}()
		wg.Wait()

		update := &types.StateUpdate{
			Variables: map[string]interface{}{
				"response_a": a.response,
				"response_b": b.response,
			},
		}
		if a.timedOut || b.timedOut || a.err != nil || b.err != nil {
			diag := "Task Timeout"
			update.Error = &diag
			update.Counters = map[string]int{"failed_turns": 1}
			t := "true"
			update.Variables["turn_failed"] = t
		} else {
			update.Variables["turn_failed"] = ""
		}
		return update, nil
	}
}

// judgeTurn asks the evaluation worker to compare both responses and
// accumulates the win/loss/tie counters. Failed turns are recorded but not
// judged.
func judgeTurn(cfg *BattleConfig) engine.HandlerFunc {
	return func(ctx context.Context, rt *engine.Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
		vars := state.Variables()
		input, _ := vars["user_input"].(string)
		responseA, _ := vars["response_a"].(string)
		responseB, _ := vars["response_b"].(string)
		failed, _ := vars["turn_failed"].(string)

		turn := state.Counter("turns") + 1
		record := &sink.BattleTurn{
			Turn:      turn,
			UserInput: input,
			ResponseA: responseA,
			ResponseB: responseB,
			Failed:    failed != "",
		}

		update := &types.StateUpdate{Counters: map[string]int{"turns": 1}}

		if failed == "" {
			msg := &types.DispatchMessage{
				CampaignID: state.CampaignID,
				NodeID:     node.ID,
				UserInput:  input,
				ResponseA:  responseA,
				ResponseB:  responseB,
				EvalConfig: map[string]interface{}{"mode": "comparison"},
			}
			result, err := rt.Rendezvous(ctx, rt.EvaluationTopic, msg, 0)
			switch {
			case errors.Is(err, engine.ErrRendezvousTimeout):
				diag := "Evaluation Timeout"
				update.Error = &diag
				record.Failed = true
			case err != nil:
				return nil, err
			default:
				record.Winner = result.Winner
				record.Reason = result.Reason
				switch result.Winner {
				case "a", "agent_a":
					update.Counters["agent_a_wins"] = 1
				case "b", "agent_b":
					update.Counters["agent_b_wins"] = 1
				default:
					update.Counters["ties"] = 1
				}
			}
		}

		if err := rt.Sink.AddBattleTurn(ctx, state.CampaignID, record); err != nil {
			rt.Log().Warn("battle turn sink update failed", "battle_id", state.CampaignID, "error", err)
		}
		return update, nil
	}
}

// finishBattle settles the winner from the accumulated counters.
func finishBattle() engine.HandlerFunc {
	return func(ctx context.Context, rt *engine.Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
		aWins := state.Counter("agent_a_wins")
		bWins := state.Counter("agent_b_wins")

		winner := "tie"
		if aWins > bWins {
			winner = "agent_a"
		} else if bWins > aWins {
			winner = "agent_b"
		}

		update := &sink.BattleUpdate{
			Status: string(types.CampaignStatusCompleted),
			Winner: winner,
			Scores: map[string]int{
				"agent_a_wins": aWins,
				"agent_b_wins": bWins,
				"ties":         state.Counter("ties"),
				"failed_turns": state.Counter("failed_turns"),
			},
		}
		if err := rt.Sink.UpdateBattle(ctx, state.CampaignID, update); err != nil {
			rt.Log().Warn("battle sink update failed", "battle_id", state.CampaignID, "error", err)
		}

		return &types.StateUpdate{Status: types.CampaignStatusCompleted}, nil
	}
}
