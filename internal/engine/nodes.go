package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenteval/platform/services/orchestrator-go/internal/sink"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

const toolCallTimeout = 30 * time.Second

func builtinHandler(cat types.NodeCategory) HandlerFunc {
	switch cat {
	case types.NodeStart:
		return runStart
	case types.NodePersona:
		return runPersona
	case types.NodeTask:
		return runTask
	case types.NodeCondition:
		return runCondition
	case types.NodeWait:
		return runWait
	case types.NodeExpectation:
		return runExpectation
	case types.NodeTool:
		return runTool
	case types.NodeCode:
		return runCode
	case types.NodeEnd:
		return runEnd
	}
	return nil
}

// runStart marks the campaign running and notifies the sink. Never fails.
func runStart(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	if err := rt.Sink.UpdateCampaign(ctx, state.CampaignID, &sink.CampaignUpdate{
		Status: string(types.CampaignStatusRunning),
	}); err != nil {
		rt.Log().Warn("status sink update failed", "campaign_id", state.CampaignID, "error", err)
	}
	return &types.StateUpdate{Status: types.CampaignStatusRunning}, nil
}

// runPersona merges the node's persona description into the workflow
// variables and stashes the full persona for later dispatches. Never fails.
func runPersona(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	persona := make(map[string]interface{})
	for _, key := range []string{"role", "prompt", "goal", "tone", "description"} {
		if v := node.DataString(key, ""); v != "" {
			persona[key] = v
		}
	}

	description := node.DataString("prompt", node.DataString("description", ""))
	return &types.StateUpdate{
		Metadata:  map[string]interface{}{"persona": persona},
		Variables: map[string]interface{}{"persona": description},
	}, nil
}

// runTask dispatches one instruction to the simulation worker and awaits the
// agent's turn(s). A timeout is recorded as "Task Timeout" and execution
// continues; task errors are advisory.
func runTask(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	instruction := Substitute(node.DataString("instruction", ""), state.Variables())

	msg := &types.DispatchMessage{
		CampaignID:  state.CampaignID,
		NodeID:      node.ID,
		AgentID:     state.MetadataString("agent_id"),
		Instruction: instruction,
		History:     state.Messages,
		Language:    state.MetadataString("language"),
	}
	if tc, ok := state.Metadata["target_config"].(map[string]interface{}); ok {
		msg.TargetConfig = tc
	}
	if p, ok := state.Metadata["persona"].(map[string]interface{}); ok {
		msg.Persona = p
	}
	attachModelConfig(ctx, rt, node, "modelId", msg)

	timeout := time.Duration(node.DataInt("timeout", 0)) * time.Second
	result, err := rt.Rendezvous(ctx, rt.SimulationTopic, msg, timeout)
	if err != nil {
		if errors.Is(err, ErrRendezvousTimeout) {
			diag := "Task Timeout"
			return &types.StateUpdate{Error: &diag}, nil
		}
		return nil, err
	}

	update := &types.StateUpdate{Messages: result.NewMessages}
	if out := outputVariable(node, ""); out != "" && len(result.NewMessages) > 0 {
		update.Variables = map[string]interface{}{
			out: result.NewMessages[len(result.NewMessages)-1].Content,
		}
	}
	return update, nil
}

// runCondition evaluates the node's logic against the last message and sets
// the routing label. Keyword logic is a case-insensitive contains check; a
// malformed expression yields the "error" label, which must be a defined
// routing outcome.
func runCondition(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	content := ""
	if m := state.LastMessage(); m != nil {
		content = m.Content
	}

	label := "false"
	switch node.DataString("logicType", "keyword") {
	case "keyword":
		keyword := node.DataString("conditionValue", "")
		if keyword != "" && strings.Contains(strings.ToLower(content), strings.ToLower(keyword)) {
			label = "true"
		}
	case "expression":
		expression := node.DataString("expression", node.DataString("conditionValue", ""))
		ok, err := rt.Eval.EvaluateBool(expression, exprEnv(state, content))
		switch {
		case err != nil:
			rt.Log().Warn("condition expression failed",
				"campaign_id", state.CampaignID, "node_id", node.ID, "error", err)
			label = "error"
		case ok:
			label = "true"
		}
	}

	return &types.StateUpdate{ConditionResult: &label}, nil
}

// runWait sleeps cooperatively for the configured duration. No state change.
func runWait(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	seconds := node.DataInt("duration", 1)
	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &types.StateUpdate{}, nil
}

// runExpectation dispatches the conversation to the evaluation worker and
// folds the verdict into the running score. A failed expectation marks the
// campaign failed but execution still reaches the end node for final
// bookkeeping; a timeout is terminal the same way.
func runExpectation(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	evalCfg := make(map[string]interface{}, len(node.Data))
	for k, v := range node.Data {
		if k == "category" {
			continue
		}
		evalCfg[k] = v
	}

	msg := &types.DispatchMessage{
		CampaignID: state.CampaignID,
		NodeID:     node.ID,
		History:    state.Messages,
		EvalConfig: evalCfg,
		Language:   state.MetadataString("language"),
	}
	attachModelConfig(ctx, rt, node, "judgeModelId", msg)

	timeout := time.Duration(node.DataInt("timeout", 0)) * time.Second
	result, err := rt.Rendezvous(ctx, rt.EvaluationTopic, msg, timeout)
	if err != nil {
		if errors.Is(err, ErrRendezvousTimeout) {
			diag := "Evaluation Timeout"
			return &types.StateUpdate{Status: types.CampaignStatusFailed, Error: &diag}, nil
		}
		return nil, err
	}

	delta := result.EvalScore()
	count := state.ExpectationsCount
	if count < 1 {
		count = 1
	}
	score := (state.RawScoreSum + delta) / float64(count) * 10
	if score < 0 {
		score = 0
	} else if score > 10 {
		score = 10
	}

	update := &types.StateUpdate{
		RawScoreDelta: delta,
		Metrics:       result.Metrics,
		CurrentScore:  &score,
	}
	if result.Passed != nil && !*result.Passed {
		update.Status = types.CampaignStatusFailed
	}
	return update, nil
}

// runTool performs one HTTP call against an external endpoint, with template
// substitution applied to the URL, headers and body. Network or parse errors
// are advisory.
func runTool(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	vars := state.Variables()

	method := strings.ToUpper(node.DataString("method", http.MethodGet))
	url := Substitute(node.DataString("url", ""), vars)
	if url == "" {
		diag := "tool node has no url"
		return &types.StateUpdate{Error: &diag}, nil
	}

	var body io.Reader
	if raw := Substitute(node.DataString("body", ""), vars); raw != "" {
		body = bytes.NewReader([]byte(raw))
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		diag := fmt.Sprintf("tool request: %v", err)
		return &types.StateUpdate{Error: &diag}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := node.Data["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, Substitute(s, vars))
			}
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		diag := fmt.Sprintf("tool call %s %s: %v", method, url, err)
		return &types.StateUpdate{Error: &diag}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		diag := fmt.Sprintf("tool response read: %v", err)
		return &types.StateUpdate{Error: &diag}, nil
	}

	// Parse JSON when possible, otherwise keep the raw text.
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	return &types.StateUpdate{
		Variables: map[string]interface{}{outputVariable(node, "tool_result"): parsed},
	}, nil
}

// runCode evaluates a restricted expression locally and binds its result into
// the workflow variables. Evaluation errors are advisory.
func runCode(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	expression := node.DataString("expression", node.DataString("code", ""))
	if expression == "" {
		return &types.StateUpdate{}, nil
	}

	value, err := rt.Eval.Evaluate(expression, exprEnv(state, ""))
	if err != nil {
		diag := fmt.Sprintf("code evaluation: %v", err)
		return &types.StateUpdate{Error: &diag}, nil
	}

	vars := make(map[string]interface{})
	if result, ok := value.(map[string]interface{}); ok {
		if declared, ok := node.Data["outputs"].([]interface{}); ok && len(declared) > 0 {
			// Bind only the declared output names.
			for _, name := range declared {
				if n, ok := name.(string); ok {
					if v, found := result[n]; found {
						vars[n] = v
					}
				}
			}
		} else {
			for k, v := range result {
				vars[k] = v
			}
		}
	} else {
		vars[outputVariable(node, "result")] = value
	}

	return &types.StateUpdate{Variables: vars}, nil
}

// runEnd computes the final clamped score, settles the terminal status and
// notifies the sink exactly once. Never fails.
func runEnd(ctx context.Context, rt *Runtime, node *types.NodeDef, state *types.CampaignState) (*types.StateUpdate, error) {
	count := state.ExpectationsCount
	if count < 1 {
		count = 1
	}
	score := state.RawScoreSum / float64(count) * 10
	if score < 0 {
		score = 0
	} else if score > 10 {
		score = 10
	}

	status := types.CampaignStatusCompleted
	if state.Status == types.CampaignStatusFailed {
		status = types.CampaignStatusFailed
	}

	if err := rt.Sink.UpdateCampaign(ctx, state.CampaignID, &sink.CampaignUpdate{
		Status:  string(status),
		Score:   &score,
		Metrics: state.Metrics,
		Error:   state.Error,
	}); err != nil {
		rt.Log().Warn("final sink update failed", "campaign_id", state.CampaignID, "error", err)
	}

	return &types.StateUpdate{Status: status, CurrentScore: &score}, nil
}

// attachModelConfig resolves a node-level dynamic model reference into the
// dispatch message. Resolution failures are logged and the worker falls back
// to its default model.
func attachModelConfig(ctx context.Context, rt *Runtime, node *types.NodeDef, key string, msg *types.DispatchMessage) {
	modelID := node.DataString(key, node.DataString(snakeCase(key), ""))
	if modelID == "" || rt.Models == nil {
		return
	}
	cfg, err := rt.Models.ResolveModelConfig(ctx, modelID)
	if err != nil {
		rt.Log().Warn("model resolution failed, worker default applies",
			"node_id", node.ID, "model_id", modelID, "error", err)
		return
	}
	msg.ModelConfig = cfg
}

// outputVariable returns the node's declared output variable name, accepting
// both camelCase and snake_case spellings.
func outputVariable(node *types.NodeDef, fallback string) string {
	return node.DataString("outputVariable", node.DataString("output_variable", fallback))
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
