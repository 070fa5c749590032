package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

// Evaluator provides restricted expression evaluation for condition and code
// nodes. Programs are compiled once per expression text and cached; they are
// compiled without a typed environment so a cached program serves every
// campaign.
type Evaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 4096)
	MaxExpressionLength int
}

// NewEvaluator creates an expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Evaluate runs an expression against an environment.
func (e *Evaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("compile expression %q: %w", expression, err)
		}

		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
func (e *Evaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
}

// exprEnv builds the evaluation environment for a campaign: the last message
// content, the user variable map (also flattened to the top level for
// convenience), and selected metadata.
func exprEnv(state *types.CampaignState, content string) map[string]interface{} {
	vars := state.Variables()

	env := make(map[string]interface{}, len(vars)+4)
	for k, v := range vars {
		env[k] = v
	}
	env["content"] = content
	env["variables"] = vars
	env["metrics"] = state.Metrics
	env["metadata"] = state.Metadata
	return env
}
