package types

import "fmt"

// MetricConfig names a safety metric and its pass threshold for the
// evaluation worker.
type MetricConfig struct {
	ID        string  `json:"id"`
	Threshold float64 `json:"threshold"`
}

// DispatchMessage is the engine-to-worker job request published to the
// simulation or evaluation topic. Only the fields relevant to the node type
// are populated; the dispatcher awaits no acknowledgment.
type DispatchMessage struct {
	CampaignID string `json:"campaign_id"`
	NodeID     string `json:"node_id"`

	// Simulation fields.
	AgentID      string                 `json:"agent_id,omitempty"`
	Persona      map[string]interface{} `json:"persona,omitempty"`
	Instruction  string                 `json:"instruction,omitempty"`
	History      []Message              `json:"history,omitempty"`
	TargetConfig map[string]interface{} `json:"target_config,omitempty"`
	ModelConfig  map[string]interface{} `json:"model_config,omitempty"`
	Language     string                 `json:"language,omitempty"`
	IsRedTeaming bool                   `json:"is_red_teaming,omitempty"`

	// Evaluation fields.
	EvalConfig    map[string]interface{} `json:"eval_config,omitempty"`
	MetricsConfig []MetricConfig         `json:"metrics_config,omitempty"`

	// Battle judge fields.
	UserInput string `json:"user_input,omitempty"`
	ResponseA string `json:"response_a,omitempty"`
	ResponseB string `json:"response_b,omitempty"`
}

// RendezvousResult is the worker-to-engine reply, written once under
// campaign:{campaign_id}:node:{node_id}:result and consumed destructively by
// the waiting node handler.
type RendezvousResult struct {
	Status      string             `json:"status"`
	NewMessages []Message          `json:"new_messages,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`

	// Evaluation fields. TotalScore is the canonical key; Score is accepted
	// from older workers.
	TotalScore *float64 `json:"total_score,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Passed     *bool    `json:"passed,omitempty"`

	// Battle judge fields.
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// EvalScore returns the evaluation score, preferring total_score.
func (r *RendezvousResult) EvalScore() float64 {
	if r.TotalScore != nil {
		return *r.TotalScore
	}
	if r.Score != nil {
		return *r.Score
	}
	return 0
}

// RendezvousKey is the state-store key a worker writes its result to.
func RendezvousKey(campaignID, nodeID string) string {
	return fmt.Sprintf("campaign:%s:node:%s:result", campaignID, nodeID)
}
