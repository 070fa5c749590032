// Package types provides shared types for the campaign orchestrator service.
package types

import (
	"time"
)

// CampaignStatus represents the current state of a campaign run.
type CampaignStatus string

const (
	CampaignStatusQueued    CampaignStatus = "queued"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusRetrying  CampaignStatus = "retrying"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Message is a single conversation turn between the user simulator and the
// target agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProbeLog records one red-teaming probe and its outcome.
type ProbeLog struct {
	ID        string `json:"id"`
	Probe     string `json:"probe"`
	Response  string `json:"response"`
	Analysis  string `json:"analysis"`
	Result    string `json:"result"` // "SUCCESS" or "BLOCKED"
	Severity  string `json:"severity"`
	Timestamp string `json:"timestamp"`
}

// CampaignState is the mutable record threaded through every node invocation.
// Updates are applied via StateUpdate with per-field merge semantics; the
// state itself is only ever mutated by the engine between node invocations.
type CampaignState struct {
	CampaignID string         `json:"campaign_id"`
	ScenarioID string         `json:"scenario_id,omitempty"`
	Status     CampaignStatus `json:"status"`

	// Conversation history. Append-only: never truncated or reordered.
	Messages []Message `json:"messages"`

	// Evaluation results.
	RawScoreSum       float64            `json:"raw_score_sum"`
	CurrentScore      float64            `json:"current_score"`
	ExpectationsCount int                `json:"expectations_count"`
	Metrics           map[string]float64 `json:"metrics"`

	// Workflow variables, routing hints (agent_id, model_id, target_config)
	// and language live under Metadata; user variables under
	// Metadata["variables"].
	Metadata map[string]interface{} `json:"metadata"`

	// Accumulating counters for the battle and red-teaming variants
	// (total_probes, successful_attacks, agent_a_wins, ...).
	Counters map[string]int `json:"counters,omitempty"`
	Logs     []ProbeLog     `json:"logs,omitempty"`

	// Internal routing state.
	RetryCount      int    `json:"retry_count"`
	ConditionResult string `json:"_condition_result,omitempty"`

	// Last error. Advisory: presence does not by itself halt execution.
	Error string `json:"error,omitempty"`
}

// NewCampaignState returns a state initialized for a fresh run.
func NewCampaignState(campaignID, scenarioID string, expectations int, metadata map[string]interface{}) *CampaignState {
	if expectations < 1 {
		expectations = 1
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &CampaignState{
		CampaignID:        campaignID,
		ScenarioID:        scenarioID,
		Status:            CampaignStatusRunning,
		Messages:          []Message{},
		Metrics:           make(map[string]float64),
		Metadata:          metadata,
		Counters:          make(map[string]int),
		ExpectationsCount: expectations,
		ConditionResult:   "false",
	}
}

// Variables returns the user variable map stored under metadata, creating it
// if absent.
func (s *CampaignState) Variables() map[string]interface{} {
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	if v, ok := s.Metadata["variables"].(map[string]interface{}); ok {
		return v
	}
	v := make(map[string]interface{})
	s.Metadata["variables"] = v
	return v
}

// MetadataString returns a string-typed metadata field or "".
func (s *CampaignState) MetadataString(key string) string {
	if s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// LastMessage returns the most recent conversation turn, or nil.
func (s *CampaignState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// LastByRole returns the most recent message with the given role, or nil.
func (s *CampaignState) LastByRole(role string) *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == role {
			return &s.Messages[i]
		}
	}
	return nil
}

// Counter returns the named accumulator value.
func (s *CampaignState) Counter(name string) int {
	if s.Counters == nil {
		return 0
	}
	return s.Counters[name]
}

// StateUpdate is a partial state produced by one node invocation. Each field
// carries its own merge policy, applied by Apply:
//
//	Messages, Logs    append
//	Metrics           key-wise overwrite (right biased)
//	RawScoreDelta     add
//	Counters          add per key
//	Variables         merged into metadata["variables"]
//	Metadata          merged top-level keys
//	everything else   replace when set
type StateUpdate struct {
	Messages        []Message
	Logs            []ProbeLog
	Metrics         map[string]float64
	RawScoreDelta   float64
	Counters        map[string]int
	Variables       map[string]interface{}
	Metadata        map[string]interface{}
	CurrentScore    *float64
	Status          CampaignStatus
	Error           *string
	ConditionResult *string
	RetryCount      *int
}

// Apply merges the update into the state following the declared per-field
// policies. Messages are never truncated or reordered.
func (s *CampaignState) Apply(u *StateUpdate) {
	if u == nil {
		return
	}
	s.Messages = append(s.Messages, u.Messages...)
	s.Logs = append(s.Logs, u.Logs...)
	if len(u.Metrics) > 0 {
		if s.Metrics == nil {
			s.Metrics = make(map[string]float64)
		}
		for k, v := range u.Metrics {
			s.Metrics[k] = v
		}
	}
	s.RawScoreSum += u.RawScoreDelta
	if len(u.Counters) > 0 {
		if s.Counters == nil {
			s.Counters = make(map[string]int)
		}
		for k, v := range u.Counters {
			s.Counters[k] += v
		}
	}
	if len(u.Variables) > 0 {
		vars := s.Variables()
		for k, v := range u.Variables {
			vars[k] = v
		}
	}
	if len(u.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]interface{})
		}
		for k, v := range u.Metadata {
			s.Metadata[k] = v
		}
	}
	if u.CurrentScore != nil {
		s.CurrentScore = *u.CurrentScore
	}
	if u.Status != "" {
		s.Status = u.Status
	}
	if u.Error != nil {
		s.Error = *u.Error
	}
	if u.ConditionResult != nil {
		s.ConditionResult = *u.ConditionResult
	}
	if u.RetryCount != nil {
		s.RetryCount = *u.RetryCount
	}
}

// CampaignMeta is the lightweight record written when a campaign is queued,
// before any checkpoint exists. It is the fallback for status queries.
type CampaignMeta struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Kind       string    `json:"kind"` // "campaign", "battle" or "red_teaming"
	ScenarioID string    `json:"scenario_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by,omitempty"`
}

// Checkpoint is a named, sequenced snapshot of campaign state plus the
// engine's next-node cursor. The latest checkpoint for a campaign is the
// source of truth for status queries and resumption.
type Checkpoint struct {
	CampaignID string         `json:"campaign_id"`
	Namespace  string         `json:"namespace,omitempty"`
	Seq        int64          `json:"seq"`
	Next       string         `json:"next,omitempty"` // node id to run next; "" = terminal
	CreatedAt  time.Time      `json:"created_at"`
	State      *CampaignState `json:"state"`
}
