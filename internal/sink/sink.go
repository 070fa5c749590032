// Package sink delivers campaign results to the platform's persistence
// services. The engine only reports through the StatusSink contract; how the
// results are stored is an external concern.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// CampaignUpdate is the terminal or in-progress status pushed for a campaign.
type CampaignUpdate struct {
	Status  string             `json:"status"`
	Score   *float64           `json:"score,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// RedTeamUpdate carries red-teaming run results including the probe report.
type RedTeamUpdate struct {
	Status            string                   `json:"status"`
	TotalProbes       int                      `json:"total_probes"`
	SuccessfulAttacks int                      `json:"successful_attacks"`
	BlockedAttacks    int                      `json:"blocked_attacks"`
	SeverityCounts    map[string]int           `json:"severity_counts,omitempty"`
	Report            []map[string]interface{} `json:"report,omitempty"`
}

// BattleUpdate carries comparison-battle results.
type BattleUpdate struct {
	Status string         `json:"status"`
	Winner string         `json:"winner,omitempty"`
	Scores map[string]int `json:"scores,omitempty"`
}

// BattleTurn is one judged round of a comparison battle.
type BattleTurn struct {
	Turn      int    `json:"turn"`
	UserInput string `json:"user_input"`
	ResponseA string `json:"response_a"`
	ResponseB string `json:"response_b"`
	Winner    string `json:"winner,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
}

// StatusSink receives campaign lifecycle updates. Implementations must be
// safe for concurrent use; errors are advisory and never halt a run.
type StatusSink interface {
	UpdateCampaign(ctx context.Context, campaignID string, update *CampaignUpdate) error
	UpdateRedTeam(ctx context.Context, campaignID string, update *RedTeamUpdate) error
	UpdateBattle(ctx context.Context, battleID string, update *BattleUpdate) error
	AddBattleTurn(ctx context.Context, battleID string, turn *BattleTurn) error
}

// HTTPSink posts updates to the platform's resource service.
type HTTPSink struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPSink creates a sink targeting the resource service.
func NewHTTPSink(baseURL string, logger *slog.Logger) *HTTPSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSink{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (s *HTTPSink) UpdateCampaign(ctx context.Context, campaignID string, update *CampaignUpdate) error {
	return s.put(ctx, fmt.Sprintf("%s/internal/campaigns/%s", s.baseURL, campaignID), update)
}

func (s *HTTPSink) UpdateRedTeam(ctx context.Context, campaignID string, update *RedTeamUpdate) error {
	return s.put(ctx, fmt.Sprintf("%s/internal/red-teaming/%s", s.baseURL, campaignID), update)
}

func (s *HTTPSink) UpdateBattle(ctx context.Context, battleID string, update *BattleUpdate) error {
	return s.put(ctx, fmt.Sprintf("%s/internal/battles/%s", s.baseURL, battleID), update)
}

func (s *HTTPSink) AddBattleTurn(ctx context.Context, battleID string, turn *BattleTurn) error {
	return s.post(ctx, fmt.Sprintf("%s/internal/battles/%s/turns", s.baseURL, battleID), turn)
}

func (s *HTTPSink) put(ctx context.Context, url string, payload interface{}) error {
	return s.send(ctx, http.MethodPut, url, payload)
}

func (s *HTTPSink) post(ctx context.Context, url string, payload interface{}) error {
	return s.send(ctx, http.MethodPost, url, payload)
}

func (s *HTTPSink) send(ctx context.Context, method, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode sink payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink %s %s: status %d", method, url, resp.StatusCode)
	}
	return nil
}

var _ StatusSink = (*HTTPSink)(nil)

// NopSink discards all updates. Used in tests and when no resource service
// is configured.
type NopSink struct{}

func (NopSink) UpdateCampaign(ctx context.Context, campaignID string, update *CampaignUpdate) error {
	return nil
}
func (NopSink) UpdateRedTeam(ctx context.Context, campaignID string, update *RedTeamUpdate) error {
	return nil
}
func (NopSink) UpdateBattle(ctx context.Context, battleID string, update *BattleUpdate) error {
	return nil
}
func (NopSink) AddBattleTurn(ctx context.Context, battleID string, turn *BattleTurn) error {
	return nil
}

var _ StatusSink = NopSink{}
