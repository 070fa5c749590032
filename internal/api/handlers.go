package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agenteval/platform/services/orchestrator-go/internal/battle"
	"github.com/agenteval/platform/services/orchestrator-go/internal/billing"
	"github.com/agenteval/platform/services/orchestrator-go/internal/checkpoint"
	"github.com/agenteval/platform/services/orchestrator-go/internal/config"
	"github.com/agenteval/platform/services/orchestrator-go/internal/engine"
	"github.com/agenteval/platform/services/orchestrator-go/internal/graph"
	"github.com/agenteval/platform/services/orchestrator-go/internal/metrics"
	"github.com/agenteval/platform/services/orchestrator-go/internal/registry"
	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

const campaignIndexKey = "campaigns:index"

func metaKey(id string) string   { return fmt.Sprintf("campaign:%s:meta", id) }
func graphKey(id string) string  { return fmt.Sprintf("campaign:%s:graph", id) }
func configKey(id string) string { return fmt.Sprintf("campaign:%s:config", id) }

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	runtime     *engine.Runtime
	checkpoints *checkpoint.Checkpointer
	validator   *graph.Validator
	registry    *registry.Client
	quota       *billing.QuotaChecker
	config      *config.Config
	logger      *slog.Logger
}

// NewHandlers creates a new Handlers instance. registry and quota may be nil
// when the respective collaborator is not configured.
func NewHandlers(rt *engine.Runtime, cp *checkpoint.Checkpointer, v *graph.Validator, reg *registry.Client, quota *billing.QuotaChecker, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runtime:     rt,
		checkpoints: cp,
		validator:   v,
		registry:    reg,
		quota:       quota,
		config:      cfg,
		logger:      logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.runtime.Store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "state store unhealthy", err)
		return
	}
	if err := h.runtime.Dispatcher.Ping(ctx); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "dispatcher unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ready",
		"statestore": info,
	})
}

// --- Campaign Management ---

// CreateCampaignRequest is the request body for creating a campaign.
type CreateCampaignRequest struct {
	Name        string                 `json:"name"`
	ScenarioID  string                 `json:"scenario_id,omitempty"`
	Scenario    json.RawMessage        `json:"scenario,omitempty"` // inline graph definition
	AgentID     string                 `json:"agent_id"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Language    string                 `json:"language,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
}

// CreateCampaignResponse is the response body after creating a campaign.
type CreateCampaignResponse struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
}

// CreateCampaign handles POST /api/v1/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if h.quota != nil && req.WorkspaceID != "" {
		if err := h.quota.CheckAndConsume(ctx, req.WorkspaceID); err != nil {
			if errors.Is(err, billing.ErrQuotaExceeded) {
				metrics.QuotaRejections.Inc()
				h.respondError(w, http.StatusPaymentRequired, "quota exceeded", err)
				return
			}
			h.respondError(w, http.StatusInternalServerError, "quota check failed", err)
			return
		}
	}

	rawGraph, def, err := h.resolveScenario(ctx, &req)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid scenario", err)
		return
	}

	compiled, err := graph.Compile(def)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "scenario graph rejected", err)
		return
	}

	campaignID := uuid.NewString()
	meta := &types.CampaignMeta{
		ID:         campaignID,
		Name:       req.Name,
		Kind:       "campaign",
		ScenarioID: req.ScenarioID,
		AgentID:    req.AgentID,
		Status:     string(types.CampaignStatusQueued),
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  req.WorkspaceID,
	}
	if err := h.saveMeta(ctx, meta); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to queue campaign", err)
		return
	}
	if len(rawGraph) > 0 {
		if err := h.runtime.Store.Set(ctx, graphKey(campaignID), string(rawGraph), 0); err != nil {
			h.respondError(w, http.StatusInternalServerError, "failed to store scenario", err)
			return
		}
	}

	metadata := map[string]interface{}{
		"agent_id": req.AgentID,
		"language": req.Language,
	}
	if len(req.Variables) > 0 {
		metadata["variables"] = req.Variables
	}
	if h.registry != nil && req.AgentID != "" {
		if agent, err := h.registry.GetAgent(ctx, req.AgentID); err != nil {
			h.logger.Warn("agent lookup failed, dispatching without target config",
				"agent_id", req.AgentID, "error", err)
		} else {
			metadata["target_config"] = h.registry.TargetConfig(agent)
		}
	}

	state := types.NewCampaignState(campaignID, req.ScenarioID, compiled.ExpectationCount, metadata)
	prog := &engine.Program{Graph: compiled, Kind: "campaign"}
	h.launch(prog, state, meta)

	h.respondJSON(w, http.StatusCreated, CreateCampaignResponse{
		CampaignID: campaignID,
		Status:     string(types.CampaignStatusQueued),
	})
}

// resolveScenario returns the raw graph JSON and its decoded definition from
// either the inline scenario or the registry. Both empty yields a nil
// definition, which compiles to the trivial start→end graph.
func (h *Handlers) resolveScenario(ctx context.Context, req *CreateCampaignRequest) (json.RawMessage, *types.GraphDef, error) {
	if len(req.Scenario) > 0 {
		if h.validator != nil {
			if result := h.validator.ValidateJSON(req.Scenario); !result.Valid {
				return nil, nil, fmt.Errorf("scenario validation failed: %+v", result.Errors)
			}
		}
		var def types.GraphDef
		if err := json.Unmarshal(req.Scenario, &def); err != nil {
			return nil, nil, fmt.Errorf("decode scenario: %w", err)
		}
		return req.Scenario, &def, nil
	}

	if req.ScenarioID != "" && h.registry != nil {
		scenario, err := h.registry.GetScenario(ctx, req.ScenarioID)
		if err != nil {
			return nil, nil, err
		}
		raw, err := json.Marshal(scenario.Graph)
		if err != nil {
			return nil, nil, fmt.Errorf("encode scenario graph: %w", err)
		}
		return raw, scenario.Graph, nil
	}

	return nil, nil, nil
}

// ListCampaigns handles GET /api/v1/campaigns
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.runtime.Store.LRange(ctx, campaignIndexKey, 0, -1)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list campaigns", err)
		return
	}

	metas := make([]*types.CampaignMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := h.loadMeta(ctx, id)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"campaigns": metas})
}

// GetCampaignState handles GET /api/v1/campaigns/{id}/state. The latest
// checkpoint is the source of truth; a queued campaign without checkpoints
// falls back to its metadata record. Errors degrade to a well-formed
// status payload rather than an unhandled 500.
func (h *Handlers) GetCampaignState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID := mux.Vars(r)["id"]

	meta, metaErr := h.loadMeta(ctx, campaignID)

	ns := ""
	if meta != nil {
		ns = namespaceForKind(meta.Kind)
	}

	cp, err := h.checkpoints.Latest(ctx, ns, campaignID)
	if err == nil {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"campaign_id": campaignID,
			"status":      cp.State.Status,
			"seq":         cp.Seq,
			"state":       cp.State,
			"updated_at":  cp.CreatedAt,
		})
		return
	}

	if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		h.logger.Error("checkpoint load failed", "campaign_id", campaignID, "error", err)
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"campaign_id": campaignID,
			"status":      "error",
			"message":     "state temporarily unavailable",
		})
		return
	}

	if metaErr == nil {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"campaign_id": campaignID,
			"status":      meta.Status,
			"created_at":  meta.CreatedAt,
		})
		return
	}

	h.respondJSON(w, http.StatusNotFound, map[string]interface{}{
		"campaign_id": campaignID,
		"status":      "not_found",
	})
}

// GetCampaignHistory handles GET /api/v1/campaigns/{id}/history
func (h *Handlers) GetCampaignHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID := mux.Vars(r)["id"]

	ns := ""
	if meta, err := h.loadMeta(ctx, campaignID); err == nil {
		ns = namespaceForKind(meta.Kind)
	}

	history, err := h.checkpoints.History(ctx, ns, campaignID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to load history", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": campaignID,
		"checkpoints": history,
	})
}

// CancelCampaign handles POST /api/v1/campaigns/{id}/cancel. Cancellation is
// cooperative: the engine honors the flag at its next checkpoint boundary.
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID := mux.Vars(r)["id"]

	if err := h.runtime.RequestCancel(ctx, campaignID); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to request cancellation", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"campaign_id": campaignID,
		"status":      "cancelling",
	})
}

// ResumeCampaign handles POST /api/v1/campaigns/{id}/resume. The program is
// rebuilt from the stored definition according to the campaign's kind, then
// execution continues from the latest checkpoint's cursor.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID := mux.Vars(r)["id"]

	meta, err := h.loadMeta(ctx, campaignID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "campaign not found", err)
		return
	}

	ns := namespaceForKind(meta.Kind)
	cp, err := h.checkpoints.Latest(ctx, ns, campaignID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			h.respondError(w, http.StatusConflict, "campaign has not started yet", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to load checkpoint", err)
		return
	}
	if cp.Next == "" {
		h.respondError(w, http.StatusConflict, "campaign already finished",
			fmt.Errorf("campaign %s is terminal", campaignID))
		return
	}

	prog, err := h.rebuildProgram(ctx, meta)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to rebuild program", err)
		return
	}

	go func() {
		runCtx := context.Background()
		if _, err := h.runtime.RunFrom(runCtx, prog, cp.Next, cp.State); err != nil {
			h.logger.Error("resumed campaign failed", "campaign_id", campaignID, "error", err)
		}
	}()

	h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": campaignID,
		"status":      "resuming",
		"from_seq":    cp.Seq,
		"from_node":   cp.Next,
	})
}

// rebuildProgram reconstructs the executable program for a stored campaign.
func (h *Handlers) rebuildProgram(ctx context.Context, meta *types.CampaignMeta) (*engine.Program, error) {
	switch meta.Kind {
	case "battle":
		var cfg battle.BattleConfig
		if err := h.loadConfig(ctx, meta.ID, &cfg); err != nil {
			return nil, err
		}
		prog, _, err := battle.NewComparisonProgram(&cfg)
		return prog, err
	case "red_teaming":
		var cfg battle.RedTeamConfig
		if err := h.loadConfig(ctx, meta.ID, &cfg); err != nil {
			return nil, err
		}
		prog, _, err := battle.NewRedTeamProgram(&cfg)
		return prog, err
	default:
		var def *types.GraphDef
		raw, err := h.runtime.Store.Get(ctx, graphKey(meta.ID))
		if err == nil {
			def = &types.GraphDef{}
			if err := json.Unmarshal([]byte(raw), def); err != nil {
				return nil, fmt.Errorf("decode stored scenario: %w", err)
			}
		}
		compiled, err := graph.Compile(def)
		if err != nil {
			return nil, err
		}
		return &engine.Program{Graph: compiled, Kind: "campaign"}, nil
	}
}

// --- Battles ---

// CreateBattleRequest is the request body for starting a comparison battle.
type CreateBattleRequest struct {
	AgentAID    string   `json:"agent_a_id"`
	AgentBID    string   `json:"agent_b_id"`
	UserInputs  []string `json:"user_inputs"`
	Intensity   int      `json:"intensity"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// CreateBattle handles POST /api/v1/battles
func (h *Handlers) CreateBattle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if h.quota != nil && req.WorkspaceID != "" {
		if err := h.quota.CheckAndConsume(ctx, req.WorkspaceID); err != nil {
			if errors.Is(err, billing.ErrQuotaExceeded) {
				metrics.QuotaRejections.Inc()
				h.respondError(w, http.StatusPaymentRequired, "quota exceeded", err)
				return
			}
			h.respondError(w, http.StatusInternalServerError, "quota check failed", err)
			return
		}
	}

	cfg := &battle.BattleConfig{
		BattleID:   uuid.NewString(),
		AgentAID:   req.AgentAID,
		AgentBID:   req.AgentBID,
		UserInputs: req.UserInputs,
		Intensity:  req.Intensity,
		Language:   req.Language,
	}
	if h.registry != nil {
		if agent, err := h.registry.GetAgent(ctx, req.AgentAID); err == nil {
			cfg.TargetA = h.registry.TargetConfig(agent)
		}
		if agent, err := h.registry.GetAgent(ctx, req.AgentBID); err == nil {
			cfg.TargetB = h.registry.TargetConfig(agent)
		}
	}

	prog, state, err := battle.NewComparisonProgram(cfg)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid battle config", err)
		return
	}

	meta := &types.CampaignMeta{
		ID:        cfg.BattleID,
		Kind:      "battle",
		Status:    string(types.CampaignStatusQueued),
		CreatedAt: time.Now().UTC(),
		CreatedBy: req.WorkspaceID,
	}
	if err := h.saveMeta(ctx, meta); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to queue battle", err)
		return
	}
	if err := h.saveConfig(ctx, cfg.BattleID, cfg); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to store battle config", err)
		return
	}

	h.launch(prog, state, meta)

	h.respondJSON(w, http.StatusCreated, map[string]string{
		"battle_id": cfg.BattleID,
		"status":    string(types.CampaignStatusQueued),
	})
}

// --- Red-Teaming ---

// CreateRedTeamRequest is the request body for starting a red-teaming run.
type CreateRedTeamRequest struct {
	AgentID     string   `json:"agent_id"`
	Intensity   int      `json:"intensity"`
	Categories  []string `json:"categories,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// CreateRedTeam handles POST /api/v1/red-teaming
func (h *Handlers) CreateRedTeam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRedTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if h.quota != nil && req.WorkspaceID != "" {
		if err := h.quota.CheckAndConsume(ctx, req.WorkspaceID); err != nil {
			if errors.Is(err, billing.ErrQuotaExceeded) {
				metrics.QuotaRejections.Inc()
				h.respondError(w, http.StatusPaymentRequired, "quota exceeded", err)
				return
			}
			h.respondError(w, http.StatusInternalServerError, "quota check failed", err)
			return
		}
	}

	cfg := &battle.RedTeamConfig{
		CampaignID: uuid.NewString(),
		AgentID:    req.AgentID,
		Intensity:  req.Intensity,
		Categories: req.Categories,
		Language:   req.Language,
	}
	if h.registry != nil && req.AgentID != "" {
		if agent, err := h.registry.GetAgent(ctx, req.AgentID); err == nil {
			cfg.TargetConfig = h.registry.TargetConfig(agent)
		}
	}

	prog, state, err := battle.NewRedTeamProgram(cfg)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid red teaming config", err)
		return
	}

	meta := &types.CampaignMeta{
		ID:        cfg.CampaignID,
		Kind:      "red_teaming",
		AgentID:   req.AgentID,
		Status:    string(types.CampaignStatusQueued),
		CreatedAt: time.Now().UTC(),
		CreatedBy: req.WorkspaceID,
	}
	if err := h.saveMeta(ctx, meta); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to queue red teaming run", err)
		return
	}
	if err := h.saveConfig(ctx, cfg.CampaignID, cfg); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to store red teaming config", err)
		return
	}

	h.launch(prog, state, meta)

	h.respondJSON(w, http.StatusCreated, map[string]string{
		"campaign_id": cfg.CampaignID,
		"status":      string(types.CampaignStatusQueued),
	})
}

// --- Helper Methods ---

// launch runs the program on its own goroutine, detached from the request.
func (h *Handlers) launch(prog *engine.Program, state *types.CampaignState, meta *types.CampaignMeta) {
	go func() {
		ctx := context.Background()

		meta.Status = string(types.CampaignStatusRunning)
		if err := h.saveMeta(ctx, meta); err != nil {
			h.logger.Error("failed to update meta", "campaign_id", meta.ID, "error", err)
		}

		final, err := h.runtime.Run(ctx, prog, state)
		if err != nil {
			h.logger.Error("campaign run failed", "campaign_id", meta.ID, "error", err)
			meta.Status = string(types.CampaignStatusFailed)
		} else {
			meta.Status = string(final.Status)
		}
		if err := h.saveMeta(ctx, meta); err != nil {
			h.logger.Error("failed to update meta", "campaign_id", meta.ID, "error", err)
		}
	}()
}

func (h *Handlers) saveMeta(ctx context.Context, meta *types.CampaignMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode campaign meta: %w", err)
	}

	_, getErr := h.runtime.Store.Get(ctx, metaKey(meta.ID))
	if err := h.runtime.Store.Set(ctx, metaKey(meta.ID), string(raw), 0); err != nil {
		return fmt.Errorf("store campaign meta: %w", err)
	}
	if errors.Is(getErr, statestore.ErrKeyNotFound) {
		return h.runtime.Store.RPush(ctx, campaignIndexKey, meta.ID)
	}
	return nil
}

func (h *Handlers) loadMeta(ctx context.Context, campaignID string) (*types.CampaignMeta, error) {
	raw, err := h.runtime.Store.Get(ctx, metaKey(campaignID))
	if err != nil {
		return nil, err
	}
	var meta types.CampaignMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode campaign meta: %w", err)
	}
	return &meta, nil
}

func (h *Handlers) saveConfig(ctx context.Context, id string, cfg interface{}) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	return h.runtime.Store.Set(ctx, configKey(id), string(raw), 0)
}

func (h *Handlers) loadConfig(ctx context.Context, id string, cfg interface{}) error {
	raw, err := h.runtime.Store.Get(ctx, configKey(id))
	if err != nil {
		return fmt.Errorf("load run config: %w", err)
	}
	return json.Unmarshal([]byte(raw), cfg)
}

func namespaceForKind(kind string) string {
	switch kind {
	case "battle":
		return battle.BattleNamespace
	case "red_teaming":
		return battle.RedTeamNamespace
	default:
		return ""
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	h.logger.Error(message, "error", err, "status", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": err.Error(),
	})
}
