// Package registry is the client for the platform's resource service: agent,
// model and scenario lookups plus credential decryption. The decrypted
// credential is only ever forwarded inside a dispatch message, never stored.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

// Agent is a registered target agent with its connection config.
type Agent struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Provider    string                 `json:"provider"`
	Endpoint    string                 `json:"endpoint"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Credential  string                 `json:"credential,omitempty"` // fernet-encrypted
	WorkspaceID string                 `json:"workspace_id,omitempty"`
}

// Model is a registered LLM configuration used for dynamic model injection
// in task and expectation nodes.
type Model struct {
	ID         string                 `json:"id"`
	Provider   string                 `json:"provider"`
	ModelName  string                 `json:"model_name"`
	BaseURL    string                 `json:"base_url,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Credential string                 `json:"credential,omitempty"` // fernet-encrypted
}

// Scenario is a stored scenario with its graph definition.
type Scenario struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Language string          `json:"language,omitempty"`
	Graph    *types.GraphDef `json:"graph"`
}

// Client fetches resources from the registry over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	keys    []*fernet.Key
	logger  *slog.Logger
}

// New creates a registry client. encryptionKey is the base64 fernet key
// shared with the resource service; empty disables decryption and credentials
// pass through as-is.
func New(baseURL, encryptionKey string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var keys []*fernet.Key
	if encryptionKey != "" {
		key, err := fernet.DecodeKey(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		keys = []*fernet.Key{key}
	}

	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		keys:    keys,
		logger:  logger,
	}, nil
}

// GetAgent fetches one agent by id.
func (c *Client) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	if err := c.get(ctx, fmt.Sprintf("%s/agents/%s", c.baseURL, id), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetModel fetches one model by id.
func (c *Client) GetModel(ctx context.Context, id string) (*Model, error) {
	var model Model
	if err := c.get(ctx, fmt.Sprintf("%s/models/%s", c.baseURL, id), &model); err != nil {
		return nil, err
	}
	return &model, nil
}

// GetScenario fetches one scenario by id.
func (c *Client) GetScenario(ctx context.Context, id string) (*Scenario, error) {
	var scenario Scenario
	if err := c.get(ctx, fmt.Sprintf("%s/scenarios/%s", c.baseURL, id), &scenario); err != nil {
		return nil, err
	}
	return &scenario, nil
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("registry GET %s: not found", url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry GET %s: status %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	return nil
}

// Decrypt returns the plaintext credential. Tokens that fail verification
// fall back to the raw value so plaintext dev credentials keep working.
func (c *Client) Decrypt(credential string) string {
	if credential == "" || len(c.keys) == 0 {
		return credential
	}
	plain := fernet.VerifyAndDecrypt([]byte(credential), 0, c.keys)
	if plain == nil {
		c.logger.Warn("credential is not a valid fernet token, using raw value")
		return credential
	}
	return string(plain)
}

// TargetConfig builds the worker-ready connection config for an agent,
// including the decrypted credential.
func (c *Client) TargetConfig(agent *Agent) map[string]interface{} {
	cfg := map[string]interface{}{
		"provider": agent.Provider,
		"endpoint": agent.Endpoint,
	}
	for k, v := range agent.Config {
		cfg[k] = v
	}
	if agent.Credential != "" {
		cfg["api_key"] = c.Decrypt(agent.Credential)
	}
	return cfg
}

// ResolveModelConfig fetches a model and returns its worker-ready config.
// This is the engine's entry point for dynamic model injection.
func (c *Client) ResolveModelConfig(ctx context.Context, modelID string) (map[string]interface{}, error) {
	model, err := c.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return c.ModelConfig(model), nil
}

// ModelConfig builds the worker-ready model config, including the decrypted
// credential.
func (c *Client) ModelConfig(model *Model) map[string]interface{} {
	cfg := map[string]interface{}{
		"provider": model.Provider,
		"model":    model.ModelName,
	}
	if model.BaseURL != "" {
		cfg["base_url"] = model.BaseURL
	}
	for k, v := range model.Parameters {
		cfg[k] = v
	}
	if model.Credential != "" {
		cfg["api_key"] = c.Decrypt(model.Credential)
	}
	return cfg
}
