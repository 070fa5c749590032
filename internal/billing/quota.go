// Package billing enforces per-workspace plan quotas on campaign creation.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
)

// ErrQuotaExceeded is returned when a workspace has used up its monthly runs.
var ErrQuotaExceeded = errors.New("monthly run quota exceeded")

// PlanLimits is the billing service's answer for one workspace.
type PlanLimits struct {
	Plan string `json:"plan"`

	// MaxRunsPerMonth caps campaign runs; -1 means unlimited.
	MaxRunsPerMonth int64 `json:"max_runs_per_month"`
}

// QuotaChecker verifies plan limits and tracks monthly usage counters in the
// state store.
type QuotaChecker struct {
	baseURL string
	client  *http.Client
	store   statestore.Store
	logger  *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewQuotaChecker creates a quota checker against the billing service.
func NewQuotaChecker(baseURL string, store statestore.Store, logger *slog.Logger) *QuotaChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

func (q *QuotaChecker) usageKey(workspaceID string) string {
	return fmt.Sprintf("usage:%s:%s:runs", workspaceID, q.now().UTC().Format("2006-01"))
}

// CheckAndConsume verifies the workspace is under its monthly run limit and
// increments the usage counter. When the billing service is unreachable the
// run is allowed: availability beats strict enforcement for a soft limit.
func (q *QuotaChecker) CheckAndConsume(ctx context.Context, workspaceID string) error {
	limits, err := q.fetchLimits(ctx, workspaceID)
	if err != nil {
		q.logger.Warn("billing service unavailable, allowing run",
			"workspace_id", workspaceID, "error", err)
		return nil
	}

	key := q.usageKey(workspaceID)

	if limits.MaxRunsPerMonth >= 0 {
		used, err := q.store.Get(ctx, key)
		if err != nil && !errors.Is(err, statestore.ErrKeyNotFound) {
			return fmt.Errorf("read usage counter: %w", err)
		}
		var n int64
		if used != "" {
			fmt.Sscanf(used, "%d", &n)
		}
		if n >= limits.MaxRunsPerMonth {
			return fmt.Errorf("%w: %d/%d runs used this month",
				ErrQuotaExceeded, n, limits.MaxRunsPerMonth)
		}
	}

	n, err := q.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("increment usage counter: %w", err)
	}
	if n == 1 {
		// Fresh counter: expire after the month has safely rolled over.
		q.store.Expire(ctx, key, 31*24*time.Hour)
	}
	return nil
}

func (q *QuotaChecker) fetchLimits(ctx context.Context, workspaceID string) (*PlanLimits, error) {
	url := fmt.Sprintf("%s/workspaces/%s/limits", q.baseURL, workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build billing request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("billing GET %s: status %d", url, resp.StatusCode)
	}

	var limits PlanLimits
	if err := json.NewDecoder(resp.Body).Decode(&limits); err != nil {
		return nil, fmt.Errorf("decode billing response: %w", err)
	}
	return &limits, nil
}
