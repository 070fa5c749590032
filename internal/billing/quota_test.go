package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenteval/platform/services/orchestrator-go/internal/statestore"
)

func newBillingServer(t *testing.T, maxRuns int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"plan":"pro","max_runs_per_month":%d}`, maxRuns)
	}))
}

func TestQuotaChecker_CheckAndConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("allows under limit and counts usage", func(t *testing.T) {
		srv := newBillingServer(t, 3)
		defer srv.Close()
		store := statestore.NewMemoryStore()
		defer store.Close()

		q := NewQuotaChecker(srv.URL, store, nil)
		for i := 0; i < 3; i++ {
			if err := q.CheckAndConsume(ctx, "ws-1"); err != nil {
				t.Fatalf("run %d rejected: %v", i+1, err)
			}
		}
		if err := q.CheckAndConsume(ctx, "ws-1"); !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("expected ErrQuotaExceeded on 4th run, got %v", err)
		}
	})

	t.Run("minus one means unlimited", func(t *testing.T) {
		srv := newBillingServer(t, -1)
		defer srv.Close()
		store := statestore.NewMemoryStore()
		defer store.Close()

		q := NewQuotaChecker(srv.URL, store, nil)
		for i := 0; i < 50; i++ {
			if err := q.CheckAndConsume(ctx, "ws-2"); err != nil {
				t.Fatalf("run %d rejected under unlimited plan: %v", i+1, err)
			}
		}
	})

	t.Run("workspaces are counted independently", func(t *testing.T) {
		srv := newBillingServer(t, 1)
		defer srv.Close()
		store := statestore.NewMemoryStore()
		defer store.Close()

		q := NewQuotaChecker(srv.URL, store, nil)
		if err := q.CheckAndConsume(ctx, "ws-a"); err != nil {
			t.Fatalf("ws-a first run rejected: %v", err)
		}
		if err := q.CheckAndConsume(ctx, "ws-b"); err != nil {
			t.Errorf("ws-b should have its own counter: %v", err)
		}
	})

	t.Run("usage resets across months", func(t *testing.T) {
		srv := newBillingServer(t, 1)
		defer srv.Close()
		store := statestore.NewMemoryStore()
		defer store.Close()

		q := NewQuotaChecker(srv.URL, store, nil)
		base := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
		q.now = func() time.Time { return base }

		if err := q.CheckAndConsume(ctx, "ws-m"); err != nil {
			t.Fatalf("first run rejected: %v", err)
		}
		if err := q.CheckAndConsume(ctx, "ws-m"); !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("expected ErrQuotaExceeded, got %v", err)
		}

		q.now = func() time.Time { return base.AddDate(0, 1, 0) }
		if err := q.CheckAndConsume(ctx, "ws-m"); err != nil {
			t.Errorf("new month should reset the counter: %v", err)
		}
	})

	t.Run("billing outage allows the run", func(t *testing.T) {
		store := statestore.NewMemoryStore()
		defer store.Close()

		q := NewQuotaChecker("http://127.0.0.1:1", store, nil)
		if err := q.CheckAndConsume(ctx, "ws-down"); err != nil {
			t.Errorf("expected run to be allowed during outage, got %v", err)
		}
	})
}
