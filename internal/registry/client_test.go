package registry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fernet/fernet-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecrypt(t *testing.T) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	c, err := New("http://registry", key.Encode(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Run("valid token decrypts", func(t *testing.T) {
		token, err := fernet.EncryptAndSign([]byte("sk-secret"), &key)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if got := c.Decrypt(string(token)); got != "sk-secret" {
			t.Errorf("Decrypt = %q, want sk-secret", got)
		}
	})

	t.Run("invalid token falls back to raw value", func(t *testing.T) {
		if got := c.Decrypt("plaintext-dev-key"); got != "plaintext-dev-key" {
			t.Errorf("Decrypt = %q, want raw value", got)
		}
	})

	t.Run("no key passes through", func(t *testing.T) {
		c, err := New("http://registry", "", testLogger())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if got := c.Decrypt("anything"); got != "anything" {
			t.Errorf("Decrypt = %q, want anything", got)
		}
	})
}

func TestTargetConfig(t *testing.T) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	token, err := fernet.EncryptAndSign([]byte("sk-agent"), &key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	c, err := New("http://registry", key.Encode(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cfg := c.TargetConfig(&Agent{
		Provider:   "openai",
		Endpoint:   "https://api.example.com",
		Config:     map[string]interface{}{"temperature": 0.2},
		Credential: string(token),
	})

	if cfg["provider"] != "openai" || cfg["endpoint"] != "https://api.example.com" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg["temperature"] != 0.2 {
		t.Errorf("agent config not merged: %+v", cfg)
	}
	if cfg["api_key"] != "sk-agent" {
		t.Errorf("credential not decrypted: %v", cfg["api_key"])
	}
}

func TestResolveModelConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/m-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m-1","provider":"anthropic","model_name":"claude-sonnet","parameters":{"max_tokens":1024}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cfg, err := c.ResolveModelConfig(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("ResolveModelConfig failed: %v", err)
	}
	if cfg["provider"] != "anthropic" || cfg["model"] != "claude-sonnet" {
		t.Errorf("unexpected model config: %+v", cfg)
	}

	if _, err := c.ResolveModelConfig(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown model")
	}
}
