package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"trading-assistant/config"
)

// fakeVault serves a single KV-v2 secret and records what was asked for.
type fakeVault struct {
	path   string
	token  string
	bundle map[string]interface{}
}

func (f *fakeVault) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.path = r.URL.Path
		f.token = r.Header.Get("X-Vault-Token")
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"data":     f.bundle,
				"metadata": map[string]interface{}{"version": 1},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// Fetch must unwrap the KV-v2 envelope, keep only non-empty string
// values, and authenticate with the configured token.
func TestFetchReadsKVv2(t *testing.T) {
	fake := &fakeVault{bundle: map[string]interface{}{
		"telegram_bot_token": "tok-123",
		"postgres_dsn":       "postgres://assistant@localhost/trades",
		"ttl_seconds":        json.Number("300"),
		"empty_key":          "",
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store, err := NewStore(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "trading-assistant/api-keys",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	values, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if fake.path != "/v1/secret/data/trading-assistant/api-keys" {
		t.Errorf("request path = %q, want KV-v2 data path", fake.path)
	}
	if fake.token != "test-token" {
		t.Errorf("vault token header = %q, want test-token", fake.token)
	}
	if values["telegram_bot_token"] != "tok-123" {
		t.Errorf("telegram_bot_token = %q", values["telegram_bot_token"])
	}
	if values["postgres_dsn"] != "postgres://assistant@localhost/trades" {
		t.Errorf("postgres_dsn = %q", values["postgres_dsn"])
	}
	if _, ok := values["ttl_seconds"]; ok {
		t.Error("non-string value should be skipped")
	}
	if _, ok := values["empty_key"]; ok {
		t.Error("empty string value should be skipped")
	}
}

// A 404 from Vault surfaces as an explicit error rather than an empty
// bundle, so a mistyped path is caught at startup.
func TestFetchMissingSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[]}`, http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := NewStore(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "missing",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

// Overlay only backfills blanks: values already set (by env or file)
// stay as they are, and keys absent from the bundle leave the field
// empty.
func TestOverlayEnvWins(t *testing.T) {
	cfg := config.Default()
	cfg.TelegramConfig.BotToken = "env-token"
	cfg.LLMConfig.AnthropicAPIKey = ""
	cfg.RedisConfig.Password = ""

	Overlay(cfg, map[string]string{
		"telegram_bot_token": "vault-token",
		"anthropic_api_key":  "vault-anthropic",
		"jwt_secret":         "vault-jwt",
	})

	if cfg.TelegramConfig.BotToken != "env-token" {
		t.Errorf("BotToken = %q, env value must win", cfg.TelegramConfig.BotToken)
	}
	if cfg.LLMConfig.AnthropicAPIKey != "vault-anthropic" {
		t.Errorf("AnthropicAPIKey = %q, want vault backfill", cfg.LLMConfig.AnthropicAPIKey)
	}
	if cfg.ServerConfig.JWTSecret != "vault-jwt" {
		t.Errorf("JWTSecret = %q, want vault backfill", cfg.ServerConfig.JWTSecret)
	}
	if cfg.RedisConfig.Password != "" {
		t.Errorf("Password = %q, key absent from bundle must stay empty", cfg.RedisConfig.Password)
	}
}

// With Vault disabled Load must be a no-op that never dials anything.
func TestLoadDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.VaultConfig.Enabled = false
	cfg.VaultConfig.Address = "http://127.0.0.1:1" // would fail if dialed

	if err := Load(context.Background(), cfg, zerolog.Nop()); err != nil {
		t.Fatalf("Load with vault disabled: %v", err)
	}
}
