// Package secrets fills config secret fields from Vault KV-v2 when the
// environment has not already set them. Environment always wins; Vault
// only backfills blanks, so a box with plain env vars never needs a
// Vault deployment.
package secrets

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"trading-assistant/config"
)

// Store reads the assistant's secret bundle from one KV-v2 path.
type Store struct {
	client *api.Client
	cfg    config.VaultConfig
	log    zerolog.Logger
}

func NewStore(cfg config.VaultConfig, log zerolog.Logger) (*Store, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Store{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "secrets").Logger(),
	}, nil
}

// Fetch reads the secret bundle and returns it as a flat string map.
// Non-string values are skipped.
func (s *Store) Fetch(ctx context.Context) (map[string]string, error) {
	path := fmt.Sprintf("%s/data/%s", s.cfg.MountPath, s.cfg.SecretPath)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading vault path %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault path %s holds no secret", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault path %s is not a KV-v2 secret", path)
	}

	out := make(map[string]string, len(data))
	for key, raw := range data {
		if v, ok := raw.(string); ok && v != "" {
			out[key] = v
		}
	}
	s.log.Info().Int("keys", len(out)).Str("path", path).Msg("vault secrets loaded")
	return out, nil
}

// Overlay backfills empty secret fields from the fetched bundle.
func Overlay(cfg *config.Config, values map[string]string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			if v, ok := values[key]; ok {
				*dst = v
			}
		}
	}
	fill(&cfg.LLMConfig.AnthropicAPIKey, "anthropic_api_key")
	fill(&cfg.LLMConfig.OpenAIAPIKey, "openai_api_key")
	fill(&cfg.LLMConfig.DeepSeekAPIKey, "deepseek_api_key")
	fill(&cfg.TelegramConfig.BotToken, "telegram_bot_token")
	fill(&cfg.NotificationConfig.Discord.WebhookURL, "discord_webhook_url")
	fill(&cfg.RedisConfig.Password, "redis_password")
	fill(&cfg.PostgresConfig.DSN, "postgres_dsn")
	fill(&cfg.ServerConfig.JWTSecret, "jwt_secret")
	fill(&cfg.ServerConfig.OperatorToken, "operator_token")
}

// Load is the startup helper: when Vault is enabled it fetches the
// bundle and overlays it onto the config. Disabled Vault is a no-op.
func Load(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if !cfg.VaultConfig.Enabled {
		return nil
	}
	store, err := NewStore(cfg.VaultConfig, log)
	if err != nil {
		return err
	}
	values, err := store.Fetch(ctx)
	if err != nil {
		return err
	}
	Overlay(cfg, values)
	return nil
}
