package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.AssetsConfig.EquityKR = []string{"005930"}
	cfg.AssetsConfig.Crypto = []string{"KRW-BTC"}
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.TradingConfig.Mode = "hourly" }},
		{"positive stop loss", func(c *Config) { c.RiskConfig.StopLossPct = 10 }},
		{"warning below stop", func(c *Config) { c.RiskConfig.StopWarningPct = -12 }},
		{"major gain above take profit", func(c *Config) { c.RiskConfig.MajorGainPct = 25 }},
		{"zero position share", func(c *Config) { c.RiskConfig.MaxPositionPct = 0 }},
		{"zero max hold", func(c *Config) { c.RiskConfig.MaxHold = 0 }},
		{"no assets", func(c *Config) {
			c.AssetsConfig.EquityKR = nil
			c.AssetsConfig.EquityUS = nil
			c.AssetsConfig.Crypto = nil
		}},
		{"missing task map class", func(c *Config) { delete(c.LLMConfig.TaskMap, "standard") }},
		{"telegram without token", func(c *Config) { c.TelegramConfig.Enabled = true }},
		{"auth without operator token", func(c *Config) { c.ServerConfig.AuthEnabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestTickInterval(t *testing.T) {
	cfg := validConfig()

	cfg.TradingConfig.Mode = "short_term"
	if got := cfg.TickInterval(); got != 5*time.Second {
		t.Errorf("short_term interval = %v, want 5s", got)
	}

	cfg.TradingConfig.Mode = "long_term"
	if got := cfg.TickInterval(); got != 15*time.Second {
		t.Errorf("long_term interval = %v, want 15s", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_MODE", "long_term")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_ALLOWED_USERS", "100, 200")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/trades")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.TradingConfig.Mode != "long_term" {
		t.Errorf("mode = %q, want long_term", cfg.TradingConfig.Mode)
	}
	if cfg.LoggingConfig.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LoggingConfig.Level)
	}
	if !cfg.TelegramConfig.Enabled || cfg.TelegramConfig.BotToken != "123:abc" {
		t.Errorf("telegram should be enabled by token presence")
	}
	if len(cfg.TelegramConfig.AllowedUsers) != 2 || cfg.TelegramConfig.AllowedUsers[1] != 200 {
		t.Errorf("allowed users = %v, want [100 200]", cfg.TelegramConfig.AllowedUsers)
	}
	if !cfg.PostgresConfig.Enabled {
		t.Errorf("postgres should be enabled by DSN presence")
	}
}
