package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TradingConfig      TradingConfig      `json:"trading"`
	AssetsConfig       AssetsConfig       `json:"assets"`
	MarketConfig       MarketConfig       `json:"market"`
	CurrencyConfig     CurrencyConfig     `json:"currency"`
	AnomalyConfig      AnomalyConfig      `json:"anomaly"`
	NewsConfig         NewsConfig         `json:"news"`
	LLMConfig          LLMConfig          `json:"llm"`
	PipelineConfig     PipelineConfig     `json:"pipeline"`
	RiskConfig         RiskConfig         `json:"risk"`
	BacktestConfig     BacktestConfig     `json:"backtest"`
	TelegramConfig     TelegramConfig     `json:"telegram"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	RedisConfig        RedisConfig        `json:"redis"`
	PostgresConfig     PostgresConfig     `json:"postgres"`
	VaultConfig        VaultConfig        `json:"vault"`
	ReportConfig       ReportConfig       `json:"report"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	SupervisorConfig   SupervisorConfig   `json:"supervisor"`
}

// TradingConfig selects the monitoring cadence profile.
type TradingConfig struct {
	Mode            string `json:"mode"`             // "short_term" (5s ticks) or "long_term" (15s ticks)
	DisplayCurrency string `json:"display_currency"` // currency for user-facing values
}

// AssetsConfig lists monitored instruments per asset-class scope.
type AssetsConfig struct {
	CatalogPath string   `json:"catalog_path"` // assets.yaml with names and aliases
	EquityKR    []string `json:"equity_kr"`    // 6-digit KRX codes
	EquityUS    []string `json:"equity_us"`    // US tickers
	Crypto      []string `json:"crypto"`       // exchange pairs, e.g. KRW-BTC
}

// MarketConfig tunes the data fan-in layer.
type MarketConfig struct {
	QuoteTimeout    time.Duration        `json:"quote_timeout"`    // per-call deadline
	StaleLimit      time.Duration        `json:"stale_limit"`      // max age for last-known-good
	SeriesCap       int                  `json:"series_cap"`       // bars retained per asset per width
	AdapterOrder    AdapterOrder         `json:"adapter_order"`    // failover order per scope
	RateLimits      map[string]RateLimit `json:"rate_limits"`      // adapter name -> bucket
	BreakerCooldown time.Duration        `json:"breaker_cooldown"` // open-state duration
}

type AdapterOrder struct {
	EquityKR []string `json:"equity_kr"`
	EquityUS []string `json:"equity_us"`
	Crypto   []string `json:"crypto"`
}

// RateLimit is a token bucket: sustained requests per second plus burst.
type RateLimit struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

type CurrencyConfig struct {
	RateURL       string             `json:"rate_url"`       // JSON endpoint returning {"rates": {"KRW": ...}}
	RefreshCron   string             `json:"refresh_cron"`   // cron spec, hourly by default
	StaleAfter    time.Duration      `json:"stale_after"`    // beyond this the static fallback applies
	FallbackRates map[string]float64 `json:"fallback_rates"` // per-USD rates used when cache is stale
}

type AnomalyConfig struct {
	BaselineWindow   time.Duration            `json:"baseline_window"`     // rolling baseline horizon
	MetricWindows    map[string]time.Duration `json:"metric_windows"`      // per-metric override
	DebounceDefault  time.Duration            `json:"debounce_default"`    // per (asset, kind)
	DebounceByKind   map[string]time.Duration `json:"debounce_by_kind"`
	SingleBarMovePct float64                  `json:"single_bar_move_pct"` // floor for forced high severity
	VolumeRunLength  int                      `json:"volume_run_length"`   // consecutive large prints for high
}

type NewsConfig struct {
	Enabled           bool          `json:"enabled"`
	FeedURL           string        `json:"feed_url"` // template with %s asset id
	AnnouncementURL   string        `json:"announcement_url"`
	PollInterval      time.Duration `json:"poll_interval"`      // headlines
	AnnouncementCron  string        `json:"announcement_cron"`  // disclosures
	MaxHeadlines      int           `json:"max_headlines"`      // per-asset ring cap
	RelevantThreshold int           `json:"relevant_threshold"` // news count that upgrades the task class
}

// LLMConfig maps task classes to ordered provider fallback chains.
type LLMConfig struct {
	Enabled         bool                     `json:"enabled"`
	TaskMap         map[string][]ProviderRef `json:"task_map"` // lightweight/standard/complex
	AnthropicAPIKey string                   `json:"-"`
	OpenAIAPIKey    string                   `json:"-"`
	DeepSeekAPIKey  string                   `json:"-"`
	Budget          time.Duration            `json:"budget"`      // wall clock across the whole chain
	WorkerPoolSize  int                      `json:"worker_pool"` // concurrent in-flight calls
	MaxTokens       int                      `json:"max_tokens"`
	Temperature     float64                  `json:"temperature"`
}

// ProviderRef names one provider/model pair in a fallback chain.
type ProviderRef struct {
	Provider string `json:"provider"` // "anthropic", "openai", "deepseek"
	Model    string `json:"model"`
}

type PipelineConfig struct {
	ShortTermInterval   time.Duration      `json:"short_term_interval"`
	LongTermInterval    time.Duration      `json:"long_term_interval"`
	AdviceTTL           time.Duration      `json:"advice_ttl"`           // history retention
	ConfidenceThreshold float64            `json:"confidence_threshold"` // below this the aggregate is hold
	StrategyWeights     map[string]float64 `json:"strategy_weights"`
}

type RiskConfig struct {
	MaxPositionPct       float64       `json:"max_position_pct"`       // share of capital per position
	StopLossPct          float64       `json:"stop_loss_pct"`          // forced close, negative
	StopWarningPct       float64       `json:"stop_warning_pct"`       // alert only, negative
	TakeProfitPct        float64       `json:"take_profit_pct"`        // forced close
	MajorGainPct         float64       `json:"major_gain_pct"`         // alert only
	MaxHold              time.Duration `json:"max_hold"`               // timeout close
	MaxTradesPerDay      int           `json:"max_trades_per_day"`     // closed trades per calendar day
	MaxConsecutiveLosses int           `json:"max_consecutive_losses"` // lockout until next day
	MinOpenGap           time.Duration `json:"min_open_gap"`           // per asset between opens
}

type BacktestConfig struct {
	FeeRate      float64 `json:"fee_rate"`      // per side, 0.001 = 0.1%
	SlippageRate float64 `json:"slippage_rate"` // applied against the fill
	TradeLogCap  int     `json:"trade_log_cap"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	BotToken     string  `json:"-"`
	AllowedUsers []int64 `json:"allowed_users"` // empty list refuses everyone
	PollTimeout  int     `json:"poll_timeout"`  // long-poll seconds
}

type NotificationConfig struct {
	Enabled  bool         `json:"enabled"`
	Telegram TelegramSink `json:"telegram"`
	Discord  DiscordSink  `json:"discord"`
}

type TelegramSink struct {
	Enabled bool   `json:"enabled"`
	ChatID  string `json:"chat_id"`
}

type DiscordSink struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type ServerConfig struct {
	Enabled         bool          `json:"enabled"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	AllowedOrigins  string        `json:"allowed_origins"`
	AuthEnabled     bool          `json:"auth_enabled"`
	OperatorToken   string        `json:"-"` // plain token from env, hashed at startup
	JWTSecret       string        `json:"-"`
	TokenTTL        time.Duration `json:"token_ttl"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type PostgresConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"-"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type ReportConfig struct {
	Dir       string `json:"dir"`
	DailyCron string `json:"daily_cron"` // daily portfolio summary
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // JSON lines vs console writer
}

type SupervisorConfig struct {
	PidFile         string        `json:"pid_file"`
	DrainTimeout    time.Duration `json:"drain_timeout"`
	FastCrashWindow time.Duration `json:"fast_crash_window"`
	MaxBackoff      time.Duration `json:"max_backoff"`
}

// Load reads config.json when present, applies defaults, then environment
// overrides. Secrets come only from the environment; Vault backfill, when
// enabled, happens after load in the secrets package.
func Load() (*Config, error) {
	return LoadFrom("config.json")
}

func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		TradingConfig: TradingConfig{
			Mode:            "short_term",
			DisplayCurrency: "KRW",
		},
		AssetsConfig: AssetsConfig{
			CatalogPath: "assets.yaml",
		},
		MarketConfig: MarketConfig{
			QuoteTimeout: 10 * time.Second,
			StaleLimit:   5 * time.Minute,
			SeriesCap:    200,
			AdapterOrder: AdapterOrder{
				EquityKR: []string{"krx", "yahoo"},
				EquityUS: []string{"yahoo"},
				Crypto:   []string{"upbit"},
			},
			RateLimits: map[string]RateLimit{
				"krx":   {RPS: 2, Burst: 4},
				"yahoo": {RPS: 1, Burst: 2},
				"upbit": {RPS: 8, Burst: 10},
			},
			BreakerCooldown: 30 * time.Second,
		},
		CurrencyConfig: CurrencyConfig{
			RateURL:     "https://open.er-api.com/v6/latest/USD",
			RefreshCron: "0 0 * * * *",
			StaleAfter:  2 * time.Hour,
			FallbackRates: map[string]float64{
				"KRW": 1350.0,
				"USD": 1.0,
			},
		},
		AnomalyConfig: AnomalyConfig{
			BaselineWindow:   60 * time.Minute,
			MetricWindows:    map[string]time.Duration{},
			DebounceDefault:  300 * time.Second,
			DebounceByKind:   map[string]time.Duration{},
			SingleBarMovePct: 5.0,
			VolumeRunLength:  3,
		},
		NewsConfig: NewsConfig{
			Enabled:           false,
			PollInterval:      15 * time.Minute,
			AnnouncementCron:  "0 0 * * * *",
			MaxHeadlines:      100,
			RelevantThreshold: 50,
		},
		LLMConfig: LLMConfig{
			Enabled: true,
			TaskMap: map[string][]ProviderRef{
				"lightweight": {
					{Provider: "deepseek", Model: "deepseek-chat"},
					{Provider: "openai", Model: "gpt-4o-mini"},
				},
				"standard": {
					{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
					{Provider: "openai", Model: "gpt-4o-mini"},
					{Provider: "deepseek", Model: "deepseek-chat"},
				},
				"complex": {
					{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
					{Provider: "openai", Model: "gpt-4o"},
					{Provider: "deepseek", Model: "deepseek-reasoner"},
				},
			},
			Budget:         30 * time.Second,
			WorkerPoolSize: 4,
			MaxTokens:      1024,
			Temperature:    0.3,
		},
		PipelineConfig: PipelineConfig{
			ShortTermInterval:   5 * time.Second,
			LongTermInterval:    15 * time.Second,
			AdviceTTL:           24 * time.Hour,
			ConfidenceThreshold: 0.6,
			StrategyWeights: map[string]float64{
				"intraday_breakout": 0.25,
				"ma_cross_rsi":      0.25,
				"momentum_reversal": 0.20,
				"orderflow_anomaly": 0.15,
				"news_momentum":     0.15,
			},
		},
		RiskConfig: RiskConfig{
			MaxPositionPct:       15.0,
			StopLossPct:          -10.0,
			StopWarningPct:       -8.0,
			TakeProfitPct:        20.0,
			MajorGainPct:         15.0,
			MaxHold:              10 * time.Hour,
			MaxTradesPerDay:      3,
			MaxConsecutiveLosses: 3,
			MinOpenGap:           5 * time.Minute,
		},
		BacktestConfig: BacktestConfig{
			FeeRate:      0.001,
			SlippageRate: 0.001,
			TradeLogCap:  10000,
		},
		TelegramConfig: TelegramConfig{
			Enabled:     false,
			PollTimeout: 30,
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8090,
			AllowedOrigins:  "*",
			TokenTTL:        15 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		RedisConfig: RedisConfig{
			Address: "localhost:6379",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "trading-assistant/api-keys",
		},
		ReportConfig: ReportConfig{
			Dir:       "reports",
			DailyCron: "0 0 17 * * *",
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
		SupervisorConfig: SupervisorConfig{
			PidFile:         "trading-assistant.pid",
			DrainTimeout:    5 * time.Second,
			FastCrashWindow: 60 * time.Second,
			MaxBackoff:      60 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variables on top of file values.
// Credentials are never read from config files.
func applyEnvOverrides(cfg *Config) {
	cfg.TradingConfig.Mode = getEnvOrDefault("TRADING_MODE", cfg.TradingConfig.Mode)
	cfg.TradingConfig.DisplayCurrency = getEnvOrDefault("DISPLAY_CURRENCY", cfg.TradingConfig.DisplayCurrency)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.LoggingConfig.JSONFormat)) == "true"

	cfg.LLMConfig.AnthropicAPIKey = getEnvOrDefault("ANTHROPIC_API_KEY", "")
	cfg.LLMConfig.OpenAIAPIKey = getEnvOrDefault("OPENAI_API_KEY", "")
	cfg.LLMConfig.DeepSeekAPIKey = getEnvOrDefault("DEEPSEEK_API_KEY", "")
	cfg.LLMConfig.Budget = getEnvDurationOrDefault("LLM_BUDGET", cfg.LLMConfig.Budget)
	cfg.LLMConfig.WorkerPoolSize = getEnvIntOrDefault("LLM_WORKERS", cfg.LLMConfig.WorkerPoolSize)

	cfg.TelegramConfig.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")
	if cfg.TelegramConfig.BotToken != "" {
		cfg.TelegramConfig.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "true") == "true"
	}
	if ids := os.Getenv("TELEGRAM_ALLOWED_USERS"); ids != "" {
		cfg.TelegramConfig.AllowedUsers = parseInt64List(ids)
	}

	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AuthEnabled = getEnvOrDefault("SERVER_AUTH_ENABLED", boolString(cfg.ServerConfig.AuthEnabled)) == "true"
	cfg.ServerConfig.OperatorToken = getEnvOrDefault("SERVER_OPERATOR_TOKEN", "")
	cfg.ServerConfig.JWTSecret = getEnvOrDefault("SERVER_JWT_SECRET", "")

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	if os.Getenv("REDIS_ADDR") != "" {
		cfg.RedisConfig.Enabled = true
	}

	cfg.PostgresConfig.DSN = getEnvOrDefault("POSTGRES_DSN", "")
	if cfg.PostgresConfig.DSN != "" {
		cfg.PostgresConfig.Enabled = true
	}

	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", "")
	if cfg.VaultConfig.Token != "" {
		cfg.VaultConfig.Enabled = true
	}

	cfg.NewsConfig.FeedURL = getEnvOrDefault("NEWS_FEED_URL", cfg.NewsConfig.FeedURL)
}

// Validate rejects configurations the process cannot run with. A non-nil
// return means exit code 1 at startup.
func (c *Config) Validate() error {
	switch c.TradingConfig.Mode {
	case "short_term", "long_term":
	default:
		return fmt.Errorf("trading.mode must be short_term or long_term, got %q", c.TradingConfig.Mode)
	}

	if c.RiskConfig.StopLossPct >= 0 {
		return fmt.Errorf("risk.stop_loss_pct must be negative, got %v", c.RiskConfig.StopLossPct)
	}
	if c.RiskConfig.StopWarningPct >= 0 {
		return fmt.Errorf("risk.stop_warning_pct must be negative, got %v", c.RiskConfig.StopWarningPct)
	}
	if c.RiskConfig.StopWarningPct <= c.RiskConfig.StopLossPct {
		return fmt.Errorf("risk.stop_warning_pct (%v) must be above stop_loss_pct (%v)",
			c.RiskConfig.StopWarningPct, c.RiskConfig.StopLossPct)
	}
	if c.RiskConfig.TakeProfitPct <= 0 || c.RiskConfig.MajorGainPct <= 0 {
		return fmt.Errorf("risk take-profit thresholds must be positive")
	}
	if c.RiskConfig.MajorGainPct >= c.RiskConfig.TakeProfitPct {
		return fmt.Errorf("risk.major_gain_pct (%v) must be below take_profit_pct (%v)",
			c.RiskConfig.MajorGainPct, c.RiskConfig.TakeProfitPct)
	}
	if c.RiskConfig.MaxPositionPct <= 0 || c.RiskConfig.MaxPositionPct > 100 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 100], got %v", c.RiskConfig.MaxPositionPct)
	}
	if c.RiskConfig.MaxHold <= 0 {
		return fmt.Errorf("risk.max_hold must be positive")
	}

	if c.PipelineConfig.ShortTermInterval <= 0 || c.PipelineConfig.LongTermInterval <= 0 {
		return fmt.Errorf("pipeline intervals must be positive")
	}
	if c.LLMConfig.Enabled {
		for _, class := range []string{"lightweight", "standard", "complex"} {
			if len(c.LLMConfig.TaskMap[class]) == 0 {
				return fmt.Errorf("llm.task_map missing providers for class %q", class)
			}
		}
		if c.LLMConfig.WorkerPoolSize <= 0 {
			return fmt.Errorf("llm.worker_pool must be positive")
		}
	}
	if c.TelegramConfig.Enabled && c.TelegramConfig.BotToken == "" {
		return fmt.Errorf("telegram enabled but TELEGRAM_BOT_TOKEN is not set")
	}
	if c.ServerConfig.AuthEnabled {
		if c.ServerConfig.OperatorToken == "" {
			return fmt.Errorf("server auth enabled but SERVER_OPERATOR_TOKEN is not set")
		}
		if c.ServerConfig.JWTSecret == "" {
			return fmt.Errorf("server auth enabled but SERVER_JWT_SECRET is not set")
		}
	}
	if total := len(c.AssetsConfig.EquityKR) + len(c.AssetsConfig.EquityUS) + len(c.AssetsConfig.Crypto); total == 0 {
		return fmt.Errorf("assets: at least one monitored instrument is required")
	}
	return nil
}

// TickInterval returns the pipeline cadence for the configured trading mode.
func (c *Config) TickInterval() time.Duration {
	if c.TradingConfig.Mode == "long_term" {
		return c.PipelineConfig.LongTermInterval
	}
	return c.PipelineConfig.ShortTermInterval
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func parseInt64List(s string) []int64 {
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
