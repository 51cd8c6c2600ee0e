package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/anomaly"
	"trading-assistant/internal/backtest"
	"trading-assistant/internal/conversation"
	"trading-assistant/internal/events"
	"trading-assistant/internal/llm"
	"trading-assistant/internal/logging"
	"trading-assistant/internal/market"
	"trading-assistant/internal/news"
	"trading-assistant/internal/notification"
	"trading-assistant/internal/pipeline"
	"trading-assistant/internal/position"
	"trading-assistant/internal/report"
	"trading-assistant/internal/secrets"
	"trading-assistant/internal/server"
	"trading-assistant/internal/storage"
	"trading-assistant/internal/supervisor"
	"trading-assistant/internal/telegram"
)

// Process exit codes.
const (
	exitOK         = 0
	exitConfig     = 1 // unusable configuration, do not restart blindly
	exitDependency = 2 // required external dependency failed
)

func main() {
	os.Exit(run())
}

func run() int {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		return exitConfig
	}

	logger, err := logging.New(cfg.LoggingConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Vault backfills secrets the environment left empty. Enabled but
	// unreachable is fatal: continuing without credentials would fail
	// later in a harder-to-diagnose place.
	if err := secrets.Load(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("loading secrets from vault failed")
		return exitDependency
	}

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("configuration invalid")
		return exitConfig
	}

	logger.Info().
		Str("mode", cfg.TradingConfig.Mode).
		Str("display_currency", cfg.TradingConfig.DisplayCurrency).
		Dur("tick_interval", cfg.TickInterval()).
		Msg("starting trading assistant")

	bus := events.NewEventBus()

	catalog, err := market.LoadCatalog(cfg.AssetsConfig.CatalogPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.AssetsConfig.CatalogPath).Msg("loading asset catalog failed")
		return exitConfig
	}
	assets := catalog.Resolve(cfg.AssetsConfig.EquityKR, cfg.AssetsConfig.EquityUS, cfg.AssetsConfig.Crypto)
	if len(assets) == 0 {
		logger.Error().Msg("no monitored assets resolved; check assets config against the catalog")
		return exitConfig
	}
	logger.Info().Int("assets", len(assets)).Msg("watchlist resolved")

	hub := market.NewHub(cfg.MarketConfig, bus, logger)
	hub.Register(market.NewKRXAdapter(""))
	hub.Register(market.NewYahooAdapter(""))
	hub.Register(market.NewUpbitAdapter("", logger))

	rates := market.NewRateTable(cfg.CurrencyConfig, logger)
	if err := rates.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial currency refresh failed, fallback rates in effect")
	}

	var store *storage.RedisStore
	if cfg.RedisConfig.Enabled {
		store, err = storage.NewRedisStore(cfg.RedisConfig, logger)
		if err != nil {
			logger.Error().Err(err).Str("addr", cfg.RedisConfig.Address).Msg("connecting to redis failed")
			return exitDependency
		}
		defer store.Close()
		hub.SetCache(store)
	}

	var archive *storage.PostgresArchive
	if cfg.PostgresConfig.Enabled {
		archive, err = storage.NewPostgresArchive(ctx, cfg.PostgresConfig, logger)
		if err != nil {
			logger.Error().Err(err).Msg("connecting to postgres failed")
			return exitDependency
		}
		defer archive.Close()
	}

	tracker := position.NewTracker(cfg.RiskConfig, cfg.BacktestConfig.FeeRate, cfg.BacktestConfig.TradeLogCap, bus, logger)
	if archive != nil {
		tracker.SetArchive(archive)
	}
	if store != nil {
		tracker.SetCheckpointStore(store)
		if err := tracker.Restore(ctx); err != nil {
			logger.Warn().Err(err).Msg("restoring positions failed, starting empty")
		}
		seedDailyCount(ctx, tracker, store, logger)
		bus.Subscribe(events.EventPositionClosed, func(events.Event) {
			day := time.Now().Format("2006-01-02")
			if err := store.IncrDailyTrades(context.Background(), day); err != nil {
				logger.Warn().Err(err).Msg("persisting daily trade count failed")
			}
		})
	}

	detector := anomaly.NewDetector(cfg.AnomalyConfig, logger)
	monitor := news.NewMonitor(cfg.NewsConfig, logger)

	llmRouter, err := llm.NewRouter(cfg.LLMConfig, logger)
	if err != nil {
		logger.Error().Err(err).Msg("initializing llm router failed")
		return exitConfig
	}

	pipe := pipeline.New(*cfg, assets, hub, detector, llmRouter, monitor, tracker, bus, logger)
	runner := backtest.NewRunner(hub, cfg.BacktestConfig, cfg.RiskConfig, logger)

	convRouter := conversation.NewRouter(catalog, hub, tracker, pipe, runner, llmRouter, cfg.TelegramConfig.AllowedUsers, logger)
	convRouter.SetDisplay(rates, cfg.TradingConfig.DisplayCurrency)

	notify := notification.NewManager(cfg.NotificationConfig.Enabled, logger)
	if cfg.NotificationConfig.Telegram.Enabled {
		notify.AddNotifier(notification.NewTelegramNotifier(cfg.TelegramConfig.BotToken, cfg.NotificationConfig.Telegram))
	}
	if cfg.NotificationConfig.Discord.Enabled {
		notify.AddNotifier(notification.NewDiscordNotifier(cfg.NotificationConfig.Discord))
	}
	notify.SubscribeBus(bus)

	writer := report.NewWriter(cfg.ReportConfig, logger)
	var trades report.TradeSource
	if archive != nil {
		trades = archive
	}
	daily := report.NewDaily(writer, tracker, trades, llmRouter, notify, logger)

	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(cfg.CurrencyConfig.RefreshCron, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rates.Refresh(rctx); err != nil {
			logger.Warn().Err(err).Msg("scheduled currency refresh failed")
		}
	}); err != nil {
		logger.Error().Err(err).Str("spec", cfg.CurrencyConfig.RefreshCron).Msg("invalid currency refresh cron")
		return exitConfig
	}
	if _, err := sched.AddFunc(cfg.ReportConfig.DailyCron, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		path, err := daily.Run(rctx)
		if err != nil {
			logger.Error().Err(err).Msg("daily report failed")
			return
		}
		logger.Info().Str("path", path).Msg("daily report written")
	}); err != nil {
		logger.Error().Err(err).Str("spec", cfg.ReportConfig.DailyCron).Msg("invalid daily report cron")
		return exitConfig
	}
	sched.Start()
	defer sched.Stop()

	sup := supervisor.New(cfg.SupervisorConfig, bus, logger)
	sup.Add("pipeline", pipe.Run)
	sup.Add("news", func(ctx context.Context) error {
		return monitor.Run(ctx, assets)
	})

	if cfg.TelegramConfig.Enabled {
		bot := telegram.NewBot(cfg.TelegramConfig, convRouter.HandleMessage, logger)
		sup.Add("telegram", bot.Run)
	}

	var crypto []market.Asset
	for _, a := range assets {
		if a.Class == market.ClassCrypto {
			crypto = append(crypto, a)
		}
	}
	if len(crypto) > 0 {
		sup.Add("crypto-stream", func(ctx context.Context) error {
			return hub.StreamCrypto(ctx, crypto, func(q market.Quote) {
				tracker.Mark(q)
			})
		})
	}

	if cfg.ServerConfig.Enabled {
		srv, err := server.NewServer(cfg.ServerConfig, cfg.TradingConfig.Mode, catalog, tracker, pipe.History(), runner, logger)
		if err != nil {
			logger.Error().Err(err).Msg("initializing ops server failed")
			return exitConfig
		}
		sup.Add("server", func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerConfig.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, supervisor.ErrDrainTimeout) {
			logger.Error().Err(err).Msg("shutdown drain incomplete")
			return exitDependency
		}
		logger.Error().Err(err).Msg("supervisor failed")
		return exitDependency
	}
	logger.Info().Msg("shutdown complete")
	return exitOK
}

// seedDailyCount restores today's closed-trade count so the daily cap
// keeps counting across restarts.
func seedDailyCount(ctx context.Context, tracker *position.Tracker, store *storage.RedisStore, logger zerolog.Logger) {
	day := time.Now().Format("2006-01-02")
	n, err := store.DailyTrades(ctx, day)
	if err != nil {
		logger.Warn().Err(err).Msg("reading daily trade count failed")
		return
	}
	if n > 0 {
		tracker.RestoreDailyCount(day, n)
	}
}
