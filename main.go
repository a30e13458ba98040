package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantis-trader/internal/advisor"
	"quantis-trader/internal/api"
	"quantis-trader/internal/backtest"
	"quantis-trader/internal/bootstrap"
	"quantis-trader/internal/bot"
	"quantis-trader/internal/events"
	"quantis-trader/internal/history"
	"quantis-trader/internal/indicators"
	"quantis-trader/internal/metrics"
	"quantis-trader/internal/scheduler"
	"quantis-trader/internal/state"
	"quantis-trader/internal/strategy"
	"quantis-trader/internal/syncer"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := bootstrap.Load(ctx, "", "main")
	if err != nil {
		env.Fatal("Failed to start", err)
	}
	defer env.Close()

	cfg := env.Config
	logger := env.Logger
	logger.Info("Structured logging initialized")
	if !env.Notifier.Enabled() {
		logger.Warn("No notification channel configured")
	}

	historyStore := history.NewStore(env.Redis, history.Options{
		ChunkSize: cfg.RedisConfig.ChunkSize,
		Logger:    logger.WithComponent("history"),
	})
	stateStore := state.NewStore(env.Redis, logger.WithComponent("state"))
	marketClient := env.MarketClient()
	if err := env.VerifyPair(ctx, marketClient); err != nil {
		env.Fatal("Invalid trading pair", err)
	}

	syncGranularities, analysisGranularities, err := cfg.TradingConfig.Granularities()
	if err != nil {
		env.Fatal("Invalid granularities", err)
	}
	pair := cfg.TradingConfig.Pair()

	metricsRecorder := metrics.New()
	eventBus := events.NewEventBus()

	synchronizer := syncer.New(marketClient, historyStore, cfg.SyncConfig, logger.WithComponent("syncer"))
	engine := indicators.NewEngine(cfg.IndicatorConfig, logger.WithComponent("indicators"))
	signalAdvisor := advisor.NewFromConfig(cfg.AdvisorConfig, logger.WithComponent("advisor"))
	exchange := bot.NewExchange(marketClient, logger.WithComponent("exchange"))
	confirmation := strategy.New(pair, cfg.StrategyConfig, exchange, stateStore, env.Notifier, env.DB, logger.WithComponent("strategy"))

	tradingBot, err := bot.New(bot.Config{
		Pair:                  pair,
		SyncGranularities:     syncGranularities,
		AnalysisGranularities: analysisGranularities,
		StreamEnabled:         cfg.TradingConfig.StreamEnabled,
		StreamURL:             cfg.TradingConfig.StreamURL,
	}, bot.Deps{
		Store:    historyStore,
		Syncer:   synchronizer,
		Engine:   engine,
		Advisor:  signalAdvisor,
		Strategy: confirmation,
		Exchange: exchange,
		Notifier: env.Notifier,
		Metrics:  metricsRecorder,
		Events:   eventBus,
		Logger:   logger.WithComponent("bot"),
	})
	if err != nil {
		env.Fatal("Failed to initialize trading bot", err)
	}

	sched, err := scheduler.New(ctx, cfg.SchedulerConfig.Spec, func(ctx context.Context) {
		tradingBot.RunCycle(ctx)
	}, logger.WithComponent("scheduler"))
	if err != nil {
		env.Fatal("Failed to create scheduler", err)
	}

	// Status API
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, api.Deps{
			Bot:        tradingBot,
			Candles:    historyStore,
			Positions:  stateStore,
			Journal:    env.DB,
			Backtester: backtest.New(historyStore, logger.WithComponent("backtest")),
			Metrics:    metricsRecorder,
			Events:     eventBus,
			Checks: map[string]api.HealthCheck{
				"redis":    env.RedisHealth,
				"database": env.DB.HealthCheck,
			},
			Logger: logger.WithComponent("api"),
		})
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Web server stopped", "error", err)
			}
		}()
	}

	tradingBot.Start(ctx)
	sched.Start(cfg.SchedulerConfig.RunAtStart)
	logger.Info("Scheduler started",
		"symbol", pair.Symbol,
		"spec", cfg.SchedulerConfig.Spec,
		"next_run", sched.NextRun())

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Let a running cycle finish before cancelling the root context.
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler did not stop cleanly", "error", err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Web server shutdown failed", "error", err)
		}
	}
	tradingBot.Stop(shutdownCtx)
	cancel()

	logger.Info("Shutdown complete")
}
