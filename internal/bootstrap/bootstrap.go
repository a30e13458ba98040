// Package bootstrap loads configuration and opens the shared stores used by
// the daemon and the command line tools.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"quantis-trader/config"
	"quantis-trader/internal/binance"
	"quantis-trader/internal/database"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/notification"
	"quantis-trader/internal/vault"
)

// ErrPairMismatch means the configured base/quote assets are not the ones the
// exchange lists for the symbol.
var ErrPairMismatch = errors.New("configured assets do not match exchange symbol")

// Env holds what every entry point needs after startup.
type Env struct {
	Config   *config.Config
	Logger   *logging.Logger
	Notifier *notification.Manager
	DB       database.Store
	Redis    *redis.Client
}

// Load reads the configuration, sets up logging, applies Vault secrets and
// the settings table, and connects to Redis. An unreachable Redis is logged,
// not returned.
func Load(ctx context.Context, configPath, component string) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.LoggingConfig
	logCfg.Component = component
	logger := logging.New(&logCfg)
	logging.SetDefault(logger)

	env := &Env{Config: cfg, Logger: logger}

	if cfg.VaultConfig.Enabled {
		client, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return env, fmt.Errorf("failed to create vault client: %w", err)
		}
		applied, err := cfg.ApplySecrets(ctx, client)
		if err != nil {
			return env, err
		}
		logger.Info("Secrets loaded from Vault", "keys", len(applied))
	}

	env.Notifier = notification.NewManager(logger.WithComponent("notification"))
	env.Notifier.AddProvider(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
	if cfg.NotificationConfig.Discord.Enabled {
		env.Notifier.AddProvider(notification.NewDiscordNotifier(cfg.NotificationConfig.Discord))
	}

	env.DB, err = database.Open(ctx, cfg.DatabaseConfig.URL, logger.WithComponent("database"))
	if err != nil {
		return env, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := cfg.ApplySettings(ctx, env.DB); err != nil {
		return env, fmt.Errorf("failed to load settings: %w", err)
	}

	env.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Addr(),
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.Redis.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis not reachable", "addr", cfg.RedisConfig.Addr(), "error", err)
	} else {
		logger.Info("Connected to Redis", "addr", cfg.RedisConfig.Addr(), "db", cfg.RedisConfig.DB)
	}
	return env, nil
}

// MarketClient returns the Binance client, or the simulated one in mock mode.
func (e *Env) MarketClient() binance.MarketClient {
	bc := e.Config.BinanceConfig
	if bc.MockMode {
		e.Logger.Warn("Binance mock mode enabled, using simulated market data")
		return binance.NewMockClient()
	}
	return binance.NewClient(bc.APIKey, bc.SecretKey, bc.BaseURL, binance.WithRateLimiter(bc.RateLimiter()))
}

// VerifyPair checks the configured pair against the exchange's symbol info.
// A mismatch would make every held-asset read fail, so it is returned; an
// unreachable exchange is only logged.
func (e *Env) VerifyPair(ctx context.Context, client binance.MarketClient) error {
	pair := e.Config.TradingConfig.Pair()
	info, err := client.GetSymbolInfo(ctx, pair.Symbol)
	if err != nil {
		e.Logger.Warn("Could not verify trading pair", "symbol", pair.Symbol, "error", err)
		return nil
	}
	if info.BaseAsset != pair.Base || info.QuoteAsset != pair.Quote {
		return fmt.Errorf("%w: %s is %s/%s, configured %s/%s", ErrPairMismatch,
			pair.Symbol, info.BaseAsset, info.QuoteAsset, pair.Base, pair.Quote)
	}
	if info.Status != "" && info.Status != "TRADING" {
		e.Logger.Warn("Symbol is not trading", "symbol", pair.Symbol, "status", info.Status)
	}
	return nil
}

// RedisHealth pings Redis.
func (e *Env) RedisHealth(ctx context.Context) error {
	return e.Redis.Ping(ctx).Err()
}

// Close releases the database and Redis connections.
func (e *Env) Close() {
	if e == nil {
		return
	}
	if e.Redis != nil {
		e.Redis.Close()
	}
	if e.DB != nil {
		e.DB.Close()
	}
}

// Fatal sends a best-effort notification, then logs and exits. It works on
// a nil or partially loaded Env.
func (e *Env) Fatal(msg string, err error) {
	logger := logging.Default()
	var notifier notification.Notifier = envNotifier()
	if e != nil {
		if e.Logger != nil {
			logger = e.Logger
		}
		if e.Notifier != nil && e.Notifier.Enabled() {
			notifier = e.Notifier
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if nerr := notifier.Notify(ctx, fmt.Sprintf("quantis-trader failed: %s: %v", msg, err), false); nerr != nil {
		logger.Warn("Failed to send failure notification", "error", nerr)
	}
	cancel()
	e.Close()
	logger.Fatal(msg, "error", err)
}

// envNotifier reads Telegram credentials straight from the environment so
// failures can be reported before configuration is usable.
func envNotifier() *notification.Manager {
	m := notification.NewManager(logging.WithComponent("notification"))
	m.AddProvider(notification.NewTelegramNotifier(notification.TelegramConfig{
		BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		ChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		Enabled:  true,
	}))
	return m
}
