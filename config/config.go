package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quantis-trader/internal/advisor"
	"quantis-trader/internal/api"
	"quantis-trader/internal/backtest"
	"quantis-trader/internal/binance"
	"quantis-trader/internal/database"
	"quantis-trader/internal/indicators"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
	"quantis-trader/internal/notification"
	"quantis-trader/internal/state"
	"quantis-trader/internal/strategy"
	"quantis-trader/internal/syncer"
	"quantis-trader/internal/vault"
)

// Settings table keys overlaid onto the Redis connection.
const (
	SettingRedisHost = "redis_host"
	SettingRedisPort = "redis_port"
	SettingRedisDB   = "redis_db"
)

// DefaultFiles are tried in order when no config path is given.
var DefaultFiles = []string{"config.json", "config.yaml", "config.yml"}

type Config struct {
	TradingConfig      TradingConfig       `json:"trading" yaml:"trading"`
	BinanceConfig      BinanceConfig       `json:"binance" yaml:"binance"`
	RedisConfig        RedisConfig         `json:"redis" yaml:"redis"`
	DatabaseConfig     DatabaseConfig      `json:"database" yaml:"database"`
	AdvisorConfig      advisor.Config      `json:"advisor" yaml:"advisor"`
	StrategyConfig     strategy.Thresholds `json:"strategy" yaml:"strategy"`
	IndicatorConfig    indicators.Params   `json:"indicators" yaml:"indicators"`
	SyncConfig         syncer.Config       `json:"sync" yaml:"sync"`
	BackfillConfig     BackfillConfig      `json:"backfill" yaml:"backfill"`
	BacktestConfig     backtest.Config     `json:"backtest" yaml:"backtest"`
	SchedulerConfig    SchedulerConfig     `json:"scheduler" yaml:"scheduler"`
	ServerConfig       api.ServerConfig    `json:"server" yaml:"server"`
	NotificationConfig NotificationConfig  `json:"notification" yaml:"notification"`
	LoggingConfig      logging.Config      `json:"logging" yaml:"logging"`
	VaultConfig        vault.Config        `json:"vault" yaml:"vault"`
}

// TradingConfig selects the pair and the tracked granularities.
type TradingConfig struct {
	Symbol                string   `json:"symbol" yaml:"symbol" default:"BTCUSDT" validate:"required,uppercase"`
	BaseAsset             string   `json:"base_asset" yaml:"base_asset" default:"BTC" validate:"required"`
	QuoteAsset            string   `json:"quote_asset" yaml:"quote_asset" default:"USDT" validate:"required,nefield=BaseAsset"`
	SyncGranularities     []string `json:"sync_granularities" yaml:"sync_granularities" default:"[\"1M\",\"1d\",\"1h\",\"15m\",\"1m\"]" validate:"min=1"`
	AnalysisGranularities []string `json:"analysis_granularities" yaml:"analysis_granularities" default:"[\"1h\",\"15m\",\"1m\"]" validate:"min=1"`
	// StreamEnabled stores closed klines from the websocket between cycles.
	StreamEnabled bool   `json:"stream_enabled" yaml:"stream_enabled"`
	StreamURL     string `json:"stream_url" yaml:"stream_url" default:"wss://stream.binance.com:9443"`
}

// Pair returns the traded pair.
func (t TradingConfig) Pair() state.Pair {
	return state.Pair{Symbol: t.Symbol, Base: t.BaseAsset, Quote: t.QuoteAsset}
}

// Granularities parses the sync and analysis sets.
func (t TradingConfig) Granularities() (sync, analysis []market.Granularity, err error) {
	if sync, err = market.ParseGranularities(t.SyncGranularities); err != nil {
		return nil, nil, fmt.Errorf("sync_granularities: %w", err)
	}
	if analysis, err = market.ParseGranularities(t.AnalysisGranularities); err != nil {
		return nil, nil, fmt.Errorf("analysis_granularities: %w", err)
	}
	return sync, analysis, nil
}

type BinanceConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	BaseURL   string `json:"base_url" yaml:"base_url" default:"https://api.binance.com" validate:"url"`
	MockMode  bool   `json:"mock_mode" yaml:"mock_mode"` // Use simulated data when Binance API is unavailable
	// Request pacing for the REST client.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" default:"10" validate:"gt=0"`
	Burst             int     `json:"burst" yaml:"burst" default:"20" validate:"gt=0"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host" yaml:"host" default:"localhost" validate:"required"`
	Port     int    `json:"port" yaml:"port" default:"6379" validate:"gt=0,lte=65535"`
	DB       int    `json:"db" yaml:"db" validate:"gte=0"`
	Password string `json:"password" yaml:"password"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" default:"10" validate:"gt=0"`
	// ChunkSize bounds candles per upsert transaction.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size" default:"5000" validate:"gt=0"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type DatabaseConfig struct {
	// URL is sqlite:///path or postgres://...
	URL string `json:"url" yaml:"url" default:"sqlite:///./quantis_trader.db" validate:"required"`
}

type BackfillConfig struct {
	// StartDate is the first day fetched for an empty series (YYYY-MM-DD).
	StartDate string        `json:"start_date" yaml:"start_date" default:"2017-01-01" validate:"datetime=2006-01-02"`
	PageSize  int           `json:"page_size" yaml:"page_size" default:"1000" validate:"gt=0,lte=1000"`
	TaskDelay time.Duration `json:"task_delay" yaml:"task_delay" default:"2s"`
	MaxPages  int           `json:"max_pages" yaml:"max_pages" validate:"gte=0"`
}

// Syncer converts to the backfiller configuration.
func (b BackfillConfig) Syncer() (syncer.BackfillConfig, error) {
	start, err := time.Parse("2006-01-02", b.StartDate)
	if err != nil {
		return syncer.BackfillConfig{}, fmt.Errorf("backfill start_date: %w", err)
	}
	return syncer.BackfillConfig{
		Start:     start.UTC(),
		PageSize:  b.PageSize,
		TaskDelay: b.TaskDelay,
		MaxPages:  b.MaxPages,
	}, nil
}

type SchedulerConfig struct {
	Spec string `json:"spec" yaml:"spec" default:"@every 15m" validate:"required"`
	// RunAtStart runs the first cycle immediately.
	RunAtStart bool `json:"run_at_start" yaml:"run_at_start" default:"true"`
}

type NotificationConfig struct {
	Telegram notification.TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord" yaml:"discord"`
}

var validate = validator.New()

// Load reads .env, then the config file, then environment overrides, and
// validates the result. An empty path tries DefaultFiles and CONFIG_FILE;
// a missing default file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	// Defaults first so the file can switch default-true flags off.
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("error applying defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		for _, name := range DefaultFiles {
			err := loadFromFile(name, cfg)
			if err == nil {
				break
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the granularity labels.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, _, err := c.TradingConfig.Granularities(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.StrategyConfig.Confirmation.Valid() {
		return fmt.Errorf("invalid configuration: unknown confirmation granularity %q", c.StrategyConfig.Confirmation)
	}
	return nil
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, cfg)
	default:
		err = json.Unmarshal(file, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Trading
	cfg.TradingConfig.Symbol = getEnvOrDefault("SYMBOL", cfg.TradingConfig.Symbol)
	cfg.TradingConfig.BaseAsset = getEnvOrDefault("BASE_ASSET", cfg.TradingConfig.BaseAsset)
	cfg.TradingConfig.QuoteAsset = getEnvOrDefault("QUOTE_ASSET", cfg.TradingConfig.QuoteAsset)
	cfg.TradingConfig.SyncGranularities = getEnvListOrDefault("SYNC_GRANULARITIES", cfg.TradingConfig.SyncGranularities)
	cfg.TradingConfig.AnalysisGranularities = getEnvListOrDefault("ANALYSIS_GRANULARITIES", cfg.TradingConfig.AnalysisGranularities)
	cfg.TradingConfig.StreamEnabled = getEnvBoolOrDefault("STREAM_ENABLED", cfg.TradingConfig.StreamEnabled)

	// Binance
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.BinanceConfig.MockMode)

	// Redis
	cfg.RedisConfig.Host = getEnvOrDefault("REDIS_HOST", cfg.RedisConfig.Host)
	cfg.RedisConfig.Port = getEnvIntOrDefault("REDIS_PORT", cfg.RedisConfig.Port)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Database
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	// Advisor; GEMINI_API_KEY is kept for the default provider.
	client := &cfg.AdvisorConfig.Client
	client.Provider = advisor.Provider(getEnvOrDefault("LLM_PROVIDER", string(client.Provider)))
	client.APIKey = getEnvOrDefault("GEMINI_API_KEY", client.APIKey)
	client.APIKey = getEnvOrDefault("LLM_API_KEY", client.APIKey)
	client.Model = getEnvOrDefault("LLM_MODEL", client.Model)
	client.Endpoint = getEnvOrDefault("LLM_ENDPOINT", client.Endpoint)
	cfg.AdvisorConfig.RateLimitPerMin = getEnvIntOrDefault("LLM_RATE_LIMIT_PER_MIN", cfg.AdvisorConfig.RateLimitPerMin)

	// Strategy
	cfg.StrategyConfig.RiskFraction = getEnvFloatOrDefault("RISK_FRACTION", cfg.StrategyConfig.RiskFraction)
	cfg.StrategyConfig.Confirmation = market.Granularity(getEnvOrDefault("CONFIRMATION_GRANULARITY", string(cfg.StrategyConfig.Confirmation)))

	// Scheduler
	cfg.SchedulerConfig.Spec = getEnvOrDefault("SCHEDULE", cfg.SchedulerConfig.Spec)
	cfg.SchedulerConfig.RunAtStart = getEnvBoolOrDefault("RUN_AT_START", cfg.SchedulerConfig.RunAtStart)

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("WEB_PRODUCTION", cfg.ServerConfig.ProductionMode)

	// Notifications
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)
}

// SecretSource yields named secrets such as the Vault client.
type SecretSource interface {
	Secrets(ctx context.Context) (map[string]string, error)
}

// ApplySecrets overwrites credentials with the non-empty values from src.
// It returns the keys that were applied.
func (c *Config) ApplySecrets(ctx context.Context, src SecretSource) ([]string, error) {
	secrets, err := src.Secrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	targets := map[string]*string{
		vault.KeyBinanceAPIKey:    &c.BinanceConfig.APIKey,
		vault.KeyBinanceSecretKey: &c.BinanceConfig.SecretKey,
		vault.KeyLLMAPIKey:        &c.AdvisorConfig.Client.APIKey,
		vault.KeyTelegramBotToken: &c.NotificationConfig.Telegram.BotToken,
		vault.KeyTelegramChatID:   &c.NotificationConfig.Telegram.ChatID,
		vault.KeyDatabaseURL:      &c.DatabaseConfig.URL,
	}
	var applied []string
	for key, dst := range targets {
		if v := secrets[key]; v != "" {
			*dst = v
			applied = append(applied, key)
		}
	}
	return applied, nil
}

// ApplySettings overlays the Redis connection with the settings table. Keys
// missing from the table are seeded with the current values.
func (c *Config) ApplySettings(ctx context.Context, store database.Store) error {
	values, err := database.LoadOrSeed(ctx, store, map[string]string{
		SettingRedisHost: c.RedisConfig.Host,
		SettingRedisPort: strconv.Itoa(c.RedisConfig.Port),
		SettingRedisDB:   strconv.Itoa(c.RedisConfig.DB),
	})

	c.RedisConfig.Host = values[SettingRedisHost]
	port, perr := strconv.Atoi(values[SettingRedisPort])
	if perr != nil {
		return fmt.Errorf("setting %s: %w", SettingRedisPort, perr)
	}
	db, derr := strconv.Atoi(values[SettingRedisDB])
	if derr != nil {
		return fmt.Errorf("setting %s: %w", SettingRedisDB, derr)
	}
	c.RedisConfig.Port = port
	c.RedisConfig.DB = db
	return err
}

// RateLimiter builds the Binance request limiter.
func (b BinanceConfig) RateLimiter() *binance.RateLimiter {
	return binance.NewRateLimiter(b.RequestsPerSecond, b.Burst)
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

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma separated variable.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GenerateSampleConfig writes a YAML or JSON file with the default values.
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
