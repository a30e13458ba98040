// Package vault reads bot credentials from a HashiCorp Vault KV v2 secret.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Well-known secret keys.
const (
	KeyBinanceAPIKey    = "binance_api_key"
	KeyBinanceSecretKey = "binance_secret_key"
	KeyLLMAPIKey        = "llm_api_key"
	KeyTelegramBotToken = "telegram_bot_token"
	KeyTelegramChatID   = "telegram_chat_id"
	KeyDatabaseURL      = "database_url"
)

// ErrSecretNotFound is returned when the secret path holds no data.
var ErrSecretNotFound = errors.New("secret not found")

// Config holds Vault configuration
type Config struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address" default:"http://127.0.0.1:8200"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path" default:"secret"`
	SecretPath string `json:"secret_path" yaml:"secret_path" default:"quantis-trader"`
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config Config
	mu     sync.RWMutex
	cache  map[string]string
}

// NewClient creates a new Vault client. A disabled config gives a client
// that serves only what was stored locally.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{config: cfg}
	if !cfg.Enabled {
		c.cache = make(map[string]string)
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// Secrets reads every key of the configured secret. Results are cached
// until ClearCache.
func (c *Client) Secrets(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	if c.cache != nil {
		out := copyMap(c.cache)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, c.dataPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	out := make(map[string]string, len(data))
	for k := range data {
		out[k] = getString(data, k)
	}

	c.mu.Lock()
	c.cache = out
	c.mu.Unlock()
	return copyMap(out), nil
}

// Secret returns one key of the secret; ok is false when it is absent or
// empty.
func (c *Client) Secret(ctx context.Context, key string) (string, bool, error) {
	all, err := c.Secrets(ctx)
	if err != nil {
		return "", false, err
	}
	v, ok := all[key]
	return v, ok && v != "", nil
}

// StoreSecrets writes the given keys, replacing the secret version.
func (c *Client) StoreSecrets(ctx context.Context, values map[string]string) error {
	if !c.config.Enabled {
		c.mu.Lock()
		for k, v := range values {
			c.cache[k] = v
		}
		c.mu.Unlock()
		return nil
	}

	data := make(map[string]interface{}, len(values))
	for k, v := range values {
		data[k] = v
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), map[string]interface{}{"data": data}); err != nil {
		return fmt.Errorf("failed to store secret in vault: %w", err)
	}
	c.ClearCache()
	return nil
}

// ClearCache drops cached secrets so the next read goes to Vault.
func (c *Client) ClearCache() {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func getString(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
