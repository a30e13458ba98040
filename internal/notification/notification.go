package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"quantis-trader/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal   NotificationType = "signal"
	NotifyTrade    NotificationType = "trade"
	NotifyAlert    NotificationType = "alert"
	NotifyError    NotificationType = "error"
	NotifyCritical NotificationType = "critical"
	NotifyInfo     NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Silent    bool
	Timestamp time.Time
}

// Notifier is what the trading core talks to. Failures are returned for
// logging only; callers never act on them.
type Notifier interface {
	Notify(ctx context.Context, text string, silent bool) error
}

// Provider is one delivery channel.
type Provider interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider.
type Manager struct {
	providers []Provider
	logger    *logging.Logger
}

// NewManager creates a new notification manager
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.WithComponent("notification")
	}
	return &Manager{logger: logger}
}

// AddProvider adds a notification provider
func (m *Manager) AddProvider(p Provider) {
	m.providers = append(m.providers, p)
}

// Enabled reports whether any provider will deliver.
func (m *Manager) Enabled() bool {
	for _, p := range m.providers {
		if p.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	var errs []error
	for _, p := range m.providers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			m.logger.WithField("provider", p.Name()).Warn("notification failed", "type", string(n.Type), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Notify sends plain text.
func (m *Manager) Notify(ctx context.Context, text string, silent bool) error {
	return m.Send(ctx, &Notification{Type: NotifyInfo, Message: text, Silent: silent})
}

// SendSignal sends the oracle signal and its rationale
func (m *Manager) SendSignal(ctx context.Context, symbol, signal, rationale string) error {
	msg := fmt.Sprintf("Oracle signal for %s: %s", symbol, signal)
	if rationale != "" {
		msg += "\nRationale: " + rationale
	}
	return m.Send(ctx, &Notification{
		Type:    NotifySignal,
		Title:   fmt.Sprintf("Signal: %s", symbol),
		Message: msg,
		Symbol:  symbol,
	})
}

// SendAlert sends a silent, non-actionable alert
func (m *Manager) SendAlert(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{Type: NotifyAlert, Title: title, Message: message, Silent: true})
}

// SendError sends an error notification
func (m *Manager) SendError(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{Type: NotifyError, Title: title, Message: message})
}

// SendCritical sends a critical failure notification
func (m *Manager) SendCritical(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{Type: NotifyCritical, Title: "CRITICAL: " + title, Message: message})
}

// EscapeMarkdownV2 escapes Telegram MarkdownV2 special characters.
func EscapeMarkdownV2(text string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(special, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiURL   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
	Enabled  bool   `json:"enabled" yaml:"enabled" default:"true"`
	APIURL   string `json:"api_url" yaml:"api_url"`
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	api := config.APIURL
	if api == "" {
		api = DefaultTelegramAPI
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiURL:   strings.TrimRight(api, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := EscapeMarkdownV2(notification.Message)
	if notification.Title != "" {
		message = fmt.Sprintf("*%s*\n\n%s", EscapeMarkdownV2(notification.Title), message)
	}

	payload := map[string]interface{}{
		"chat_id":              t.chatID,
		"text":                 message,
		"parse_mode":           "MarkdownV2",
		"disable_notification": notification.Silent,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("failed to decode telegram response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !tr.OK {
		return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, tr.Description)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch notification.Type {
	case NotifyError, NotifyCritical:
		color = 0xFF0000 // Red
	case NotifyAlert:
		color = 0xFFA500 // Orange
	}

	title := notification.Title
	if title == "" {
		title = string(notification.Type)
	}
	embed := map[string]interface{}{
		"title":       title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	if notification.Silent {
		// SUPPRESS_NOTIFICATIONS
		payload["flags"] = 1 << 12
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
