package vault

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecretsFromKV2(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/v1/secret/data/quantis-trader" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			t.Errorf("Expected token header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"data":{"binance_api_key":"k","telegram_chat_id":12345,"llm_api_key":""},"metadata":{"version":3}}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Enabled: true, Address: srv.URL, Token: "root", MountPath: "secret", SecretPath: "quantis-trader"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx := context.Background()
	key, ok, err := c.Secret(ctx, KeyBinanceAPIKey)
	if err != nil || !ok || key != "k" {
		t.Fatalf("Expected binance key, got %q ok=%v err=%v", key, ok, err)
	}
	chat, ok, _ := c.Secret(ctx, KeyTelegramChatID)
	if !ok || chat != "12345" {
		t.Fatalf("Expected numeric chat id as string, got %q", chat)
	}
	if _, ok, _ := c.Secret(ctx, KeyLLMAPIKey); ok {
		t.Fatal("Expected empty value to count as absent")
	}
	if calls != 1 {
		t.Fatalf("Expected cached reads, got %d calls", calls)
	}
}

func TestSecretsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{Enabled: true, Address: srv.URL, Token: "root", MountPath: "secret", SecretPath: "missing"})
	if _, err := c.Secrets(context.Background()); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Expected ErrSecretNotFound, got %v", err)
	}
}

func TestDisabledClientUsesLocalStore(t *testing.T) {
	c, err := NewClient(Config{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx := context.Background()
	if err := c.StoreSecrets(ctx, map[string]string{KeyTelegramBotToken: "tok"}); err != nil {
		t.Fatalf("StoreSecrets failed: %v", err)
	}
	got, ok, err := c.Secret(ctx, KeyTelegramBotToken)
	if err != nil || !ok || got != "tok" {
		t.Fatalf("Expected stored token, got %q ok=%v err=%v", got, ok, err)
	}
	if err := c.Health(ctx); err != nil {
		t.Fatalf("Expected disabled health to pass, got %v", err)
	}
}
