package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"quantis-trader/internal/logging"
)

func TestEscapeMarkdownV2(t *testing.T) {
	got := EscapeMarkdownV2("BTC-USDT 1.5% (up)!")
	want := `BTC\-USDT 1\.5% \(up\)\!`
	if got != want {
		t.Fatalf("Expected %q, got %q", want, got)
	}
}

func TestTelegramSendsSilentMarkdownV2(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&payload)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(TelegramConfig{BotToken: "token", ChatID: "42", Enabled: true, APIURL: srv.URL})
	m := NewManager(logging.Nop())
	m.AddProvider(tg)

	if err := m.Notify(context.Background(), "balance 9.5 < 10", true); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if payload["disable_notification"] != true {
		t.Fatalf("Expected silent message, got %v", payload["disable_notification"])
	}
	if payload["parse_mode"] != "MarkdownV2" {
		t.Fatalf("Expected MarkdownV2, got %v", payload["parse_mode"])
	}
	if payload["text"] != `balance 9\.5 < 10` {
		t.Fatalf("Expected escaped text, got %v", payload["text"])
	}
}

func TestTelegramAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: can't parse entities"}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(TelegramConfig{BotToken: "token", ChatID: "42", Enabled: true, APIURL: srv.URL})
	if err := tg.Send(context.Background(), &Notification{Message: "x"}); err == nil {
		t.Fatal("Expected error from failed Telegram call")
	}
}

func TestTelegramDisabledWithoutToken(t *testing.T) {
	tg := NewTelegramNotifier(TelegramConfig{ChatID: "42", Enabled: true})
	if tg.IsEnabled() {
		t.Fatal("Expected notifier without token to be disabled")
	}
}

type recordingProvider struct {
	name    string
	enabled bool
	err     error
	sent    []*Notification
}

func (p *recordingProvider) Send(ctx context.Context, n *Notification) error {
	p.sent = append(p.sent, n)
	return p.err
}
func (p *recordingProvider) Name() string { return p.name }
func (p *recordingProvider) IsEnabled() bool { return p.enabled }

func TestManagerFansOutAndJoinsErrors(t *testing.T) {
	ok := &recordingProvider{name: "ok", enabled: true}
	failing := &recordingProvider{name: "failing", enabled: true, err: errors.New("down")}
	off := &recordingProvider{name: "off"}

	m := NewManager(logging.Nop())
	m.AddProvider(ok)
	m.AddProvider(failing)
	m.AddProvider(off)

	err := m.SendAlert(context.Background(), "Insufficient balance", "USDT 5 < 10")
	if err == nil {
		t.Fatal("Expected joined error")
	}
	if len(ok.sent) != 1 || len(failing.sent) != 1 || len(off.sent) != 0 {
		t.Fatalf("Unexpected deliveries ok=%d failing=%d off=%d", len(ok.sent), len(failing.sent), len(off.sent))
	}
	if !ok.sent[0].Silent || ok.sent[0].Type != NotifyAlert {
		t.Fatalf("Expected silent alert, got %+v", ok.sent[0])
	}
}

func TestDiscordWebhook(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	if err := d.Send(context.Background(), &Notification{Type: NotifyError, Title: "Cycle failed", Message: "boom", Silent: true}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	embeds, _ := payload["embeds"].([]interface{})
	if len(embeds) != 1 {
		t.Fatalf("Expected one embed, got %v", payload)
	}
	if payload["flags"] != float64(4096) {
		t.Fatalf("Expected suppress flag, got %v", payload["flags"])
	}
}
