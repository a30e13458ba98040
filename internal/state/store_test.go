package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quantis-trader/internal/logging"
)

var btc = Pair{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, logging.Nop()), mr
}

func TestHeldAssetDefaultsToQuoteAndPersists(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	h, err := s.HeldAsset(ctx, btc)
	if err != nil {
		t.Fatalf("HeldAsset failed: %v", err)
	}
	if h != Quote {
		t.Fatalf("Expected QUOTE default, got %s", h)
	}

	got, err := mr.Get("state:position_asset:BTCUSDT")
	if err != nil {
		t.Fatalf("Expected default written to Redis: %v", err)
	}
	if got != "USDT" {
		t.Fatalf("Expected stored ticker USDT, got %q", got)
	}
}

func TestSetHeldAssetRoundTrip(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SetHeldAsset(ctx, btc, Base); err != nil {
		t.Fatalf("SetHeldAsset failed: %v", err)
	}
	if v, _ := mr.Get("state:position_asset:BTCUSDT"); v != "BTC" {
		t.Fatalf("Expected BTC stored, got %q", v)
	}

	h, err := s.HeldAsset(ctx, btc)
	if err != nil || h != Base {
		t.Fatalf("Expected BASE, got %s (%v)", h, err)
	}
}

func TestHeldAssetRejectsForeignTicker(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Set("state:position_asset:BTCUSDT", "ETH")

	if _, err := s.HeldAsset(context.Background(), btc); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("Expected ErrUnknownAsset, got %v", err)
	}
}

func TestSetWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "last_signal:BTCUSDT", "BUY", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := mr.TTL("state:last_signal:BTCUSDT"); ttl != time.Minute {
		t.Fatalf("Expected 1m TTL, got %v", ttl)
	}

	v, ok, err := s.Get(ctx, "last_signal:BTCUSDT")
	if err != nil || !ok || v != "BUY" {
		t.Fatalf("Expected BUY, got %q ok=%v err=%v", v, ok, err)
	}

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("Expected missing context to be absent")
	}
}

func TestFallsBackToMemoryWhenRedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SetHeldAsset(ctx, btc, Base); err != nil {
		t.Fatalf("SetHeldAsset failed: %v", err)
	}
	mr.Close()

	h, err := s.HeldAsset(ctx, btc)
	if err != nil {
		t.Fatalf("Expected in-memory fallback, got %v", err)
	}
	if h != Base {
		t.Fatalf("Expected BASE from memory, got %s", h)
	}
	if s.Available() {
		t.Fatal("Expected Redis marked unavailable")
	}

	if err := s.SetHeldAsset(ctx, btc, Quote); err == nil {
		t.Fatal("Expected write error while Redis is down")
	}
	if _, err := s.HeldAsset(ctx, btc); err == nil {
		t.Fatal("Expected unknown state after an unacknowledged write")
	}
}

func TestOutageWithoutCachedStateIsAnError(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.Set("state:position_asset:BTCUSDT", "BTC")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewStore(client, logging.Nop())
	mr.Close()

	h, err := s.HeldAsset(context.Background(), btc)
	if err == nil {
		t.Fatalf("Expected read error, got %s", h)
	}
	if h == Quote {
		t.Fatal("Expected no QUOTE default while the stored value is unreadable")
	}
	if _, ok, err := s.Get(context.Background(), "missing"); ok || err == nil {
		t.Fatalf("Expected error for uncached key, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryOnlyStore(t *testing.T) {
	s := NewStore(nil, logging.Nop())
	ctx := context.Background()

	h, err := s.HeldAsset(ctx, btc)
	if err != nil || h != Quote {
		t.Fatalf("Expected QUOTE default, got %s (%v)", h, err)
	}
	s.SetHeldAsset(ctx, btc, Base)
	if h, _ := s.HeldAsset(ctx, btc); h != Base {
		t.Fatalf("Expected BASE, got %s", h)
	}
}
