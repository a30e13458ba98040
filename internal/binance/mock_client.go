package binance

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantis-trader/internal/market"
)

// MockClient provides simulated market data for development/testing.
// Candles are a deterministic function of symbol and open time, so refetching
// a range returns identical values.
type MockClient struct {
	mu       sync.RWMutex
	prices   map[string]float64
	balances map[string]float64
	now      func() time.Time
}

// NewMockClient creates a new mock client
func NewMockClient() *MockClient {
	return &MockClient{
		prices: map[string]float64{
			"BTCUSDT": 104500.00,
			"ETHUSDT": 3900.00,
			"BNBUSDT": 710.00,
			"SOLUSDT": 220.00,
		},
		balances: map[string]float64{
			"USDT": 1000,
		},
		now: time.Now,
	}
}

// SetBalance sets the simulated free balance of an asset.
func (mc *MockClient) SetBalance(asset string, amount float64) {
	mc.mu.Lock()
	mc.balances[asset] = amount
	mc.mu.Unlock()
}

// SetClock overrides the notion of now.
func (mc *MockClient) SetClock(now func() time.Time) {
	mc.mu.Lock()
	mc.now = now
	mc.mu.Unlock()
}

func (mc *MockClient) basePrice(symbol string) float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if p, ok := mc.prices[symbol]; ok {
		return p
	}
	return 100.0
}

// candleAt builds the simulated candle opening at t.
func (mc *MockClient) candleAt(symbol string, t time.Time, d time.Duration) market.Candle {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", symbol, t.UnixMilli())
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	base := mc.basePrice(symbol)
	// Slow cycle plus a per-candle random step.
	phase := float64(t.Unix()) / (30 * 24 * 3600) * 2 * math.Pi
	open := base * (1 + 0.08*math.Sin(phase))
	volatility := 0.01
	close := open * (1 + (rng.Float64()-0.5)*volatility*2)
	high := math.Max(open, close) * (1 + rng.Float64()*volatility*0.5)
	low := math.Min(open, close) * (1 - rng.Float64()*volatility*0.5)
	volume := 50 + rng.Float64()*500

	return market.Candle{
		OpenTime:  t,
		Open:      decimal.NewFromFloat(open).Round(2),
		High:      decimal.NewFromFloat(high).Round(2),
		Low:       decimal.NewFromFloat(low).Round(2),
		Close:     decimal.NewFromFloat(close).Round(2),
		Volume:    decimal.NewFromFloat(volume).Round(5),
		CloseTime: t.Add(d - time.Millisecond),
	}
}

// FetchCandles returns simulated klines. Only candles whose open time is not
// after now are produced, so the last one may still be forming.
func (mc *MockClient) FetchCandles(ctx context.Context, symbol string, g market.Granularity, startTime time.Time, limit int) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	mc.mu.RLock()
	now := mc.now().UTC()
	mc.mu.RUnlock()
	last, err := g.Truncate(now)
	if err != nil {
		return nil, err
	}

	var first time.Time
	if startTime.IsZero() {
		first, _ = g.Add(last, -(limit - 1))
	} else {
		first, _ = g.Truncate(startTime.UTC())
		if first.Before(startTime) {
			first, _ = g.Next(first)
		}
	}

	candles := make([]market.Candle, 0, limit)
	for t := first; !t.After(last) && len(candles) < limit; {
		next, _ := g.Next(t)
		candles = append(candles, mc.candleAt(symbol, t, next.Sub(t)))
		t = next
	}
	return candles, nil
}

// GetCurrentPrice returns the close of the current minute candle.
func (mc *MockClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	mc.mu.RLock()
	now := mc.now().UTC()
	mc.mu.RUnlock()
	c := mc.candleAt(symbol, now.Truncate(time.Minute), time.Minute)
	return c.Close.InexactFloat64(), nil
}

// GetSymbolInfo splits known quote suffixes off the symbol.
func (mc *MockClient) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	for _, quote := range []string{"USDT", "BUSD", "USDC", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return &SymbolInfo{
				Symbol:     symbol,
				Status:     "TRADING",
				BaseAsset:  strings.TrimSuffix(symbol, quote),
				QuoteAsset: quote,
			}, nil
		}
	}
	return nil, fmt.Errorf("symbol %s not listed", symbol)
}

// GetAssetBalance returns the simulated free balance.
func (mc *MockClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.balances[asset], nil
}
