package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func daily(closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		t := start.AddDate(0, 0, i)
		p := decimal.NewFromFloat(c)
		out[i] = market.Candle{OpenTime: t, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1), CloseTime: t.Add(24*time.Hour - time.Millisecond)}
	}
	return out
}

type fakeSource struct {
	candles []market.Candle
	err     error
	calls   int
	from    time.Time
	to      time.Time
}

func (f *fakeSource) Range(ctx context.Context, symbol string, g market.Granularity, from, to time.Time) ([]market.Candle, error) {
	f.calls++
	f.from, f.to = from, to
	return f.candles, f.err
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

var swing = []float64{10, 10, 10, 10, 12, 14, 16, 12, 8, 6}

func TestSimulateCrossover(t *testing.T) {
	res, ok := Simulate(daily(swing...), 2, 3, 1000, 0.001)
	if !ok {
		t.Fatal("Expected simulation to run")
	}

	if res.NumTrades != 2 {
		t.Fatalf("Expected 2 trades, got %d", res.NumTrades)
	}
	buy, sell := res.Trades[0], res.Trades[1]
	if buy.Side != SideBuy || !buy.Time.Equal(start.AddDate(0, 0, 4)) || buy.Price != 12 {
		t.Errorf("Expected BUY at 12 on day 4, got %+v", buy)
	}
	if !approx(buy.Amount, 1000.0/12*0.999) {
		t.Errorf("Expected commission taken from base, got amount %f", buy.Amount)
	}
	if sell.Side != SideSell || !sell.Time.Equal(start.AddDate(0, 0, 7)) {
		t.Errorf("Expected SELL on day 7, got %+v", sell)
	}

	if !approx(res.FinalValue, 998.001) {
		t.Errorf("Expected final value 998.001, got %f", res.FinalValue)
	}
	if !approx(res.ReturnPct, -0.1999) {
		t.Errorf("Expected return -0.1999%%, got %f", res.ReturnPct)
	}
	if res.RoundTrips != 1 || res.WinningTrips != 0 || res.WinRate != 0 {
		t.Errorf("Expected one losing round trip, got %d/%d", res.WinningTrips, res.RoundTrips)
	}
	if !approx(res.MaxDrawdown, 1332-998.001) {
		t.Errorf("Expected max drawdown from the 1332 peak, got %f", res.MaxDrawdown)
	}
	if !approx(res.BuyHoldPct, -40) {
		t.Errorf("Expected buy and hold -40%%, got %f", res.BuyHoldPct)
	}
	// Bars up to and including the first defined slow SMA are dropped.
	if res.Candles != 7 || len(res.EquityCurve) != 7 {
		t.Errorf("Expected 7 simulated bars, got %d", res.Candles)
	}
}

func TestSimulateEquityBeforeTrade(t *testing.T) {
	// Bullish cross on the last bar: equity is recorded before the buy.
	res, ok := Simulate(daily(10, 10, 10, 10, 13), 2, 3, 1000, 0.001)
	if !ok {
		t.Fatal("Expected simulation to run")
	}
	if res.NumTrades != 1 {
		t.Fatalf("Expected 1 trade, got %d", res.NumTrades)
	}
	if res.FinalValue != 1000 {
		t.Errorf("Expected final value 1000, got %f", res.FinalValue)
	}
}

func TestSimulateTooShort(t *testing.T) {
	if _, ok := Simulate(daily(1, 2, 3), 2, 3, 1000, 0.001); ok {
		t.Fatal("Expected no result when only one bar has a slow SMA")
	}
}

func TestCombinationsSkipsInvalid(t *testing.T) {
	combos := Combinations([]int{10, 20, 30}, []int{30, 50, 60, 100})
	if len(combos) != 11 {
		t.Fatalf("Expected 11 combinations, got %d", len(combos))
	}
	for _, c := range combos {
		if c[1] <= c[0] {
			t.Errorf("Expected slow > fast, got %v", c)
		}
	}
}

func TestRunRanksByReturn(t *testing.T) {
	src := &fakeSource{candles: daily(swing...)}
	bt := New(src, logging.Nop())
	now := start.AddDate(0, 0, 20)
	bt.now = func() time.Time { return now }

	cfg := DefaultConfig("BTCUSDT")
	cfg.Days = 30
	cfg.FastPeriods = []int{1, 2, 3}
	cfg.SlowPeriods = []int{3, 4, 20}

	report, err := bt.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("Expected candles to be loaded once, got %d", src.calls)
	}
	if !src.to.Equal(now) || !src.from.Equal(now.AddDate(0, 0, -30)) {
		t.Errorf("Expected 30 day window ending now, got %v - %v", src.from, src.to)
	}
	// 20 exceeds the available history, so only 1/3, 1/4, 2/3, 2/4 and 3/4 run.
	if len(report.Results) != 5 {
		t.Fatalf("Expected 5 results, got %d", len(report.Results))
	}
	for i := 1; i < len(report.Results); i++ {
		if report.Results[i].ReturnPct > report.Results[i-1].ReturnPct {
			t.Fatalf("Expected results sorted by return, got %f before %f",
				report.Results[i-1].ReturnPct, report.Results[i].ReturnPct)
		}
	}
	best, ok := report.Best()
	if !ok || best.ReturnPct != report.Results[0].ReturnPct {
		t.Errorf("Expected best to be the first result")
	}
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig("BTCUSDT")

	_, err := New(&fakeSource{candles: daily(swing...)}, logging.Nop()).Run(ctx, cfg)
	if !errors.Is(err, ErrNoData) {
		t.Errorf("Expected ErrNoData for short history, got %v", err)
	}

	boom := errors.New("redis down")
	_, err = New(&fakeSource{err: boom}, logging.Nop()).Run(ctx, cfg)
	if !errors.Is(err, boom) {
		t.Errorf("Expected source error, got %v", err)
	}

	bad := cfg
	bad.SlowPeriods = []int{5}
	if _, err := New(&fakeSource{}, logging.Nop()).Run(ctx, bad); err == nil {
		t.Error("Expected error when no combination is valid")
	}

	bad = cfg
	bad.Granularity = "7x"
	if _, err := New(&fakeSource{}, logging.Nop()).Run(ctx, bad); err == nil {
		t.Error("Expected error for unknown granularity")
	}
}
