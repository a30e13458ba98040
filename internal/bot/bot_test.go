package bot

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"quantis-trader/internal/advisor"
	"quantis-trader/internal/binance"
	"quantis-trader/internal/history"
	"quantis-trader/internal/indicators"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
	"quantis-trader/internal/metrics"
	"quantis-trader/internal/state"
	"quantis-trader/internal/strategy"
	"quantis-trader/internal/syncer"
)

var (
	now  = time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	pair = state.Pair{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"}
)

type fakeAdvisor struct {
	mu       sync.Mutex
	result   advisor.Result
	panicMsg string
	calls    int
	got      map[market.Granularity]indicators.Snapshot
	refPrice *float64
}

func (f *fakeAdvisor) RequestSignal(ctx context.Context, snapshots map[market.Granularity]indicators.Snapshot, symbol string, refPrice *float64) advisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = snapshots
	f.refPrice = refPrice
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.result
}

type sentMessage struct {
	text   string
	silent bool
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *fakeNotifier) Notify(ctx context.Context, text string, silent bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{text, silent})
	return nil
}

func (n *fakeNotifier) find(substr string) (sentMessage, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.sent {
		if strings.Contains(m.text, substr) {
			return m, true
		}
	}
	return sentMessage{}, false
}

type harness struct {
	bot      *TradingBot
	store    *history.Store
	states   *state.Store
	mock     *binance.MockClient
	advisor  *fakeAdvisor
	notifier *fakeNotifier
	metrics  *metrics.Recorder
}

func newHarness(t *testing.T, seed []market.Granularity) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		store:    history.NewStore(rdb, history.Options{Logger: logging.Nop()}),
		states:   state.NewStore(rdb, logging.Nop()),
		mock:     binance.NewMockClient(),
		advisor:  &fakeAdvisor{result: advisor.Result{Status: advisor.StatusOK, Signal: advisor.SignalHold, Rationale: "sideways"}},
		notifier: &fakeNotifier{},
		metrics:  metrics.New(),
	}
	h.mock.SetClock(func() time.Time { return now })

	ctx := context.Background()
	for _, g := range seed {
		candles, err := h.mock.FetchCandles(ctx, pair.Symbol, g, time.Time{}, 200)
		if err != nil {
			t.Fatalf("seed %s: %v", g, err)
		}
		if _, err := h.store.Upsert(ctx, pair.Symbol, g, candles); err != nil {
			t.Fatalf("seed upsert %s: %v", g, err)
		}
	}

	syn := syncer.New(h.mock, h.store, syncer.Config{Buffer: 10 * time.Second, PageSize: 1000}, logging.Nop())
	syn.Now = func() time.Time { return now }

	exch := NewExchange(h.mock, logging.Nop())
	strat := strategy.New(pair, strategy.DefaultThresholds(), exch, h.states, h.notifier, nil, logging.Nop())

	b, err := New(Config{Pair: pair}, Deps{
		Store:    h.store,
		Syncer:   syn,
		Engine:   indicators.NewEngine(indicators.DefaultParams(), logging.Nop()),
		Advisor:  h.advisor,
		Strategy: strat,
		Exchange: exch,
		Notifier: h.notifier,
		Metrics:  h.metrics,
		Logger:   logging.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.bot = b
	return h
}

func (h *harness) metricsText(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRunCycleWithSignal(t *testing.T) {
	h := newHarness(t, DefaultSyncGranularities)

	report := h.bot.RunCycle(context.Background())

	if report.Result != ResultOK {
		t.Fatalf("Expected result ok, got %s (%s)", report.Result, report.Error)
	}
	if h.advisor.calls != 1 {
		t.Fatalf("Expected 1 advisor call, got %d", h.advisor.calls)
	}
	if len(h.advisor.got) != len(DefaultAnalysisGranularities) {
		t.Fatalf("Expected %d snapshots, got %d", len(DefaultAnalysisGranularities), len(h.advisor.got))
	}
	for g, snap := range h.advisor.got {
		if !snap.Complete() {
			t.Fatalf("Expected complete snapshot for %s, missing %v", g, snap.Missing())
		}
	}
	if h.advisor.refPrice == nil {
		t.Fatal("Expected reference price to be passed")
	}
	for _, s := range report.Sync.Series {
		if s.Status != syncer.StatusCurrent {
			t.Fatalf("Expected seeded series %s to be current, got %s", s.Granularity, s.Status)
		}
	}
	if report.Outcome.Action != strategy.ActionHold || report.Outcome.Status != strategy.StatusNone {
		t.Fatalf("Expected HOLD/none, got %s/%s", report.Outcome.Action, report.Outcome.Status)
	}

	msg, ok := h.notifier.find("signal: HOLD")
	if !ok || msg.silent {
		t.Fatalf("Expected loud signal notification, got %+v", h.notifier.sent)
	}
	if !strings.Contains(msg.text, "sideways") {
		t.Fatalf("Expected rationale in notification, got %q", msg.text)
	}

	last, ok := h.bot.LastCycle()
	if !ok || last.ID != report.ID || report.ID == "" {
		t.Fatalf("Expected last cycle %q, got %q", report.ID, last.ID)
	}
	if !strings.Contains(h.metricsText(t), `quantis_oracle_requests_total{signal="HOLD",status="ok"} 1`) {
		t.Fatal("Expected oracle metric to be recorded")
	}
}

func TestRunCycleSkipsAdvisorWhenIndicatorsIncomplete(t *testing.T) {
	h := newHarness(t, []market.Granularity{market.Month1, market.Day1})

	report := h.bot.RunCycle(context.Background())

	if h.advisor.calls != 0 {
		t.Fatalf("Expected advisor not to be called, got %d calls", h.advisor.calls)
	}
	if report.Result != ResultNoSignal {
		t.Fatalf("Expected no_signal, got %s", report.Result)
	}
	if report.Signal.Status != advisor.StatusUnavailable {
		t.Fatalf("Expected unavailable signal, got %s", report.Signal.Status)
	}
	if report.Outcome.Action != strategy.ActionHold {
		t.Fatalf("Expected HOLD, got %s", report.Outcome.Action)
	}
	msg, ok := h.notifier.find("signal skipped")
	if !ok || !msg.silent {
		t.Fatalf("Expected silent skip alert, got %+v", h.notifier.sent)
	}

	noHistory := 0
	for _, s := range report.Sync.Series {
		if s.Status == syncer.StatusNoHistory {
			noHistory++
		}
	}
	if noHistory != 3 {
		t.Fatalf("Expected 3 series without history, got %d", noHistory)
	}

	held, err := h.states.HeldAsset(context.Background(), pair)
	if err != nil || held != state.Quote {
		t.Fatalf("Expected QUOTE held, got %s (%v)", held, err)
	}
}

func TestRunCycleRecoversPanic(t *testing.T) {
	h := newHarness(t, DefaultSyncGranularities)
	h.advisor.panicMsg = "oracle exploded"

	report := h.bot.RunCycle(context.Background())

	if report.Result != ResultPanic {
		t.Fatalf("Expected panic result, got %s", report.Result)
	}
	if !strings.Contains(report.Error, "oracle exploded") {
		t.Fatalf("Expected panic message in report, got %q", report.Error)
	}
	msg, ok := h.notifier.find("Critical error")
	if !ok || msg.silent {
		t.Fatalf("Expected loud critical notification, got %+v", h.notifier.sent)
	}
	if h.bot.CycleCount() != 1 {
		t.Fatalf("Expected cycle to be counted, got %d", h.bot.CycleCount())
	}
	if _, ok := h.bot.LastCycle(); !ok {
		t.Fatal("Expected panicked cycle to be kept as last cycle")
	}

	// Next cycle runs normally.
	h.advisor.panicMsg = ""
	if r := h.bot.RunCycle(context.Background()); r.Result != ResultOK {
		t.Fatalf("Expected recovery on next cycle, got %s", r.Result)
	}
}

func TestClosedKlineIsStored(t *testing.T) {
	h := newHarness(t, nil)
	c := market.Candle{
		OpenTime:  now.Truncate(time.Minute),
		Open:      decimal.RequireFromString("100"),
		High:      decimal.RequireFromString("101"),
		Low:       decimal.RequireFromString("99"),
		Close:     decimal.RequireFromString("100.5"),
		Volume:    decimal.RequireFromString("3"),
		CloseTime: now.Truncate(time.Minute).Add(time.Minute - time.Millisecond),
	}

	h.bot.onClosedKline(context.Background(), pair.Symbol, market.Minute1, c)

	got, err := h.store.LastN(context.Background(), pair.Symbol, market.Minute1, 1)
	if err != nil {
		t.Fatalf("LastN failed: %v", err)
	}
	if len(got) != 1 || !got[0].Close.Equal(c.Close) {
		t.Fatalf("Expected streamed candle to be stored, got %+v", got)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	if _, err := New(Config{Pair: pair}, Deps{}); err == nil {
		t.Fatal("Expected error for missing deps")
	}
}

func TestConfirmationGranularityIsAnalysed(t *testing.T) {
	h := newHarness(t, nil)
	th := strategy.DefaultThresholds()
	th.Confirmation = market.Hour4
	strat := strategy.New(pair, th, nil, h.states, nil, nil, logging.Nop())

	b, err := New(Config{Pair: pair}, Deps{
		Store:    h.store,
		Syncer:   h.bot.deps.Syncer,
		Engine:   h.bot.deps.Engine,
		Advisor:  h.advisor,
		Strategy: strat,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !containsGranularity(b.Config().AnalysisGranularities, market.Hour4) {
		t.Fatalf("Expected 4h in analysis set, got %v", b.Config().AnalysisGranularities)
	}
	if len(DefaultAnalysisGranularities) != 3 {
		t.Fatal("Default analysis set must not be modified")
	}
}

func TestExchangeAdapterHidesErrors(t *testing.T) {
	ex := NewExchange(failingMarket{binance.NewMockClient()}, logging.Nop())
	if got := ex.AssetBalance(context.Background(), "USDT"); got != 0 {
		t.Fatalf("Expected 0 balance on error, got %v", got)
	}
	if _, ok := ex.Price(context.Background(), "BTCUSDT"); ok {
		t.Fatal("Expected no price on error")
	}
}

type failingMarket struct {
	*binance.MockClient
}

func (failingMarket) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	return 0, errors.New("account endpoint down")
}

func (failingMarket) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("ticker endpoint down")
}
