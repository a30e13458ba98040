package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"quantis-trader/internal/history"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

var now = time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)

type fetchCall struct {
	g     market.Granularity
	start time.Time
	limit int
}

// fakeProvider serves epoch-aligned candles up to now.
type fakeProvider struct {
	mu    sync.Mutex
	calls []fetchCall
	err   map[market.Granularity]error
	// extra is prepended to every response.
	extra []market.Candle
}

func (p *fakeProvider) FetchCandles(ctx context.Context, symbol string, g market.Granularity, start time.Time, limit int) ([]market.Candle, error) {
	p.mu.Lock()
	p.calls = append(p.calls, fetchCall{g: g, start: start, limit: limit})
	p.mu.Unlock()
	if err := p.err[g]; err != nil {
		return nil, err
	}
	d, err := g.Duration()
	if err != nil {
		return nil, err
	}
	out := append([]market.Candle(nil), p.extra...)
	first := start.Truncate(d)
	if first.Before(start) {
		first = first.Add(d)
	}
	for t := first; !t.After(now) && len(out) < limit; t = t.Add(d) {
		out = append(out, mkCandle(t, d, float64(t.Unix()%1000)))
	}
	return out, nil
}

func mkCandle(t time.Time, d time.Duration, close float64) market.Candle {
	return market.Candle{
		OpenTime:  t,
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(close + 1),
		Low:       decimal.NewFromFloat(close - 1),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromInt(1),
		CloseTime: t.Add(d - time.Millisecond),
	}
}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	series  map[string]map[int64]market.Candle
	readErr error
}

func newMemStore() *memStore {
	return &memStore{series: make(map[string]map[int64]market.Candle)}
}

func (m *memStore) LastOpenTime(ctx context.Context, symbol string, g market.Granularity) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return time.Time{}, false, m.readErr
	}
	s := m.series[symbol+string(g)]
	if len(s) == 0 {
		return time.Time{}, false, nil
	}
	var max int64
	for k := range s {
		if k > max {
			max = k
		}
	}
	return market.FromMillis(max), true, nil
}

func (m *memStore) Upsert(ctx context.Context, symbol string, g market.Granularity, candles []market.Candle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := symbol + string(g)
	if m.series[key] == nil {
		m.series[key] = make(map[int64]market.Candle)
	}
	n := 0
	for _, c := range candles {
		old, ok := m.series[key][c.OpenTime.UnixMilli()]
		if !ok || !old.Equal(c) {
			n++
		}
		m.series[key][c.OpenTime.UnixMilli()] = c
	}
	return n, nil
}

func (m *memStore) seed(symbol string, g market.Granularity, last time.Time) {
	d, _ := g.Duration()
	m.Upsert(context.Background(), symbol, g, []market.Candle{mkCandle(last, d, 1)})
}

func newSync(p Provider, s Store) *Synchronizer {
	sy := New(p, s, DefaultConfig(), logging.Nop())
	sy.Now = func() time.Time { return now }
	sy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return sy
}

func TestSyncFetchesFromLastPlusDuration(t *testing.T) {
	p := &fakeProvider{}
	s := newMemStore()
	last := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s.seed("BTCUSDT", market.Hour1, last)

	rep := newSync(p, s).SyncSeries(context.Background(), "BTCUSDT", market.Hour1)

	if rep.Status != StatusUpdated {
		t.Fatalf("Expected updated, got %s (%v)", rep.Status, rep.Err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("Expected 1 fetch, got %d", len(p.calls))
	}
	if want := last.Add(time.Hour); !p.calls[0].start.Equal(want) {
		t.Fatalf("Expected fetch from %v, got %v", want, p.calls[0].start)
	}
	if p.calls[0].limit != 1000 {
		t.Fatalf("Expected limit 1000, got %d", p.calls[0].limit)
	}
	// 09:00 .. 11:00; the 12:00 bar is still forming.
	if rep.Applied != 3 {
		t.Fatalf("Expected 3 applied, got %d", rep.Applied)
	}
}

func TestSyncSkipsCurrentSeries(t *testing.T) {
	p := &fakeProvider{}
	s := newMemStore()
	s.seed("BTCUSDT", market.Hour1, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	rep := newSync(p, s).SyncSeries(context.Background(), "BTCUSDT", market.Hour1)
	if rep.Status != StatusCurrent {
		t.Fatalf("Expected current, got %s", rep.Status)
	}
	if len(p.calls) != 0 {
		t.Fatalf("Expected no fetch, got %d", len(p.calls))
	}
}

func TestSyncRespectsBuffer(t *testing.T) {
	p := &fakeProvider{}
	s := newMemStore()
	// next = 12:00:25, cutoff = now - 10s = 12:00:20, so no fetch.
	s.seed("BTCUSDT", "5s", time.Date(2024, 6, 1, 12, 0, 20, 0, time.UTC))

	rep := newSync(p, s).SyncSeries(context.Background(), "BTCUSDT", "5s")
	if rep.Status != StatusBadGranularity {
		// "5s" is not a supported label; make sure that path is not a fetch.
		t.Fatalf("Expected bad granularity for seconds label, got %s", rep.Status)
	}
	if len(p.calls) != 0 {
		t.Fatalf("Expected no fetch, got %d", len(p.calls))
	}

	s.seed("BTCUSDT", market.Minute1, time.Date(2024, 6, 1, 11, 59, 25, 0, time.UTC))
	rep = newSync(p, s).SyncSeries(context.Background(), "BTCUSDT", market.Minute1)
	if rep.Status != StatusCurrent || len(p.calls) != 0 {
		t.Fatalf("Expected next 12:00:25 inside buffer to be skipped, got %s with %d calls", rep.Status, len(p.calls))
	}
}

func TestSyncNoHistoryDoesNotFetch(t *testing.T) {
	p := &fakeProvider{}
	rep := newSync(p, newMemStore()).SyncSeries(context.Background(), "BTCUSDT", market.Hour1)
	if rep.Status != StatusNoHistory {
		t.Fatalf("Expected no_history, got %s", rep.Status)
	}
	if len(p.calls) != 0 {
		t.Fatalf("Expected no unbounded fetch, got %d calls", len(p.calls))
	}
}

func TestSyncAllContinuesAfterFailures(t *testing.T) {
	p := &fakeProvider{err: map[market.Granularity]error{market.Day1: errors.New("timeout")}}
	s := newMemStore()
	s.seed("BTCUSDT", market.Day1, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	s.seed("BTCUSDT", market.Hour1, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))

	var slept int
	sy := newSync(p, s)
	sy.Sleep = func(ctx context.Context, d time.Duration) error {
		if d != 200*time.Millisecond {
			t.Errorf("Expected 200ms pause, got %v", d)
		}
		slept++
		return nil
	}

	rep := sy.SyncAll(context.Background(), "BTCUSDT", []market.Granularity{market.Month1, market.Day1, "7q", market.Hour1})
	if len(rep.Series) != 4 {
		t.Fatalf("Expected 4 series reports, got %d", len(rep.Series))
	}
	statuses := []Status{StatusNoHistory, StatusFetchError, StatusNoHistory, StatusUpdated}
	for i, want := range statuses {
		if rep.Series[i].Status != want {
			t.Errorf("series %d: expected %s, got %s", i, want, rep.Series[i].Status)
		}
	}
	if slept != 3 {
		t.Fatalf("Expected 3 pauses between 4 series, got %d", slept)
	}
	if rep.Applied() != 1 {
		t.Fatalf("Expected 1 applied (11:00), got %d", rep.Applied())
	}
	if len(rep.Failed()) != 3 {
		t.Fatalf("Expected 3 failed series, got %d", len(rep.Failed()))
	}
}

func TestSyncStoreReadError(t *testing.T) {
	s := newMemStore()
	s.readErr = errors.New("redis down")
	rep := newSync(&fakeProvider{}, s).SyncSeries(context.Background(), "BTCUSDT", market.Hour1)
	if rep.Status != StatusStoreError {
		t.Fatalf("Expected store_error, got %s", rep.Status)
	}
}

func TestSyncDropsCandlesBeforeNext(t *testing.T) {
	last := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	p := &fakeProvider{extra: []market.Candle{mkCandle(last, time.Hour, 999)}}
	s := newMemStore()
	s.seed("BTCUSDT", market.Hour1, last)

	rep := newSync(p, s).SyncSeries(context.Background(), "BTCUSDT", market.Hour1)
	if rep.Fetched != 1 {
		t.Fatalf("Expected stale and forming candles dropped leaving 1, got %d", rep.Fetched)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if got := s.series["BTCUSDT1h"][last.UnixMilli()].Close; got.Equal(decimal.NewFromInt(999)) {
		t.Fatal("Expected stored candle at last open time untouched")
	}
}

func TestBackfillThenSyncScenario(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := history.NewStore(client, history.Options{Logger: logging.Nop()})
	ctx := context.Background()

	p := &fakeProvider{}
	bf := NewBackfiller(p, store, BackfillConfig{
		Start:    time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		PageSize: 10,
	}, logging.Nop())
	bf.Now = func() time.Time { return now }
	bf.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	results := bf.Run(ctx, []string{"BTCUSDT"}, []market.Granularity{market.Hour1})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("Expected clean backfill, got %+v", results)
	}
	// 2024-05-31 00:00 .. 2024-06-01 11:00 hourly = 36 closed candles over 4 pages.
	if results[0].Applied != 36 {
		t.Fatalf("Expected 36 candles, got %d", results[0].Applied)
	}
	if results[0].Pages != 4 {
		t.Fatalf("Expected 4 pages, got %d", results[0].Pages)
	}
	last, _, err := store.LastOpenTime(ctx, "BTCUSDT", market.Hour1)
	if err != nil {
		t.Fatalf("LastOpenTime failed: %v", err)
	}
	if want := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC); !last.Equal(want) {
		t.Fatalf("Expected last closed candle %v, got %v", want, last)
	}

	sy := newSync(p, store)
	rep := sy.SyncSeries(ctx, "BTCUSDT", market.Hour1)
	if rep.Status != StatusCurrent || rep.Applied != 0 {
		t.Fatalf("Expected only the forming bar, got %s applied=%d", rep.Status, rep.Applied)
	}

	// An hour later the 12:00 bar has closed.
	later := now.Add(time.Hour)
	sy.Now = func() time.Time { return later }
	prev := now
	now = later
	defer func() { now = prev }()

	rep = sy.SyncSeries(ctx, "BTCUSDT", market.Hour1)
	if rep.Status != StatusUpdated || rep.Applied != 1 {
		t.Fatalf("Expected one new candle, got %s applied=%d", rep.Status, rep.Applied)
	}

	candles, err := store.Range(ctx, "BTCUSDT", market.Hour1, time.Time{}, later)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(candles) != 37 {
		t.Fatalf("Expected 37 candles, got %d", len(candles))
	}
	opens := make([]int64, len(candles))
	for i, c := range candles {
		opens[i] = c.OpenTime.UnixMilli()
	}
	if !sort.SliceIsSorted(opens, func(i, j int) bool { return opens[i] < opens[j] }) {
		t.Fatal("Expected ascending open times")
	}
	for i := 1; i < len(opens); i++ {
		if opens[i]-opens[i-1] != time.Hour.Milliseconds() {
			t.Fatalf("Expected contiguous hourly series, gap at %d", i)
		}
	}
}

func TestBackfillResumesFromStoredHistory(t *testing.T) {
	p := &fakeProvider{}
	s := newMemStore()
	last := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	s.seed("BTCUSDT", market.Hour1, last)

	bf := NewBackfiller(p, s, BackfillConfig{PageSize: 1000}, logging.Nop())
	bf.Now = func() time.Time { return now }
	bf.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	res := bf.Series(context.Background(), "BTCUSDT", market.Hour1)
	if !res.From.Equal(last.Add(time.Hour)) {
		t.Fatalf("Expected resume from %v, got %v", last.Add(time.Hour), res.From)
	}
	if res.Applied != 2 {
		t.Fatalf("Expected 2 applied, got %d", res.Applied)
	}
}

func TestBackfillStopsOnFetchError(t *testing.T) {
	p := &fakeProvider{err: map[market.Granularity]error{market.Hour1: errors.New("418 banned")}}
	bf := NewBackfiller(p, newMemStore(), DefaultBackfillConfig(), logging.Nop())
	bf.Now = func() time.Time { return now }

	res := bf.Series(context.Background(), "BTCUSDT", market.Hour1)
	if res.Err == nil {
		t.Fatal("Expected fetch error")
	}
	if len(p.calls) != 1 {
		t.Fatalf("Expected a single attempt, got %d", len(p.calls))
	}
}

func TestSyncLeavesFormingCandleForNextRun(t *testing.T) {
	prev := now
	defer func() { now = prev }()

	p := &fakeProvider{}
	s := newMemStore()
	s.seed("BTCUSDT", market.Hour1, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	sy := newSync(p, s)
	sy.Now = func() time.Time { return now }

	rep := sy.SyncSeries(context.Background(), "BTCUSDT", market.Hour1)
	if rep.Applied != 1 {
		t.Fatalf("Expected only 11:00 stored, got %d", rep.Applied)
	}
	last, _, _ := s.LastOpenTime(context.Background(), "BTCUSDT", market.Hour1)
	if want := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC); !last.Equal(want) {
		t.Fatalf("Expected last open %v, got %v", want, last)
	}

	now = time.Date(2024, 6, 1, 13, 1, 30, 0, time.UTC)
	rep = sy.SyncSeries(context.Background(), "BTCUSDT", market.Hour1)
	noon := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := p.calls[len(p.calls)-1].start; !got.Equal(noon) {
		t.Fatalf("Expected the 12:00 bar requested again, got fetch from %v", got)
	}
	if rep.Applied != 1 {
		t.Fatalf("Expected the closed 12:00 bar stored, got %d", rep.Applied)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.series["BTCUSDT1h"][noon.Add(time.Hour).UnixMilli()]; ok {
		t.Fatal("Expected the forming 13:00 bar left out")
	}
}

func TestSyncMonthFollowsCalendar(t *testing.T) {
	p := &fakeProvider{}
	s := newMemStore()
	s.seed("BTCUSDT", market.Month1, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	rep := newSync(p, s).SyncSeries(context.Background(), "BTCUSDT", market.Month1)
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !rep.NextFetch.Equal(want) {
		t.Fatalf("Expected next fetch %v, got %v", want, rep.NextFetch)
	}
	if len(p.calls) != 1 || !p.calls[0].start.Equal(want) {
		t.Fatalf("Expected one fetch from %v, got %+v", want, p.calls)
	}
}
