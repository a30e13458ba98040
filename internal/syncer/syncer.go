// Package syncer brings stored candle series up to date from a market data
// provider, either incrementally each cycle or as a one-off historical backfill.
package syncer

import (
	"context"
	"fmt"
	"time"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

// Provider fetches candles opening at or after start.
type Provider interface {
	FetchCandles(ctx context.Context, symbol string, g market.Granularity, start time.Time, limit int) ([]market.Candle, error)
}

// Store is the part of the time-series store the synchronizer needs.
type Store interface {
	LastOpenTime(ctx context.Context, symbol string, g market.Granularity) (time.Time, bool, error)
	Upsert(ctx context.Context, symbol string, g market.Granularity, candles []market.Candle) (int, error)
}

// Status is the outcome of syncing one series.
type Status string

const (
	StatusUpdated        Status = "updated"
	StatusCurrent        Status = "current"
	StatusNoHistory      Status = "no_history"
	StatusBadGranularity Status = "bad_granularity"
	StatusFetchError     Status = "fetch_error"
	StatusStoreError     Status = "store_error"
)

// SeriesReport describes what happened to one series.
type SeriesReport struct {
	Symbol      string             `json:"symbol"`
	Granularity market.Granularity `json:"granularity"`
	Status      Status             `json:"status"`
	LastOpen    time.Time          `json:"last_open,omitempty"`
	NextFetch   time.Time          `json:"next_fetch,omitempty"`
	Fetched     int                `json:"fetched"`
	Applied     int                `json:"applied"`
	Err         error              `json:"-"`
}

// Report is the outcome of one SyncAll call.
type Report struct {
	Series []SeriesReport `json:"series"`
}

// Applied returns the total candles written across series.
func (r Report) Applied() int {
	n := 0
	for _, s := range r.Series {
		n += s.Applied
	}
	return n
}

// Failed returns the series that ended in an error state.
func (r Report) Failed() []SeriesReport {
	var out []SeriesReport
	for _, s := range r.Series {
		switch s.Status {
		case StatusNoHistory, StatusBadGranularity, StatusFetchError, StatusStoreError:
			out = append(out, s)
		}
	}
	return out
}

// Config tunes the synchronizer.
type Config struct {
	// Buffer keeps the fetch away from the still-forming candle.
	Buffer time.Duration `json:"buffer" yaml:"buffer" default:"10s"`
	// PageSize is the candle limit per fetch.
	PageSize int `json:"page_size" yaml:"page_size" default:"1000"`
	// Delay is the pause between series.
	Delay time.Duration `json:"delay" yaml:"delay" default:"200ms"`
}

// DefaultConfig returns the standard synchronizer settings.
func DefaultConfig() Config {
	return Config{Buffer: 10 * time.Second, PageSize: 1000, Delay: 200 * time.Millisecond}
}

// Synchronizer appends candles newer than the last stored one.
type Synchronizer struct {
	provider Provider
	store    Store
	cfg      Config
	logger   *logging.Logger

	// Now and Sleep are swappable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Synchronizer.
func New(provider Provider, store Store, cfg Config, logger *logging.Logger) *Synchronizer {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = def.Buffer
	}
	if logger == nil {
		logger = logging.WithComponent("syncer")
	}
	return &Synchronizer{
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		Now:      time.Now,
		Sleep:    sleepCtx,
	}
}

// SyncAll syncs each granularity of symbol in order. A failure on one series
// is logged and recorded; the remaining series are still processed.
func (s *Synchronizer) SyncAll(ctx context.Context, symbol string, granularities []market.Granularity) Report {
	report := Report{Series: make([]SeriesReport, 0, len(granularities))}
	for i, g := range granularities {
		if ctx.Err() != nil {
			break
		}
		report.Series = append(report.Series, s.SyncSeries(ctx, symbol, g))
		if i < len(granularities)-1 && s.cfg.Delay > 0 {
			if err := s.Sleep(ctx, s.cfg.Delay); err != nil {
				break
			}
		}
	}
	return report
}

// SyncSeries performs one incremental step for a single series.
func (s *Synchronizer) SyncSeries(ctx context.Context, symbol string, g market.Granularity) SeriesReport {
	rep := SeriesReport{Symbol: symbol, Granularity: g}
	log := logging.SeriesContext(s.logger, symbol, string(g))

	last, ok, err := s.store.LastOpenTime(ctx, symbol, g)
	if err != nil {
		log.Error("failed to read last open time", "error", err)
		rep.Status, rep.Err = StatusStoreError, err
		return rep
	}
	if !ok {
		log.Error("no stored history for series, run the backfill first")
		rep.Status, rep.Err = StatusNoHistory, fmt.Errorf("%s %s: no seed history", symbol, g)
		return rep
	}
	rep.LastOpen = last

	next, err := g.Next(last)
	if err != nil {
		log.Warn("cannot sync series with unknown granularity", "error", err)
		rep.Status, rep.Err = StatusBadGranularity, err
		return rep
	}
	rep.NextFetch = next
	now := s.Now()
	cutoff := now.Add(-s.cfg.Buffer)
	if !next.Before(cutoff) {
		log.Debug("series is current", "next", next)
		rep.Status = StatusCurrent
		return rep
	}

	candles, err := s.provider.FetchCandles(ctx, symbol, g, next, s.cfg.PageSize)
	if err != nil {
		log.Error("fetch failed", "from", next, "error", err)
		rep.Status, rep.Err = StatusFetchError, err
		return rep
	}
	candles = closedFrom(candles, next, now)
	rep.Fetched = len(candles)
	if len(candles) == 0 {
		log.Info("no new closed candles")
		rep.Status = StatusCurrent
		return rep
	}

	applied, err := s.store.Upsert(ctx, symbol, g, candles)
	rep.Applied = applied
	if err != nil {
		log.Error("upsert failed", "fetched", len(candles), "applied", applied, "error", err)
		rep.Status, rep.Err = StatusStoreError, err
		return rep
	}

	log.Info("series updated", "fetched", len(candles), "applied", applied, "from", next)
	rep.Status = StatusUpdated
	return rep
}

// closedFrom keeps the candles opening at or after start that had closed by
// now. The still-forming bar is left out so the next sync requests it again.
func closedFrom(candles []market.Candle, start, now time.Time) []market.Candle {
	out := candles[:0:0]
	for _, c := range candles {
		if !c.OpenTime.Before(start) && c.CloseTime.Before(now) {
			out = append(out, c)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

