package syncer

import (
	"context"
	"fmt"
	"time"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

// DefaultBackfillStart is where a series with no history starts.
var DefaultBackfillStart = time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

// BackfillConfig tunes the backfiller.
type BackfillConfig struct {
	Start     time.Time
	PageSize  int
	TaskDelay time.Duration
	// MaxPages caps pages per series; zero means unlimited.
	MaxPages int
}

// DefaultBackfillConfig returns the standard backfill settings.
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		Start:     DefaultBackfillStart,
		PageSize:  1000,
		TaskDelay: 2 * time.Second,
	}
}

// BackfillResult summarizes one series.
type BackfillResult struct {
	Symbol      string
	Granularity market.Granularity
	From        time.Time
	Pages       int
	Fetched     int
	Applied     int
	Duration    time.Duration
	Err         error
}

// Backfiller pages through provider history until a series reaches now.
type Backfiller struct {
	provider Provider
	store    Store
	cfg      BackfillConfig
	logger   *logging.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewBackfiller creates a Backfiller.
func NewBackfiller(provider Provider, store Store, cfg BackfillConfig, logger *logging.Logger) *Backfiller {
	def := DefaultBackfillConfig()
	if cfg.Start.IsZero() {
		cfg.Start = def.Start
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if logger == nil {
		logger = logging.WithComponent("backfill")
	}
	return &Backfiller{
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		Now:      time.Now,
		Sleep:    sleepCtx,
	}
}

// Run backfills every symbol x granularity pair, pausing between tasks.
func (b *Backfiller) Run(ctx context.Context, symbols []string, granularities []market.Granularity) []BackfillResult {
	var results []BackfillResult
	total := len(symbols) * len(granularities)
	done := 0
	for _, symbol := range symbols {
		for _, g := range granularities {
			if ctx.Err() != nil {
				return results
			}
			results = append(results, b.Series(ctx, symbol, g))
			done++
			if done < total && b.cfg.TaskDelay > 0 {
				if err := b.Sleep(ctx, b.cfg.TaskDelay); err != nil {
					return results
				}
			}
		}
	}
	return results
}

// Series backfills one series from its last stored candle, or from the
// configured start when it has none.
func (b *Backfiller) Series(ctx context.Context, symbol string, g market.Granularity) (res BackfillResult) {
	began := b.Now()
	res = BackfillResult{Symbol: symbol, Granularity: g}
	log := logging.SeriesContext(b.logger, symbol, string(g))
	defer func() { res.Duration = b.Now().Sub(began) }()

	if !g.Valid() {
		res.Err = fmt.Errorf("%w: %q", market.ErrUnknownGranularity, g)
		log.Warn("skipping series with unknown granularity", "error", res.Err)
		return res
	}

	start := b.cfg.Start
	last, ok, err := b.store.LastOpenTime(ctx, symbol, g)
	if err != nil {
		log.Error("failed to read last open time", "error", err)
		res.Err = err
		return res
	}
	if ok {
		start, _ = g.Next(last)
		log.Info("resuming from stored history", "last", last, "from", start)
	} else {
		log.Info("no stored history, starting from default", "from", start)
	}
	res.From = start

	for b.cfg.MaxPages == 0 || res.Pages < b.cfg.MaxPages {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}
		now := b.Now()
		if start.After(now) {
			break
		}

		raw, err := b.provider.FetchCandles(ctx, symbol, g, start, b.cfg.PageSize)
		if err != nil {
			log.Error("page fetch failed", "from", start, "error", err)
			res.Err = fmt.Errorf("fetch from %s: %w", start.Format(time.RFC3339), err)
			break
		}
		page := closedFrom(raw, start, now)
		if len(page) == 0 {
			break
		}
		res.Pages++
		res.Fetched += len(page)

		applied, err := b.store.Upsert(ctx, symbol, g, page)
		res.Applied += applied
		if err != nil {
			log.Error("page upsert failed", "from", start, "error", err)
			res.Err = err
			break
		}

		start, _ = g.Next(page[len(page)-1].OpenTime)
		// A short page or one ending in the forming bar has reached now.
		if len(raw) < b.cfg.PageSize || !raw[len(raw)-1].CloseTime.Before(now) {
			break
		}
	}

	log.Info("backfill finished", "pages", res.Pages, "fetched", res.Fetched, "applied", res.Applied)
	return res
}
