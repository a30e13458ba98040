// Package backtest replays stored candles through an SMA crossover grid and
// ranks the fast/slow combinations by return.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

// ErrNoData is returned when the requested range holds too few candles for
// any combination of the grid.
var ErrNoData = errors.New("not enough candles for backtest")

// CandleSource is the read side of the candle store.
type CandleSource interface {
	Range(ctx context.Context, symbol string, g market.Granularity, from, to time.Time) ([]market.Candle, error)
}

// Config describes one grid run.
type Config struct {
	Symbol      string             `json:"symbol" yaml:"symbol"`
	Granularity market.Granularity `json:"granularity" yaml:"granularity" default:"1d"`
	// Days of history ending at End. Ignored when Start is set.
	Days        int       `json:"days" yaml:"days" default:"730" validate:"gte=0"`
	Start       time.Time `json:"start" yaml:"start"`
	End         time.Time `json:"end" yaml:"end"`
	FastPeriods []int     `json:"fast_periods" yaml:"fast_periods" default:"[10,20,30]"`
	SlowPeriods []int     `json:"slow_periods" yaml:"slow_periods" default:"[30,50,60,100]"`
	InitialCash float64   `json:"initial_cash" yaml:"initial_cash" default:"1000" validate:"gt=0"`
	Commission  float64   `json:"commission" yaml:"commission" default:"0.001" validate:"gte=0,lt=1"`
}

// DefaultConfig returns the standard grid on daily candles.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:      symbol,
		Granularity: market.Day1,
		Days:        730,
		FastPeriods: []int{10, 20, 30},
		SlowPeriods: []int{30, 50, 60, 100},
		InitialCash: 1000,
		Commission:  0.001,
	}
}

// Report is the outcome of a grid run, best result first.
type Report struct {
	Symbol      string             `json:"symbol"`
	Granularity market.Granularity `json:"granularity"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	Candles     int                `json:"candles"`
	InitialCash float64            `json:"initial_cash"`
	Commission  float64            `json:"commission"`
	Results     []Result           `json:"results"`
	Duration    time.Duration      `json:"duration"`
}

// Best returns the top ranked result.
func (r Report) Best() (Result, bool) {
	if len(r.Results) == 0 {
		return Result{}, false
	}
	return r.Results[0], true
}

// Backtester runs grids against a candle source.
type Backtester struct {
	source CandleSource
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Backtester.
func New(source CandleSource, logger *logging.Logger) *Backtester {
	if logger == nil {
		logger = logging.WithComponent("backtest")
	}
	return &Backtester{source: source, logger: logger, now: time.Now}
}

func (b *Backtester) window(cfg Config) (time.Time, time.Time) {
	to := cfg.End
	if to.IsZero() {
		to = b.now().UTC()
	}
	from := cfg.Start
	if from.IsZero() {
		from = to.AddDate(0, 0, -cfg.Days)
	}
	return from, to
}

// Combinations lists the fast/slow pairs of the grid. Pairs where the slow
// period is not longer than the fast one are skipped.
func Combinations(fast, slow []int) [][2]int {
	var out [][2]int
	for _, f := range fast {
		for _, s := range slow {
			if f <= 0 || s <= f {
				continue
			}
			out = append(out, [2]int{f, s})
		}
	}
	return out
}

// Run loads the candles once and simulates every combination.
func (b *Backtester) Run(ctx context.Context, cfg Config) (Report, error) {
	if cfg.Symbol == "" {
		return Report{}, errors.New("backtest: symbol is required")
	}
	if !cfg.Granularity.Valid() {
		return Report{}, fmt.Errorf("backtest: unknown granularity %q", cfg.Granularity)
	}
	if cfg.InitialCash <= 0 {
		return Report{}, errors.New("backtest: initial cash must be positive")
	}
	combos := Combinations(cfg.FastPeriods, cfg.SlowPeriods)
	if len(combos) == 0 {
		return Report{}, errors.New("backtest: no valid fast/slow combination")
	}

	start := time.Now()
	from, to := b.window(cfg)
	candles, err := b.source.Range(ctx, cfg.Symbol, cfg.Granularity, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("backtest: load candles: %w", err)
	}

	report := Report{
		Symbol:      cfg.Symbol,
		Granularity: cfg.Granularity,
		From:        from,
		To:          to,
		Candles:     len(candles),
		InitialCash: cfg.InitialCash,
		Commission:  cfg.Commission,
	}

	for _, combo := range combos {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		res, ok := Simulate(candles, combo[0], combo[1], cfg.InitialCash, cfg.Commission)
		if !ok {
			b.logger.Debug("not enough candles for combination",
				"fast", combo[0], "slow", combo[1], "candles", len(candles))
			continue
		}
		report.Results = append(report.Results, res)
	}
	if len(report.Results) == 0 {
		return Report{}, fmt.Errorf("%w: %d %s candles for %s", ErrNoData, len(candles), cfg.Granularity, cfg.Symbol)
	}

	sort.SliceStable(report.Results, func(i, j int) bool {
		return report.Results[i].ReturnPct > report.Results[j].ReturnPct
	})
	report.Duration = time.Since(start)

	best := report.Results[0]
	b.logger.Info("backtest complete",
		"symbol", cfg.Symbol,
		"granularity", cfg.Granularity.String(),
		"candles", len(candles),
		"combinations", len(report.Results),
		"best_fast", best.FastPeriod,
		"best_slow", best.SlowPeriod,
		"best_return_pct", best.ReturnPct)
	return report, nil
}
