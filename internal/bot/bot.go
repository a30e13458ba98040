// Package bot drives the trade cycle: sync candles, compute indicators, ask
// the advisor, confirm and execute through the strategy.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"quantis-trader/internal/advisor"
	"quantis-trader/internal/binance"
	"quantis-trader/internal/events"
	"quantis-trader/internal/history"
	"quantis-trader/internal/indicators"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
	"quantis-trader/internal/metrics"
	"quantis-trader/internal/notification"
	"quantis-trader/internal/state"
	"quantis-trader/internal/strategy"
	"quantis-trader/internal/syncer"
)

// Default granularity sets.
var (
	DefaultSyncGranularities     = []market.Granularity{market.Month1, market.Day1, market.Hour1, market.Minute15, market.Minute1}
	DefaultAnalysisGranularities = []market.Granularity{market.Hour1, market.Minute15, market.Minute1}
)

// Cycle results.
const (
	ResultOK       = "ok"
	ResultNoSignal = "no_signal"
	ResultFailed   = "failed"
	ResultPanic    = "panic"
)

// CandleStore reads and writes candle series.
type CandleStore interface {
	LastN(ctx context.Context, symbol string, g market.Granularity, n int) ([]market.Candle, error)
	Upsert(ctx context.Context, symbol string, g market.Granularity, candles []market.Candle) (int, error)
}

// SignalAdvisor produces trade signals.
type SignalAdvisor interface {
	RequestSignal(ctx context.Context, snapshots map[market.Granularity]indicators.Snapshot, symbol string, refPrice *float64) advisor.Result
}

// Config selects what a cycle works on.
type Config struct {
	Pair                  state.Pair
	SyncGranularities     []market.Granularity
	AnalysisGranularities []market.Granularity
	StreamEnabled         bool
	StreamURL             string
}

// Deps carries every collaborator of the bot. Metrics and Events are
// optional.
type Deps struct {
	Store    CandleStore
	Syncer   *syncer.Synchronizer
	Engine   *indicators.Engine
	Advisor  SignalAdvisor
	Strategy *strategy.Strategy
	Exchange strategy.Exchange
	Notifier notification.Notifier
	Metrics  *metrics.Recorder
	Events   *events.EventBus
	Logger   *logging.Logger
}

// CycleReport summarises one trade cycle.
type CycleReport struct {
	ID         string                                     `json:"id"`
	Symbol     string                                     `json:"symbol"`
	StartedAt  time.Time                                  `json:"started_at"`
	FinishedAt time.Time                                  `json:"finished_at"`
	Duration   time.Duration                              `json:"duration"`
	Result     string                                     `json:"result"`
	Sync       syncer.Report                              `json:"sync"`
	Snapshots  map[market.Granularity]indicators.Snapshot `json:"snapshots"`
	RefPrice   *float64                                   `json:"ref_price,omitempty"`
	Signal     advisor.Result                             `json:"signal"`
	Outcome    strategy.Outcome                           `json:"outcome"`
	Error      string                                     `json:"error,omitempty"`
}

// TradingBot runs trade cycles for one trading pair.
type TradingBot struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger

	mu        sync.RWMutex
	lastCycle *CycleReport
	cycles    int64

	stream *binance.KlineStream
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a TradingBot.
func New(cfg Config, deps Deps) (*TradingBot, error) {
	if deps.Store == nil || deps.Syncer == nil || deps.Engine == nil || deps.Advisor == nil || deps.Strategy == nil {
		return nil, errors.New("bot: store, syncer, engine, advisor and strategy are required")
	}
	if cfg.Pair.Symbol == "" {
		return nil, errors.New("bot: trading pair symbol is required")
	}
	if len(cfg.SyncGranularities) == 0 {
		cfg.SyncGranularities = DefaultSyncGranularities
	}
	if len(cfg.AnalysisGranularities) == 0 {
		cfg.AnalysisGranularities = DefaultAnalysisGranularities
	}
	conf := deps.Strategy.Thresholds().Confirmation
	if !containsGranularity(cfg.AnalysisGranularities, conf) {
		cfg.AnalysisGranularities = append(append([]market.Granularity{}, cfg.AnalysisGranularities...), conf)
	}
	if deps.Logger == nil {
		deps.Logger = logging.WithComponent("bot")
	}
	return &TradingBot{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithField("symbol", cfg.Pair.Symbol),
	}, nil
}

// Config returns the bot configuration.
func (b *TradingBot) Config() Config {
	return b.cfg
}

// LastCycle returns the most recent cycle report.
func (b *TradingBot) LastCycle() (CycleReport, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastCycle == nil {
		return CycleReport{}, false
	}
	return *b.lastCycle, true
}

// CycleCount returns how many cycles have finished.
func (b *TradingBot) CycleCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cycles
}

// Start announces the bot and starts the kline stream when enabled.
func (b *TradingBot) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.logger.Info("Trading bot started",
		"sync_granularities", joinGranularities(b.cfg.SyncGranularities),
		"analysis_granularities", joinGranularities(b.cfg.AnalysisGranularities),
		"stream", b.cfg.StreamEnabled)
	b.notify(ctx, fmt.Sprintf("Bot started for %s", b.cfg.Pair.Symbol), true)
	b.deps.Events.PublishBotStatus(true, b.cfg.Pair.Symbol)

	if b.cfg.StreamEnabled {
		b.stream = binance.NewKlineStream(b.cfg.StreamURL, []string{b.cfg.Pair.Symbol}, b.cfg.SyncGranularities, b.onClosedKline)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.stream.Run(ctx)
		}()
	}
}

// Stop stops the stream and announces shutdown.
func (b *TradingBot) Stop(ctx context.Context) {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.notify(ctx, fmt.Sprintf("Bot stopped for %s", b.cfg.Pair.Symbol), true)
	b.deps.Events.PublishBotStatus(false, b.cfg.Pair.Symbol)
	b.logger.Info("Trading bot stopped")
}

// StreamStats returns the kline stream statistics, if a stream runs.
func (b *TradingBot) StreamStats() (binance.StreamStats, bool) {
	if b.stream == nil {
		return binance.StreamStats{}, false
	}
	return b.stream.Stats(), true
}

// RunCycle runs one full trade cycle. It never panics; failures end up in
// the report, the log and a notification.
func (b *TradingBot) RunCycle(ctx context.Context) (report CycleReport) {
	ctx, logger := logging.WithTraceContext(ctx, b.logger)
	report = CycleReport{
		ID:        logging.TraceIDFromContext(ctx),
		Symbol:    b.cfg.Pair.Symbol,
		StartedAt: time.Now().UTC(),
		Snapshots: make(map[market.Granularity]indicators.Snapshot, len(b.cfg.AnalysisGranularities)),
	}
	b.deps.Events.PublishCycleStarted(report.ID, report.Symbol)

	defer func() {
		if r := recover(); r != nil {
			report.Result = ResultPanic
			report.Error = fmt.Sprint(r)
			logger.Error("trade cycle panicked", "panic", report.Error, "stack", string(debug.Stack()))
			b.notify(ctx, fmt.Sprintf("Critical error in trade cycle for %s: %v", report.Symbol, r), false)
			b.deps.Events.PublishError("cycle", report.Error)
		}
		b.finish(&report, logger)
	}()

	logger.Info("trade cycle started")

	report.Sync = b.deps.Syncer.SyncAll(ctx, b.cfg.Pair.Symbol, b.cfg.SyncGranularities)
	for _, s := range report.Sync.Series {
		b.recordSeries(s)
	}

	window := b.deps.Engine.Params().Window()
	for _, g := range b.cfg.AnalysisGranularities {
		report.Snapshots[g] = b.snapshot(ctx, logger, g, window)
	}

	var missing []string
	for _, g := range b.cfg.AnalysisGranularities {
		if !report.Snapshots[g].Complete() {
			missing = append(missing, g.String())
		}
	}

	if len(missing) > 0 {
		reason := "indicators unavailable for " + strings.Join(missing, ",")
		report.Signal = advisor.Unavailable(reason)
		logger.Warn("skipping advisor", "reason", reason)
		b.notify(ctx, fmt.Sprintf("%s: signal skipped, %s", report.Symbol, reason), true)
	} else {
		if b.deps.Exchange != nil {
			if price, ok := b.deps.Exchange.Price(ctx, b.cfg.Pair.Symbol); ok {
				report.RefPrice = &price
			}
		}
		report.Signal = b.deps.Advisor.RequestSignal(ctx, report.Snapshots, b.cfg.Pair.Symbol, report.RefPrice)
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordOracle(string(report.Signal.Status), string(report.Signal.Signal))
	}

	if report.Signal.OK() {
		logging.SignalContext(report.Symbol, string(report.Signal.Signal)).Info("advisor signal received", "rationale", report.Signal.Rationale)
		msg := fmt.Sprintf("%s signal: %s", report.Symbol, report.Signal.Signal)
		if report.Signal.Rationale != "" {
			msg += "\n" + report.Signal.Rationale
		}
		b.notify(ctx, msg, false)
		b.deps.Events.PublishSignal(report.Symbol, string(report.Signal.Signal), report.Signal.Rationale)
	} else if report.Signal.Status == advisor.StatusError {
		logger.Error("advisor request failed", "reason", report.Signal.Reason, "error", report.Signal.Err)
	}

	conf := b.deps.Strategy.Thresholds().Confirmation
	report.Outcome = b.deps.Strategy.Run(ctx, report.Signal, report.Snapshots[conf])
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordOutcome(string(report.Outcome.Action), string(report.Outcome.Status))
		if report.Outcome.HeldAfter != "" {
			b.deps.Metrics.RecordHeldBase(report.Symbol, report.Outcome.HeldAfter == state.Base)
		}
	}
	b.deps.Events.PublishTradeAction(report.Symbol, string(report.Outcome.Action), string(report.Outcome.Status),
		report.Outcome.OrderSize.String(), string(report.Outcome.HeldAfter), report.Outcome.Reason)

	switch {
	case report.Outcome.Status == strategy.StatusFailed:
		report.Result = ResultFailed
		if report.Outcome.Err != nil {
			report.Error = report.Outcome.Err.Error()
		}
	case !report.Signal.OK():
		report.Result = ResultNoSignal
	default:
		report.Result = ResultOK
	}
	return report
}

func (b *TradingBot) snapshot(ctx context.Context, logger *logging.Logger, g market.Granularity, window int) indicators.Snapshot {
	candles, err := b.deps.Store.LastN(ctx, b.cfg.Pair.Symbol, g, window)
	if err != nil {
		if errors.Is(err, history.ErrSeriesNotFound) {
			logger.Warn("no stored candles", "granularity", g.String())
		} else {
			logger.Error("failed to read candles", "granularity", g.String(), "error", err)
		}
		return indicators.Snapshot{}
	}
	snap := b.deps.Engine.Compute(candles)
	if snap.Close != nil && b.deps.Metrics != nil {
		b.deps.Metrics.RecordLastClose(b.cfg.Pair.Symbol, g.String(), *snap.Close)
	}
	return snap
}

func (b *TradingBot) recordSeries(s syncer.SeriesReport) {
	if b.deps.Metrics == nil {
		return
	}
	b.deps.Metrics.RecordSeriesSync(s.Granularity.String(), string(s.Status))
	b.deps.Metrics.RecordCandlesUpserted(s.Symbol, s.Granularity.String(), s.Applied)
}

func (b *TradingBot) finish(report *CycleReport, logger *logging.Logger) {
	report.FinishedAt = time.Now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	b.mu.Lock()
	r := *report
	b.lastCycle = &r
	b.cycles++
	b.mu.Unlock()

	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordCycle(report.Result, report.Duration)
	}
	b.deps.Events.PublishCycleCompleted(report.ID, report.Symbol, report.Result, report.Duration)
	logger.WithDuration(report.Duration).Info("trade cycle finished",
		"result", report.Result,
		"signal", string(report.Signal.Signal),
		"action", string(report.Outcome.Action),
		"status", string(report.Outcome.Status))
}

// onClosedKline stores a closed kline from the stream.
func (b *TradingBot) onClosedKline(ctx context.Context, symbol string, g market.Granularity, c market.Candle) {
	n, err := b.deps.Store.Upsert(ctx, symbol, g, []market.Candle{c})
	if err != nil {
		logging.SeriesContext(b.logger, symbol, g.String()).Error("failed to store streamed kline", "error", err)
		return
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordCandlesUpserted(symbol, g.String(), n)
	}
	b.deps.Events.PublishCandleClosed(symbol, g.String(), c.OpenTime, c.Close.String())
}

func (b *TradingBot) notify(ctx context.Context, text string, silent bool) {
	if b.deps.Notifier == nil {
		return
	}
	if err := b.deps.Notifier.Notify(ctx, text, silent); err != nil {
		b.logger.Warn("notification failed", "error", err)
	}
}

func containsGranularity(list []market.Granularity, g market.Granularity) bool {
	for _, x := range list {
		if x == g {
			return true
		}
	}
	return false
}

func joinGranularities(list []market.Granularity) string {
	parts := make([]string, len(list))
	for i, g := range list {
		parts[i] = g.String()
	}
	return strings.Join(parts, ",")
}
