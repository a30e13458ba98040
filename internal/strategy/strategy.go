package strategy

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"

	"quantis-trader/internal/advisor"
	"quantis-trader/internal/database"
	"quantis-trader/internal/indicators"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/notification"
	"quantis-trader/internal/state"
)

// Exchange provides balances and prices. AssetBalance returns 0 when the
// balance cannot be read.
type Exchange interface {
	AssetBalance(ctx context.Context, asset string) float64
	Price(ctx context.Context, symbol string) (float64, bool)
}

// PositionStore persists which side of the pair is held.
type PositionStore interface {
	HeldAsset(ctx context.Context, pair state.Pair) (state.HeldAsset, error)
	SetHeldAsset(ctx context.Context, pair state.Pair, h state.HeldAsset) error
}

// Journal records executed and skipped actions.
type Journal interface {
	RecordTradeAction(ctx context.Context, action *database.TradeAction) error
}

// Status of an execution.
type Status string

const (
	StatusNone     Status = "none"
	StatusExecuted Status = "executed"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Outcome is what Execute did.
type Outcome struct {
	Decision   Decision        `json:"decision"`
	Action     Action          `json:"action"`
	Status     Status          `json:"status"`
	OrderSize  decimal.Decimal `json:"order_size"`
	Balance    decimal.Decimal `json:"balance"`
	Price      *float64        `json:"price,omitempty"`
	HeldBefore state.HeldAsset `json:"held_before"`
	HeldAfter  state.HeldAsset `json:"held_after"`
	Reason     string          `json:"reason"`
	Err        error           `json:"-"`
}

// Strategy runs the confirmation filter for one trading pair.
type Strategy struct {
	pair       state.Pair
	thresholds Thresholds
	exchange   Exchange
	positions  PositionStore
	notifier   notification.Notifier
	journal    Journal
	logger     *logging.Logger
}

// New creates a Strategy. journal may be nil.
func New(pair state.Pair, t Thresholds, exchange Exchange, positions PositionStore, notifier notification.Notifier, journal Journal, logger *logging.Logger) *Strategy {
	if logger == nil {
		logger = logging.WithComponent("strategy")
	}
	return &Strategy{
		pair:       pair,
		thresholds: t,
		exchange:   exchange,
		positions:  positions,
		notifier:   notifier,
		journal:    journal,
		logger:     logger.WithField("symbol", pair.Symbol),
	}
}

// Thresholds returns the confirmation settings.
func (s *Strategy) Thresholds() Thresholds {
	return s.thresholds
}

// Decide applies the confirmation rules with the strategy thresholds.
func (s *Strategy) Decide(in DecisionInput) Decision {
	return Decide(s.thresholds, in)
}

// Run reads the held asset, decides and executes. It never panics.
func (s *Strategy) Run(ctx context.Context, sig advisor.Result, snap indicators.Snapshot) (out Outcome) {
	defer s.recoverInto(ctx, &out)

	held, err := s.positions.HeldAsset(ctx, s.pair)
	if err != nil {
		out = Outcome{Action: ActionHold, Status: StatusFailed, Reason: "reading held asset failed", Err: err}
		s.logger.Error("reading held asset failed", "error", err)
		s.notify(ctx, fmt.Sprintf("Could not read held asset for %s: %v", s.pair.Symbol, err), false)
		return out
	}

	d := s.Decide(DecisionInput{Signal: sig, Held: held, Snapshot: snap})
	logging.TradeContext(s.pair.Symbol, string(d.Action), string(held)).Info("decision", "signal", string(d.Signal), "reason", d.Reason)
	return s.Execute(ctx, d)
}

// Execute applies a decision. BUY and SELL check the balance of the asset
// being spent; an insufficient balance skips the action and leaves the
// held asset unchanged. Errors and panics are reported, never propagated.
func (s *Strategy) Execute(ctx context.Context, d Decision) (out Outcome) {
	out = Outcome{
		Decision:   d,
		Action:     d.Action,
		Status:     StatusNone,
		HeldBefore: d.Held,
		HeldAfter:  d.Held,
		Reason:     d.Reason,
	}
	defer s.recoverInto(ctx, &out)

	var spend string
	var min float64
	var next state.HeldAsset
	switch d.Action {
	case ActionBuy:
		spend, min, next = s.pair.Quote, s.thresholds.MinQuoteBalance, state.Base
	case ActionSell:
		spend, min, next = s.pair.Base, s.thresholds.MinBaseBalance, state.Quote
	default:
		return out
	}

	balance := s.exchange.AssetBalance(ctx, spend)
	out.Balance = decimal.NewFromFloat(balance)
	if price, ok := s.exchange.Price(ctx, s.pair.Symbol); ok {
		out.Price = &price
	}

	if balance < min {
		out.Status = StatusSkipped
		out.Reason = fmt.Sprintf("insufficient %s balance: %s < %s", spend, out.Balance, decimal.NewFromFloat(min))
		s.logger.Warn("action skipped", "action", string(d.Action), "reason", out.Reason)
		s.notify(ctx, fmt.Sprintf("%s %s skipped: %s", d.Action, s.pair.Symbol, out.Reason), true)
		s.record(ctx, out)
		return out
	}

	if d.Action == ActionBuy {
		out.OrderSize = out.Balance.Mul(decimal.NewFromFloat(s.thresholds.RiskFraction)).Truncate(8)
	} else {
		out.OrderSize = out.Balance
	}

	if err := s.positions.SetHeldAsset(ctx, s.pair, next); err != nil {
		out.Status = StatusFailed
		out.Err = err
		out.Reason = "persisting held asset failed"
		s.logger.Error("persisting held asset failed", "action", string(d.Action), "error", err)
		s.notify(ctx, fmt.Sprintf("%s %s failed: %v", d.Action, s.pair.Symbol, err), false)
		s.record(ctx, out)
		return out
	}

	out.Status = StatusExecuted
	out.HeldAfter = next
	s.logger.Info("action executed", "action", string(d.Action), "order_size", out.OrderSize.String(), "asset", spend)

	msg := fmt.Sprintf("%s %s executed: %s %s, now holding %s", d.Action, s.pair.Symbol, out.OrderSize, spend, s.pair.Asset(next))
	if out.Price != nil {
		msg += fmt.Sprintf(" (price %s)", decimal.NewFromFloat(*out.Price))
	}
	s.notify(ctx, msg, false)
	s.record(ctx, out)
	return out
}

func (s *Strategy) recoverInto(ctx context.Context, out *Outcome) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("strategy panicked: %v", r)
	s.logger.Error("strategy panicked", "error", err, "stack", string(debug.Stack()))
	out.Status = StatusFailed
	out.Err = err
	out.Reason = err.Error()
	out.HeldAfter = out.HeldBefore
	s.notify(ctx, fmt.Sprintf("Strategy error on %s: %v", s.pair.Symbol, r), false)
}

func (s *Strategy) notify(ctx context.Context, text string, silent bool) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, text, silent); err != nil {
		s.logger.Warn("notification failed", "error", err)
	}
}

func (s *Strategy) record(ctx context.Context, out Outcome) {
	if s.journal == nil {
		return
	}
	entry := &database.TradeAction{
		CycleID:    logging.TraceIDFromContext(ctx),
		Symbol:     s.pair.Symbol,
		Action:     string(out.Action),
		Status:     string(out.Status),
		Signal:     string(out.Decision.Signal),
		HeldBefore: string(out.HeldBefore),
		HeldAfter:  string(out.HeldAfter),
		OrderSize:  out.OrderSize.String(),
		Balance:    out.Balance.String(),
		Price:      out.Price,
		Reason:     out.Reason,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.journal.RecordTradeAction(ctx, entry); err != nil {
		s.logger.Warn("journaling action failed", "error", err)
	}
}
