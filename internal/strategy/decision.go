// Package strategy confirms oracle signals against local indicators and
// moves the held asset of a trading pair between quote and base.
package strategy

import (
	"fmt"
	"strings"

	"quantis-trader/internal/advisor"
	"quantis-trader/internal/indicators"
	"quantis-trader/internal/market"
	"quantis-trader/internal/state"
)

// Action is the final decision of a cycle.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Thresholds configures the confirmation rules and position sizing.
type Thresholds struct {
	RSIBuyMax       float64 `json:"rsi_buy_max" yaml:"rsi_buy_max" default:"70" validate:"gt=0,lte=100"`
	BBBuyMax        float64 `json:"bb_buy_max" yaml:"bb_buy_max" default:"0.8"`
	RSISellMin      float64 `json:"rsi_sell_min" yaml:"rsi_sell_min" default:"30" validate:"gte=0,lt=100"`
	BBSellMin       float64 `json:"bb_sell_min" yaml:"bb_sell_min" default:"0.2"`
	RiskFraction    float64 `json:"risk_fraction" yaml:"risk_fraction" default:"0.95" validate:"gt=0,lte=1"`
	MinQuoteBalance float64 `json:"min_quote_balance" yaml:"min_quote_balance" default:"10" validate:"gte=0"`
	MinBaseBalance  float64 `json:"min_base_balance" yaml:"min_base_balance" default:"0.0001" validate:"gte=0"`
	// Confirmation is the granularity whose snapshot confirms signals.
	Confirmation market.Granularity `json:"confirmation_granularity" yaml:"confirmation_granularity" default:"1h"`
}

// DefaultThresholds returns the standard confirmation rules.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RSIBuyMax:       70,
		BBBuyMax:        0.8,
		RSISellMin:      30,
		BBSellMin:       0.2,
		RiskFraction:    0.95,
		MinQuoteBalance: 10,
		MinBaseBalance:  0.0001,
		Confirmation:    market.Hour1,
	}
}

// Condition is one confirmation sub-test.
type Condition struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
}

func (c Condition) String() string {
	mark := "ok"
	if !c.Passed {
		mark = "failed"
	}
	return fmt.Sprintf("%s (%.4g vs %.4g) %s", c.Name, c.Value, c.Threshold, mark)
}

// DecisionInput is everything Decide looks at.
type DecisionInput struct {
	Signal   advisor.Result
	Held     state.HeldAsset
	Snapshot indicators.Snapshot
}

// Decision is the confirmed action plus why it was reached.
type Decision struct {
	Action     Action          `json:"action"`
	Signal     advisor.Signal  `json:"signal,omitempty"`
	Held       state.HeldAsset `json:"held"`
	Reason     string          `json:"reason"`
	Conditions []Condition     `json:"conditions,omitempty"`
}

// Decide confirms the oracle signal against the snapshot. Anything other
// than a fully confirmed BUY from quote or SELL from base is HOLD; a missing
// indicator discards the signal.
func Decide(t Thresholds, in DecisionInput) Decision {
	d := Decision{Action: ActionHold, Held: in.Held}
	if in.Signal.OK() {
		d.Signal = in.Signal.Signal
	}

	if !in.Snapshot.Complete() {
		d.Reason = "confirmation indicators unavailable: " + strings.Join(in.Snapshot.Missing(), ", ")
		return d
	}
	if !in.Signal.OK() {
		reason := in.Signal.Reason
		if reason == "" {
			reason = string(in.Signal.Status)
		}
		d.Reason = "no oracle signal: " + reason
		return d
	}

	s := in.Snapshot
	switch {
	case d.Signal == advisor.SignalBuy && in.Held == state.Quote:
		d.Conditions = []Condition{
			{Name: "sma_fast > sma_slow", Value: *s.SMAFast, Threshold: *s.SMASlow, Passed: *s.SMAFast > *s.SMASlow},
			{Name: "rsi < rsi_buy_max", Value: *s.RSI, Threshold: t.RSIBuyMax, Passed: *s.RSI < t.RSIBuyMax},
			{Name: "bb_percent < bb_buy_max", Value: *s.BBPercent, Threshold: t.BBBuyMax, Passed: *s.BBPercent < t.BBBuyMax},
		}
		return confirm(d, ActionBuy)
	case d.Signal == advisor.SignalSell && in.Held == state.Base:
		d.Conditions = []Condition{
			{Name: "sma_fast < sma_slow", Value: *s.SMAFast, Threshold: *s.SMASlow, Passed: *s.SMAFast < *s.SMASlow},
			{Name: "rsi > rsi_sell_min", Value: *s.RSI, Threshold: t.RSISellMin, Passed: *s.RSI > t.RSISellMin},
			{Name: "bb_percent > bb_sell_min", Value: *s.BBPercent, Threshold: t.BBSellMin, Passed: *s.BBPercent > t.BBSellMin},
		}
		return confirm(d, ActionSell)
	case d.Signal == advisor.SignalHold:
		d.Reason = "oracle says HOLD"
	default:
		d.Reason = fmt.Sprintf("signal %s does not apply while holding %s", d.Signal, in.Held)
	}
	return d
}

func confirm(d Decision, action Action) Decision {
	var failed []string
	for _, c := range d.Conditions {
		if !c.Passed {
			failed = append(failed, c.String())
		}
	}
	if len(failed) > 0 {
		d.Reason = fmt.Sprintf("%s not confirmed: %s", action, strings.Join(failed, "; "))
		return d
	}
	d.Action = action
	d.Reason = fmt.Sprintf("%s confirmed by local indicators", action)
	return d
}
