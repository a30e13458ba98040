package backtest

import (
	"math"
	"time"

	"quantis-trader/internal/indicators"
	"quantis-trader/internal/market"
)

// Side of a simulated trade.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade is one simulated fill.
type Trade struct {
	Time       time.Time `json:"time"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Commission float64   `json:"commission"`
	CashAfter  float64   `json:"cash_after"`
	ValueAfter float64   `json:"value_after"`
}

// EquityPoint represents account value at a point in time
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Result holds the performance of one fast/slow combination.
type Result struct {
	FastPeriod     int           `json:"fast_period"`
	SlowPeriod     int           `json:"slow_period"`
	Candles        int           `json:"candles"`
	FinalValue     float64       `json:"final_value"`
	PnL            float64       `json:"pnl"`
	ReturnPct      float64       `json:"return_pct"`
	NumTrades      int           `json:"num_trades"`
	RoundTrips     int           `json:"round_trips"`
	WinningTrips   int           `json:"winning_trips"`
	WinRate        float64       `json:"win_rate"`
	MaxDrawdown    float64       `json:"max_drawdown"`
	MaxDrawdownPct float64       `json:"max_drawdown_pct"`
	BuyHoldPct     float64       `json:"buy_hold_pct"`
	Trades         []Trade       `json:"trades,omitempty"`
	EquityCurve    []EquityPoint `json:"-"`
}

// crossoverSignals returns +1 where the fast SMA crosses above the slow SMA,
// -1 where it crosses below and 0 elsewhere. Bars before the slow SMA is
// defined, and the first defined bar, carry no signal.
func crossoverSignals(closes []float64, fast, slow int) (signals []int, first int) {
	fastSMA := indicators.SMA(closes, fast)
	slowSMA := indicators.SMA(closes, slow)

	signals = make([]int, len(closes))
	first = -1
	prev := 0
	for i := range closes {
		if math.IsNaN(fastSMA[i]) || math.IsNaN(slowSMA[i]) {
			continue
		}
		pos := -1
		if fastSMA[i] > slowSMA[i] {
			pos = 1
		}
		if first < 0 {
			first = i
		} else if pos > prev {
			signals[i] = 1
		} else if pos < prev {
			signals[i] = -1
		}
		prev = pos
	}
	return signals, first
}

// Simulate runs a long-only SMA crossover over candles. All cash goes in on
// a bullish cross and everything is sold on a bearish cross; commission is
// charged on the traded side. The equity of each bar is taken before that
// bar's trade.
func Simulate(candles []market.Candle, fast, slow int, initialCash, commission float64) (Result, bool) {
	res := Result{FastPeriod: fast, SlowPeriod: slow}
	closes := market.Closes(candles)
	signals, first := crossoverSignals(closes, fast, slow)
	// The first defined bar has no previous position to compare with.
	if first < 0 || first+1 >= len(candles) {
		return res, false
	}
	start := first + 1

	cash := initialCash
	holding := 0.0
	inPosition := false
	var entryCost float64

	for i := start; i < len(candles); i++ {
		price := closes[i]
		value := cash
		if inPosition {
			value = holding * price
		}
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: candles[i].OpenTime, Equity: value})

		switch {
		case signals[i] == 1 && !inPosition:
			gross := cash / price
			fee := gross * commission
			entryCost = cash
			holding = gross - fee
			cash = 0
			inPosition = true
			res.Trades = append(res.Trades, Trade{
				Time: candles[i].OpenTime, Side: SideBuy, Price: price, Amount: holding,
				Commission: fee, CashAfter: cash, ValueAfter: holding * price,
			})
		case signals[i] == -1 && inPosition:
			gross := holding * price
			fee := gross * commission
			net := gross - fee
			res.Trades = append(res.Trades, Trade{
				Time: candles[i].OpenTime, Side: SideSell, Price: price, Amount: holding,
				Commission: fee, CashAfter: net, ValueAfter: net,
			})
			res.RoundTrips++
			if net > entryCost {
				res.WinningTrips++
			}
			cash = net
			holding = 0
			inPosition = false
		}
	}

	res.Candles = len(candles) - start
	res.FinalValue = res.EquityCurve[len(res.EquityCurve)-1].Equity
	res.PnL = res.FinalValue - initialCash
	res.ReturnPct = res.PnL / initialCash * 100
	res.NumTrades = len(res.Trades)
	if res.RoundTrips > 0 {
		res.WinRate = float64(res.WinningTrips) / float64(res.RoundTrips) * 100
	}
	res.MaxDrawdown, res.MaxDrawdownPct = maxDrawdown(res.EquityCurve)
	if p0 := closes[start]; p0 > 0 {
		res.BuyHoldPct = (closes[len(closes)-1]/p0 - 1) * 100
	}
	return res, true
}

// maxDrawdown returns the largest peak-to-trough drop of the equity curve.
func maxDrawdown(curve []EquityPoint) (float64, float64) {
	if len(curve) == 0 {
		return 0, 0
	}

	peak := curve[0].Equity
	maxDD := 0.0
	maxPct := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		if dd > maxDD {
			maxDD = dd
			if peak > 0 {
				maxPct = dd / peak * 100
			}
		}
	}
	return maxDD, maxPct
}
