// Package indicators computes the technical indicator snapshot the advisor
// and the confirmation strategy read.
//
// The series helpers return one value per input bar with NaN where the
// indicator is not yet defined, so displaced values (Ichimoku spans) can be
// read at any offset.
package indicators

import "math"

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the simple moving average series.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates the exponential moving average series, seeded with the SMA
// of the first period defined values.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}

	start := firstDefined(values)
	if start < 0 || len(values)-start < period {
		return out
	}

	seed := 0.0
	for i := start; i < start+period; i++ {
		seed += values[i]
	}
	ema := seed / float64(period)
	out[start+period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := start + period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out[i] = ema
	}
	return out
}

// RMA is Wilder's smoothing (alpha = 1/period), seeded with the SMA.
func RMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}

	start := firstDefined(values)
	if start < 0 || len(values)-start < period {
		return out
	}

	seed := 0.0
	for i := start; i < start+period; i++ {
		seed += values[i]
	}
	avg := seed / float64(period)
	out[start+period-1] = avg
	for i := start + period; i < len(values); i++ {
		avg = (avg*float64(period-1) + values[i]) / float64(period)
		out[i] = avg
	}
	return out
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates Wilder's relative strength index series.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if len(closes) < period+1 {
		return out
	}

	gains := nanSeries(len(closes))
	losses := nanSeries(len(closes))
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gains[i] = math.Max(change, 0)
		losses[i] = math.Max(-change, 0)
	}

	avgGain := RMA(gains, period)
	avgLoss := RMA(losses, period)
	for i := range closes {
		g, l := avgGain[i], avgLoss[i]
		switch {
		case math.IsNaN(g) || math.IsNaN(l):
		case l == 0 && g == 0:
			out[i] = 50
		case l == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDSeries holds MACD line, signal and histogram series.
type MACDSeries struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD calculates the MACD line (fast EMA - slow EMA), its signal EMA and the
// histogram.
func MACD(closes []float64, fast, slow, signal int) MACDSeries {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)

	line := nanSeries(len(closes))
	for i := range closes {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig := EMA(line, signal)

	hist := nanSeries(len(closes))
	for i := range closes {
		hist[i] = line[i] - sig[i]
	}
	return MACDSeries{Line: line, Signal: sig, Histogram: hist}
}

// ============================================================================
// VOLUME
// ============================================================================

// OBV calculates on-balance volume starting from zero at the first bar.
func OBV(closes, volumes []float64) []float64 {
	out := nanSeries(len(closes))
	if len(closes) == 0 {
		return out
	}
	obv := 0.0
	out[0] = obv
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			obv += volumes[i]
		case closes[i] < closes[i-1]:
			obv -= volumes[i]
		}
		out[i] = obv
	}
	return out
}

// ============================================================================
// ICHIMOKU
// ============================================================================

// IchimokuSeries holds Ichimoku lines. Senkou spans are displaced forward by
// the kijun period, so the value at bar i was projected at bar i-kijun.
type IchimokuSeries struct {
	Tenkan  []float64
	Kijun   []float64
	SenkouA []float64
	SenkouB []float64
}

// Ichimoku calculates the Ichimoku lines.
func Ichimoku(highs, lows []float64, tenkan, kijun, senkou int) IchimokuSeries {
	n := len(highs)
	t := midpoint(highs, lows, tenkan)
	k := midpoint(highs, lows, kijun)
	sb := midpoint(highs, lows, senkou)

	spanA := nanSeries(n)
	spanB := nanSeries(n)
	for i := kijun; i < n; i++ {
		j := i - kijun
		spanA[i] = (t[j] + k[j]) / 2
		spanB[i] = sb[j]
	}
	return IchimokuSeries{Tenkan: t, Kijun: k, SenkouA: spanA, SenkouB: spanB}
}

// midpoint is (highest high + lowest low) / 2 over period bars.
func midpoint(highs, lows []float64, period int) []float64 {
	out := nanSeries(len(highs))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(highs); i++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			hi = math.Max(hi, highs[j])
			lo = math.Min(lo, lows[j])
		}
		out[i] = (hi + lo) / 2
	}
	return out
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBands holds Bollinger band values at one bar.
type BollingerBands struct {
	Lower   float64
	Middle  float64
	Upper   float64
	Percent float64
}

// Bollinger calculates the bands at the last bar using the population
// standard deviation. Percent is (close-lower)/(upper-lower) and is not
// clamped to [0, 1].
func Bollinger(closes []float64, period int, mult float64) BollingerBands {
	nan := math.NaN()
	if period <= 0 || len(closes) < period {
		return BollingerBands{nan, nan, nan, nan}
	}
	window := closes[len(closes)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)

	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(period))

	upper := mean + mult*std
	lower := mean - mult*std
	last := closes[len(closes)-1]
	return BollingerBands{
		Lower:   lower,
		Middle:  mean,
		Upper:   upper,
		Percent: (last - lower) / (upper - lower),
	}
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATR calculates Wilder's average true range series.
func ATR(highs, lows, closes []float64, period int) []float64 {
	tr := nanSeries(len(closes))
	for i := 1; i < len(closes); i++ {
		prevClose := closes[i-1]
		tr[i] = math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-prevClose), math.Abs(lows[i]-prevClose)))
	}
	return RMA(tr, period)
}

// ============================================================================
// HELPERS
// ============================================================================

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func firstDefined(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
