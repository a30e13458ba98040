package indicators

import (
	"errors"
	"fmt"
	"math"
	"time"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

var (
	// ErrInsufficientCandles means the window is shorter than Params.MinCandles.
	ErrInsufficientCandles = errors.New("insufficient candles")

	// ErrNonFinite means some indicator came out NaN or infinite.
	ErrNonFinite = errors.New("non-finite indicator value")
)

// Params holds indicator lookbacks.
type Params struct {
	SMAFast    int     `json:"sma_fast" yaml:"sma_fast" default:"30" validate:"gt=0"`
	SMASlow    int     `json:"sma_slow" yaml:"sma_slow" default:"60" validate:"gtfield=SMAFast"`
	RSIPeriod  int     `json:"rsi_period" yaml:"rsi_period" default:"14" validate:"gt=0"`
	MACDFast   int     `json:"macd_fast" yaml:"macd_fast" default:"12" validate:"gt=0"`
	MACDSlow   int     `json:"macd_slow" yaml:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
	MACDSignal int     `json:"macd_signal" yaml:"macd_signal" default:"9" validate:"gt=0"`
	IchiTenkan int     `json:"ichimoku_tenkan" yaml:"ichimoku_tenkan" default:"21" validate:"gt=0"`
	IchiKijun  int     `json:"ichimoku_kijun" yaml:"ichimoku_kijun" default:"34" validate:"gt=0"`
	IchiSenkou int     `json:"ichimoku_senkou" yaml:"ichimoku_senkou" default:"52" validate:"gt=0"`
	BBPeriod   int     `json:"bb_period" yaml:"bb_period" default:"20" validate:"gt=1"`
	BBStdDev   float64 `json:"bb_std_dev" yaml:"bb_std_dev" default:"2.0" validate:"gt=0"`
	ATRPeriod  int     `json:"atr_period" yaml:"atr_period" default:"14" validate:"gt=0"`
	// Margin is added on top of MinCandles when reading a window.
	Margin int `json:"margin" yaml:"margin" default:"50" validate:"gte=0"`
}

// DefaultParams returns the standard lookbacks.
func DefaultParams() Params {
	return Params{
		SMAFast:    30,
		SMASlow:    60,
		RSIPeriod:  14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		IchiTenkan: 21,
		IchiKijun:  34,
		IchiSenkou: 52,
		BBPeriod:   20,
		BBStdDev:   2.0,
		ATRPeriod:  14,
		Margin:     50,
	}
}

// MinCandles is the smallest window for which every indicator is defined:
// the longest effective lookback plus one bar.
func (p Params) MinCandles() int {
	lookbacks := []int{
		p.SMAFast,
		p.SMASlow,
		p.RSIPeriod,
		p.MACDSlow + p.MACDSignal - 1,
		p.IchiTenkan + p.IchiKijun,
		p.IchiSenkou + p.IchiKijun,
		p.BBPeriod,
		p.ATRPeriod,
	}
	max := 0
	for _, l := range lookbacks {
		if l > max {
			max = l
		}
	}
	return max + 1
}

// Window is how many candles to read from the store for one snapshot.
func (p Params) Window() int {
	return p.MinCandles() + p.Margin
}

// Snapshot holds the indicator values at the last candle of a window. A nil
// field means the value is unavailable.
type Snapshot struct {
	OpenTime    time.Time `json:"open_time"`
	Close       *float64  `json:"close"`
	SMAFast     *float64  `json:"sma_fast"`
	SMASlow     *float64  `json:"sma_slow"`
	RSI         *float64  `json:"rsi"`
	MACDLine    *float64  `json:"macd_line"`
	MACDSignal  *float64  `json:"macd_signal"`
	MACDHist    *float64  `json:"macd_hist"`
	OBV         *float64  `json:"obv"`
	IchiTenkan  *float64  `json:"ichimoku_tenkan"`
	IchiKijun   *float64  `json:"ichimoku_kijun"`
	IchiSenkouA *float64  `json:"ichimoku_senkou_a"`
	IchiSenkouB *float64  `json:"ichimoku_senkou_b"`
	BBLower     *float64  `json:"bb_lower"`
	BBMiddle    *float64  `json:"bb_middle"`
	BBUpper     *float64  `json:"bb_upper"`
	BBPercent   *float64  `json:"bb_percent"`
	ATR         *float64  `json:"atr"`
	VWAP        *float64  `json:"vwap"`
}

// Field is a named snapshot value in display order.
type Field struct {
	Name  string
	Value *float64
}

// Fields lists every indicator value in a fixed order.
func (s Snapshot) Fields() []Field {
	return []Field{
		{"close", s.Close},
		{"sma_fast", s.SMAFast},
		{"sma_slow", s.SMASlow},
		{"rsi", s.RSI},
		{"macd_line", s.MACDLine},
		{"macd_signal", s.MACDSignal},
		{"macd_hist", s.MACDHist},
		{"obv", s.OBV},
		{"ichimoku_tenkan", s.IchiTenkan},
		{"ichimoku_kijun", s.IchiKijun},
		{"ichimoku_senkou_a", s.IchiSenkouA},
		{"ichimoku_senkou_b", s.IchiSenkouB},
		{"bb_lower", s.BBLower},
		{"bb_middle", s.BBMiddle},
		{"bb_upper", s.BBUpper},
		{"bb_percent", s.BBPercent},
		{"atr", s.ATR},
		{"vwap", s.VWAP},
	}
}

// Complete reports whether every value is present.
func (s Snapshot) Complete() bool {
	return len(s.Missing()) == 0
}

// Missing names the absent values.
func (s Snapshot) Missing() []string {
	var missing []string
	for _, f := range s.Fields() {
		if f.Value == nil {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Calculate computes the snapshot at the last candle. It fails when the
// window is too short or when any value is not finite; a panic inside a
// calculation is reported as an error too.
func Calculate(candles []market.Candle, p Params) (snap Snapshot, err error) {
	if min := p.MinCandles(); len(candles) < min {
		return Snapshot{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCandles, len(candles), min)
	}

	defer func() {
		if r := recover(); r != nil {
			snap, err = Snapshot{}, fmt.Errorf("indicator calculation panicked: %v", r)
		}
	}()

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
		volumes[i] = c.Volume.InexactFloat64()
	}

	macd := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	ichi := Ichimoku(highs, lows, p.IchiTenkan, p.IchiKijun, p.IchiSenkou)
	bb := Bollinger(closes, p.BBPeriod, p.BBStdDev)

	values := []struct {
		name   string
		value  float64
		places int32
		dst    **float64
	}{
		{"close", last(closes), 2, &snap.Close},
		{"sma_fast", last(SMA(closes, p.SMAFast)), 2, &snap.SMAFast},
		{"sma_slow", last(SMA(closes, p.SMASlow)), 2, &snap.SMASlow},
		{"rsi", last(RSI(closes, p.RSIPeriod)), 2, &snap.RSI},
		{"macd_line", last(macd.Line), 2, &snap.MACDLine},
		{"macd_signal", last(macd.Signal), 2, &snap.MACDSignal},
		{"macd_hist", last(macd.Histogram), 2, &snap.MACDHist},
		{"obv", last(OBV(closes, volumes)), 0, &snap.OBV},
		{"ichimoku_tenkan", last(ichi.Tenkan), 2, &snap.IchiTenkan},
		{"ichimoku_kijun", last(ichi.Kijun), 2, &snap.IchiKijun},
		{"ichimoku_senkou_a", last(ichi.SenkouA), 2, &snap.IchiSenkouA},
		{"ichimoku_senkou_b", last(ichi.SenkouB), 2, &snap.IchiSenkouB},
		{"bb_lower", bb.Lower, 2, &snap.BBLower},
		{"bb_middle", bb.Middle, 2, &snap.BBMiddle},
		{"bb_upper", bb.Upper, 2, &snap.BBUpper},
		{"bb_percent", bb.Percent, 4, &snap.BBPercent},
		{"atr", last(ATR(highs, lows, closes, p.ATRPeriod)), 4, &snap.ATR},
		{"vwap", dailyVWAP(candles), 4, &snap.VWAP},
	}

	for _, v := range values {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNonFinite, v.name)
		}
		rounded := round(v.value, v.places)
		*v.dst = &rounded
	}
	snap.OpenTime = candles[n-1].OpenTime
	return snap, nil
}

// dailyVWAP is the volume weighted typical price over the candles sharing the
// UTC calendar day of the last candle.
func dailyVWAP(candles []market.Candle) float64 {
	lastOpen := candles[len(candles)-1].OpenTime.UTC()
	y, m, d := lastOpen.Date()

	pv, vol := 0.0, 0.0
	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		cy, cm, cd := c.OpenTime.UTC().Date()
		if cy != y || cm != m || cd != d {
			break
		}
		typical := (c.High.InexactFloat64() + c.Low.InexactFloat64() + c.Close.InexactFloat64()) / 3
		v := c.Volume.InexactFloat64()
		pv += typical * v
		vol += v
	}
	return pv / vol
}

func round(v float64, places int32) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Engine computes snapshots with fixed params and logs why a snapshot is
// unavailable.
type Engine struct {
	params Params
	logger *logging.Logger
}

// NewEngine creates an Engine.
func NewEngine(p Params, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.WithComponent("indicators")
	}
	return &Engine{params: p, logger: logger}
}

// Params returns the engine lookbacks.
func (e *Engine) Params() Params {
	return e.params
}

// Compute returns the snapshot for candles, or an empty snapshot when it
// cannot be computed.
func (e *Engine) Compute(candles []market.Candle) Snapshot {
	snap, err := Calculate(candles, e.params)
	if err != nil {
		if errors.Is(err, ErrInsufficientCandles) {
			e.logger.Warn("not enough candles for indicators", "error", err)
		} else {
			e.logger.Error("indicator calculation failed", "error", err)
		}
		return Snapshot{}
	}
	return snap
}
