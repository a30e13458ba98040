// Package market holds the candle and granularity types shared by the store,
// the synchronizer and the indicator engine.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar. OpenTime is the bar's identity within a series.
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// SeriesKey identifies one candle series.
type SeriesKey struct {
	Symbol      string
	Granularity Granularity
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s", k.Symbol, k.Granularity)
}

// Equal reports whether two candles carry the same values. Decimal scale is ignored.
func (c Candle) Equal(o Candle) bool {
	return c.OpenTime.Equal(o.OpenTime) &&
		c.CloseTime.Equal(o.CloseTime) &&
		c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume)
}

// Closes returns the close prices as float64 for numeric work.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// FromMillis converts a Binance millisecond timestamp to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
