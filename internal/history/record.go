package history

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"quantis-trader/internal/market"
)

// record is the stored member. Prices are written as bare JSON numbers so
// series written by older float-based writers decode the same way.
type record struct {
	O json.Number `json:"o"`
	H json.Number `json:"h"`
	L json.Number `json:"l"`
	C json.Number `json:"c"`
	V json.Number `json:"v"`
	T json.Number `json:"T"` // close time, ms
}

func encodeMember(c market.Candle) (string, error) {
	rec := record{
		O: json.Number(c.Open.String()),
		H: json.Number(c.High.String()),
		L: json.Number(c.Low.String()),
		C: json.Number(c.Close.String()),
		V: json.Number(c.Volume.String()),
		T: json.Number(strconv.FormatInt(c.CloseTime.UnixMilli(), 10)),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode candle %d: %w", c.OpenTime.UnixMilli(), err)
	}
	return string(b), nil
}

func decodeMember(member string, openTime time.Time) (market.Candle, error) {
	var rec record
	if err := json.Unmarshal([]byte(member), &rec); err != nil {
		return market.Candle{}, fmt.Errorf("decode member: %w", err)
	}

	c := market.Candle{OpenTime: openTime}
	var err error
	if c.Open, err = parseNumber("o", rec.O); err != nil {
		return market.Candle{}, err
	}
	if c.High, err = parseNumber("h", rec.H); err != nil {
		return market.Candle{}, err
	}
	if c.Low, err = parseNumber("l", rec.L); err != nil {
		return market.Candle{}, err
	}
	if c.Close, err = parseNumber("c", rec.C); err != nil {
		return market.Candle{}, err
	}
	if c.Volume, err = parseNumber("v", rec.V); err != nil {
		return market.Candle{}, err
	}
	closeMs, err := parseNumber("T", rec.T)
	if err != nil {
		return market.Candle{}, err
	}
	c.CloseTime = market.FromMillis(closeMs.IntPart())
	return c, nil
}

func parseNumber(field string, n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Decimal{}, fmt.Errorf("decode member: missing %q", field)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode member %q: %w", field, err)
	}
	return d, nil
}
