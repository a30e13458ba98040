package market

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownGranularity is returned for labels that do not map to a duration.
var ErrUnknownGranularity = errors.New("unknown granularity")

// Granularity is a Binance kline interval label such as "15m" or "1M".
// Labels are case sensitive: "1m" is one minute, "1M" one month.
type Granularity string

const (
	Minute1  Granularity = "1m"
	Minute3  Granularity = "3m"
	Minute5  Granularity = "5m"
	Minute15 Granularity = "15m"
	Minute30 Granularity = "30m"
	Hour1    Granularity = "1h"
	Hour2    Granularity = "2h"
	Hour4    Granularity = "4h"
	Hour6    Granularity = "6h"
	Hour8    Granularity = "8h"
	Hour12   Granularity = "12h"
	Day1     Granularity = "1d"
	Day3     Granularity = "3d"
	Week1    Granularity = "1w"
	Month1   Granularity = "1M"
)

// A month is a nominal 30 days for Duration; bar arithmetic uses the calendar.
const monthDuration = 30 * 24 * time.Hour

// PromptOrder is the order granularities are listed in when describing a market.
var PromptOrder = []Granularity{Month1, Week1, Day1, Hour4, Hour1, Minute15, Minute5, Minute1}

func (g Granularity) String() string {
	return string(g)
}

// Duration returns the nominal bar length.
func (g Granularity) Duration() (time.Duration, error) {
	s := string(g)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'M':
		unit = monthDuration
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
	}
	return time.Duration(n) * unit, nil
}

func (g Granularity) months() int {
	s := string(g)
	if len(s) < 2 || s[len(s)-1] != 'M' {
		return 0
	}
	n, _ := strconv.Atoi(s[:len(s)-1])
	return n
}

// Add moves t by the given number of bars. Month bars open on the 1st of a
// calendar month, so they are stepped with the calendar rather than 30 days.
func (g Granularity) Add(t time.Time, bars int) (time.Time, error) {
	d, err := g.Duration()
	if err != nil {
		return time.Time{}, err
	}
	if n := g.months(); n > 0 {
		return t.UTC().AddDate(0, n*bars, 0), nil
	}
	return t.Add(time.Duration(bars) * d), nil
}

// Next returns the open time of the bar following the one opening at t.
func (g Granularity) Next(t time.Time) (time.Time, error) {
	return g.Add(t, 1)
}

// Truncate returns the open time of the bar containing t.
func (g Granularity) Truncate(t time.Time) (time.Time, error) {
	d, err := g.Duration()
	if err != nil {
		return time.Time{}, err
	}
	if g.months() > 0 {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	}
	return t.Truncate(d), nil
}

// Valid reports whether the label maps to a duration.
func (g Granularity) Valid() bool {
	_, err := g.Duration()
	return err == nil
}

// ParseGranularities converts labels, rejecting any unknown one.
func ParseGranularities(labels []string) ([]Granularity, error) {
	out := make([]Granularity, 0, len(labels))
	for _, l := range labels {
		g := Granularity(l)
		if !g.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownGranularity, l)
		}
		out = append(out, g)
	}
	return out, nil
}
