package market

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoCandles    = errors.New("no candles")
	ErrStaleCandles = errors.New("stale candles")
)

// Candle represents OHLC (Open, High, Low, Close) candlestick data.
// Time is the candle open time.
type Candle struct {
	Time     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Complete bool
}

// Closes returns the close prices of candles in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Granularity is a candle timeframe in broker notation.
type Granularity string

const (
	M1  Granularity = "M1"
	M5  Granularity = "M5"
	M15 Granularity = "M15"
	M30 Granularity = "M30"
	H1  Granularity = "H1"
	H4  Granularity = "H4"
	D   Granularity = "D"
)

var granularityDurations = map[Granularity]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D:   24 * time.Hour,
}

// Duration returns the length of one candle, or 0 for an unknown granularity.
func (g Granularity) Duration() time.Duration {
	return granularityDurations[g]
}

func (g Granularity) Valid() bool {
	_, ok := granularityDurations[g]
	return ok
}

// CheckFresh verifies the last candle closed no more than maxAge before now.
// A zero maxAge allows two candle lengths.
func CheckFresh(candles []Candle, g Granularity, now time.Time, maxAge time.Duration) error {
	if len(candles) == 0 {
		return ErrNoCandles
	}
	if maxAge <= 0 {
		maxAge = 2 * g.Duration()
	}
	last := candles[len(candles)-1]
	closed := last.Time.Add(g.Duration())
	if age := now.Sub(closed); age > maxAge {
		return fmt.Errorf("%w: last %s candle closed %s ago (max %s)", ErrStaleCandles, g, age.Round(time.Second), maxAge)
	}
	return nil
}
