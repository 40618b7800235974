// Package indicators provides technical analysis indicators over closed candles.
package indicators

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/fxengine/market"
)

var ErrNotEnoughCandles = errors.New("not enough candles")

// Indicator computes a single streaming value from candles.
// It is deterministic, so a live scan and a replay over the same candles agree.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)" or "ATR(14)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	Reset()

	// Update consumes the next closed candle.
	Update(c market.Candle)

	Ready() bool

	// Value returns 0 until Ready.
	Value() float64
}

// Run feeds candles through ind and returns the final value.
func Run(ind Indicator, candles []market.Candle) (float64, error) {
	ind.Reset()
	for _, c := range candles {
		ind.Update(c)
	}
	if !ind.Ready() {
		return 0, fmt.Errorf("%s: %w: need %d, got %d", ind.Name(), ErrNotEnoughCandles, ind.Warmup(), len(candles))
	}
	return ind.Value(), nil
}

func checkPeriod(period, need, have int) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive, got %d", period)
	}
	if have < need {
		return fmt.Errorf("%w: need %d, got %d", ErrNotEnoughCandles, need, have)
	}
	return nil
}
