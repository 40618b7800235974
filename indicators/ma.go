package indicators

import (
	"fmt"

	"github.com/rustyeddy/fxengine/market"
)

// SMA calculates the Simple Moving Average of the last period closes.
func SMA(candles []market.Candle, period int) (float64, error) {
	if err := checkPeriod(period, period, len(candles)); err != nil {
		return 0, err
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period), nil
}

// EMA calculates the Exponential Moving Average for the given period,
// seeded with the SMA of the first period closes.
func EMA(candles []market.Candle, period int) (float64, error) {
	series, err := EMASeries(candles, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// EMASeries returns the EMA after each candle. Entries before the seed
// (index < period-1) are zero.
func EMASeries(candles []market.Candle, period int) ([]float64, error) {
	if err := checkPeriod(period, period, len(candles)); err != nil {
		return nil, err
	}

	out := make([]float64, len(candles))
	e := NewEMA(period)
	for i, c := range candles {
		e.Update(c)
		out[i] = e.Value()
	}
	return out, nil
}

// ExponentialMA is a streaming Exponential Moving Average indicator.
type ExponentialMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

func NewEMA(period int) *ExponentialMA {
	return &ExponentialMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *ExponentialMA) Name() string { return fmt.Sprintf("EMA(%d)", e.period) }

func (e *ExponentialMA) Warmup() int { return e.period }

func (e *ExponentialMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

func (e *ExponentialMA) Update(c market.Candle) {
	if e.count < e.period {
		e.warmupSum += c.Close
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (c.Close-e.ema)*e.multiplier + e.ema
}

func (e *ExponentialMA) Ready() bool { return e.count >= e.period }

func (e *ExponentialMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}
