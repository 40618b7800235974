package indicators

import "github.com/rustyeddy/fxengine/market"

// Donchian returns the highest high and lowest low of the period candles
// that precede the last one, so the last candle can be tested against the
// channel it would break.
func Donchian(candles []market.Candle, period int) (upper, lower float64, err error) {
	if err := checkPeriod(period, period+1, len(candles)); err != nil {
		return 0, 0, err
	}

	window := candles[len(candles)-1-period : len(candles)-1]
	upper, lower = window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > upper {
			upper = c.High
		}
		if c.Low < lower {
			lower = c.Low
		}
	}
	return upper, lower, nil
}
