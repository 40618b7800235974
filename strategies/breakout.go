package strategies

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/rustyeddy/fxengine/indicators"
	"github.com/rustyeddy/fxengine/market"
)

// Breakout signals when the last close leaves the Donchian channel of the
// preceding Channel candles. ADX is reported as the strength.
type Breakout struct {
	Channel   int
	ATRPeriod int
	ADXPeriod int
	StopATR   float64
	RR        float64
}

func init() {
	Register("breakout", NewBreakout)
}

// NewBreakout reads channel, atr, adx, stop_atr and rr.
func NewBreakout(p Params) (Strategy, error) {
	s := &Breakout{
		Channel:   p.Int("channel", 20),
		ATRPeriod: p.Int("atr", 14),
		ADXPeriod: p.Int("adx", 14),
		StopATR:   p.Get("stop_atr", 1.0),
		RR:        p.Get("rr", 2.0),
	}
	if s.Channel < 2 || s.ATRPeriod < 1 || s.ADXPeriod < 2 {
		return nil, fmt.Errorf("breakout: periods too small")
	}
	if s.StopATR <= 0 || s.RR <= 0 {
		return nil, fmt.Errorf("breakout: stop_atr and rr must be positive")
	}
	return s, nil
}

func (s *Breakout) Name() string { return "breakout" }

func (s *Breakout) Lookback() int {
	n := s.Channel + 1
	if a := s.ATRPeriod + 1; a > n {
		n = a
	}
	if a := 2 * s.ADXPeriod; a > n {
		n = a
	}
	return n
}

func (s *Breakout) Evaluate(instrument string, candles []market.Candle) (*Signal, error) {
	if len(candles) < s.Lookback() {
		return nil, fmt.Errorf("%s: %w: need %d, got %d", s.Name(), indicators.ErrNotEnoughCandles, s.Lookback(), len(candles))
	}
	upper, lower, err := indicators.Donchian(candles, s.Channel)
	if err != nil {
		return nil, err
	}
	atr, err := indicators.ATR(candles, s.ATRPeriod)
	if err != nil {
		return nil, err
	}
	if atr <= 0 {
		return nil, nil
	}

	last := candles[len(candles)-1]
	var (
		side   market.Side
		excess float64
	)
	switch {
	case last.Close > upper:
		side, excess = market.Long, last.Close-upper
	case last.Close < lower:
		side, excess = market.Short, lower-last.Close
	default:
		return nil, nil
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}
	adx := talib.Adx(highs, lows, market.Closes(candles), s.ADXPeriod)
	strength := adx[len(adx)-1] / 100
	if math.IsNaN(strength) || math.IsInf(strength, 0) {
		strength = 0
	}

	sig := NewSignal(s.Name(), instrument, side, last.Time)
	sig.bracket(last.Close, atr*s.StopATR, s.RR)
	sig.Strength = strength
	sig.Confidence = clamp01(0.5 + excess/atr/2)
	sig.Reason = fmt.Sprintf("close %.5f outside [%.5f, %.5f]", last.Close, lower, upper)
	return &sig, nil
}
