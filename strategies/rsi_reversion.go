package strategies

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/rustyeddy/fxengine/indicators"
	"github.com/rustyeddy/fxengine/market"
)

// RSIReversion buys when RSI climbs back above the oversold line and sells
// when it falls back below the overbought line. The deeper the excursion
// on the previous candle, the higher the confidence.
type RSIReversion struct {
	RSIPeriod  int
	Oversold   float64
	Overbought float64
	ATRPeriod  int
	StopATR    float64
	RR         float64
}

func init() {
	Register("rsi-reversion", NewRSIReversion)
}

// NewRSIReversion reads rsi, oversold, overbought, atr, stop_atr and rr.
func NewRSIReversion(p Params) (Strategy, error) {
	s := &RSIReversion{
		RSIPeriod:  p.Int("rsi", 14),
		Oversold:   p.Get("oversold", 30),
		Overbought: p.Get("overbought", 70),
		ATRPeriod:  p.Int("atr", 14),
		StopATR:    p.Get("stop_atr", 2.0),
		RR:         p.Get("rr", 1.5),
	}
	if s.RSIPeriod < 2 || s.ATRPeriod < 1 {
		return nil, fmt.Errorf("rsi-reversion: periods too small")
	}
	if !(0 < s.Oversold && s.Oversold < s.Overbought && s.Overbought < 100) {
		return nil, fmt.Errorf("rsi-reversion: need 0 < oversold < overbought < 100")
	}
	if s.StopATR <= 0 || s.RR <= 0 {
		return nil, fmt.Errorf("rsi-reversion: stop_atr and rr must be positive")
	}
	return s, nil
}

func (s *RSIReversion) Name() string { return "rsi-reversion" }

func (s *RSIReversion) Lookback() int {
	n := s.RSIPeriod
	if s.ATRPeriod > n {
		n = s.ATRPeriod
	}
	return n + 2
}

func (s *RSIReversion) Evaluate(instrument string, candles []market.Candle) (*Signal, error) {
	if len(candles) < s.Lookback() {
		return nil, fmt.Errorf("%s: %w: need %d, got %d", s.Name(), indicators.ErrNotEnoughCandles, s.Lookback(), len(candles))
	}
	closes := market.Closes(candles)
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}

	rsi := talib.Rsi(closes, s.RSIPeriod)
	atrs := talib.Atr(highs, lows, closes, s.ATRPeriod)

	last := len(candles) - 1
	now, prev := rsi[last], rsi[last-1]
	atr := atrs[last]
	if atr <= 0 {
		return nil, nil
	}

	var (
		side  market.Side
		depth float64
	)
	switch {
	case prev < s.Oversold && now >= s.Oversold:
		side = market.Long
		depth = (s.Oversold - prev) / s.Oversold
	case prev > s.Overbought && now <= s.Overbought:
		side = market.Short
		depth = (prev - s.Overbought) / (100 - s.Overbought)
	default:
		return nil, nil
	}

	sig := NewSignal(s.Name(), instrument, side, candles[last].Time)
	sig.bracket(candles[last].Close, atr*s.StopATR, s.RR)
	sig.Strength = depth
	sig.Confidence = clamp01(0.5 + depth/2)
	sig.Reason = fmt.Sprintf("RSI %.1f -> %.1f", prev, now)
	return &sig, nil
}
