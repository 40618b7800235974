package strategies

import (
	"fmt"
	"math"

	"github.com/rustyeddy/fxengine/indicators"
	"github.com/rustyeddy/fxengine/market"
)

// EMACross signals on the candle where the fast EMA crosses the slow one.
//   - Bull cross (diff goes from <= 0 to > 0) is a long
//   - Bear cross (diff goes from >= 0 to < 0) is a short
//
// The stop is StopPips away when set, otherwise StopATR × ATR. The target
// is RR times the stop distance. Confidence grows with the separation of
// the two averages measured in ATRs.
type EMACross struct {
	FastPeriod int
	SlowPeriod int
	ATRPeriod  int
	StopATR    float64
	StopPips   float64
	RR         float64
}

func init() {
	Register("ema-cross", NewEMACross)
	Register("emacross", NewEMACross)
}

func EMACrossDefaults() *EMACross {
	return &EMACross{
		FastPeriod: 9,
		SlowPeriod: 21,
		ATRPeriod:  14,
		StopATR:    1.5,
		RR:         2.0,
	}
}

// NewEMACross reads fast, slow, atr, stop_atr, stop_pips and rr.
func NewEMACross(p Params) (Strategy, error) {
	d := EMACrossDefaults()
	s := &EMACross{
		FastPeriod: p.Int("fast", d.FastPeriod),
		SlowPeriod: p.Int("slow", d.SlowPeriod),
		ATRPeriod:  p.Int("atr", d.ATRPeriod),
		StopATR:    p.Get("stop_atr", d.StopATR),
		StopPips:   p.Get("stop_pips", 0),
		RR:         p.Get("rr", d.RR),
	}
	if s.FastPeriod <= 0 || s.SlowPeriod <= s.FastPeriod {
		return nil, fmt.Errorf("ema-cross: need 0 < fast < slow, got %d/%d", s.FastPeriod, s.SlowPeriod)
	}
	if s.ATRPeriod <= 0 || s.RR <= 0 || (s.StopPips <= 0 && s.StopATR <= 0) {
		return nil, fmt.Errorf("ema-cross: atr, rr and a stop distance must be positive")
	}
	return s, nil
}

func (s *EMACross) Name() string { return "ema-cross" }

// Lookback covers the slow EMA seed plus one candle to see the previous
// diff, and the ATR warmup.
func (s *EMACross) Lookback() int {
	n := s.SlowPeriod + 1
	if a := s.ATRPeriod + 1; a > n {
		n = a
	}
	return n
}

func (s *EMACross) Evaluate(instrument string, candles []market.Candle) (*Signal, error) {
	if len(candles) < s.Lookback() {
		return nil, fmt.Errorf("%s: %w: need %d, got %d", s.Name(), indicators.ErrNotEnoughCandles, s.Lookback(), len(candles))
	}
	fast, err := indicators.EMASeries(candles, s.FastPeriod)
	if err != nil {
		return nil, err
	}
	slow, err := indicators.EMASeries(candles, s.SlowPeriod)
	if err != nil {
		return nil, err
	}
	atr, err := indicators.ATR(candles, s.ATRPeriod)
	if err != nil {
		return nil, err
	}

	last := len(candles) - 1
	diff := fast[last] - slow[last]
	prev := fast[last-1] - slow[last-1]

	var side market.Side
	switch {
	case diff > 0 && prev <= 0:
		side = market.Long
	case diff < 0 && prev >= 0:
		side = market.Short
	default:
		return nil, nil
	}
	if atr <= 0 {
		return nil, nil
	}

	dist := atr * s.StopATR
	if s.StopPips > 0 {
		meta, err := market.Lookup(instrument)
		if err != nil {
			return nil, err
		}
		dist = meta.FromPips(s.StopPips)
	}

	sep := math.Abs(diff) / atr
	sig := NewSignal(s.Name(), instrument, side, candles[last].Time)
	sig.bracket(candles[last].Close, dist, s.RR)
	sig.Strength = sep
	sig.Confidence = clamp01(0.5 + sep/2)
	sig.Reason = "BullCross"
	if side == market.Short {
		sig.Reason = "BearCross"
	}
	return &sig, nil
}
