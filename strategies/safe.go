package strategies

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/fxengine/indicators"
	"github.com/rustyeddy/fxengine/market"
)

var ErrStrategyPanic = errors.New("strategy panicked")

// SafeEvaluate runs s on a private copy of candles. A panic becomes
// ErrStrategyPanic and a malformed signal becomes ErrInvalidSignal, so a
// broken strategy only costs its own instrument.
func SafeEvaluate(s Strategy, instrument string, candles []market.Candle) (sig *Signal, err error) {
	if n := s.Lookback(); len(candles) < n {
		return nil, fmt.Errorf("%s %s: %w: need %d, got %d", s.Name(), instrument, indicators.ErrNotEnoughCandles, n, len(candles))
	}

	defer func() {
		if r := recover(); r != nil {
			sig = nil
			err = fmt.Errorf("%w: %s %s: %v", ErrStrategyPanic, s.Name(), instrument, r)
		}
	}()

	own := make([]market.Candle, len(candles))
	copy(own, candles)

	sig, err = s.Evaluate(instrument, own)
	if err != nil || sig == nil {
		return nil, err
	}

	out := *sig
	if out.Strategy == "" {
		out.Strategy = s.Name()
	}
	if out.Instrument != instrument {
		return nil, fmt.Errorf("%w: %s returned %s for %s", ErrInvalidSignal, s.Name(), out.Instrument, instrument)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", s.Name(), instrument, err)
	}
	return &out, nil
}
