package strategies

import (
	"testing"
	"time"

	"github.com/rustyeddy/fxengine/indicators"
	"github.com/rustyeddy/fxengine/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

// series builds H1 candles from closes with a fixed half range around each close.
func series(closes []float64, half float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Time:     t0.Add(time.Duration(i) * time.Hour),
			Open:     c,
			High:     c + half,
			Low:      c - half,
			Close:    c,
			Complete: true,
		}
	}
	return out
}

func flat(n int, px float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = px
	}
	return out
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	names := Default.Names()
	for _, n := range []string{"noop", "ema-cross", "rsi-reversion", "breakout"} {
		assert.Contains(t, names, n)
	}

	s, err := New(" EMA-Cross ", Params{"fast": 5, "slow": 10})
	require.NoError(t, err)
	assert.Equal(t, "ema-cross", s.Name())
	assert.Equal(t, 15, s.Lookback())

	_, err = New("martingale", nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = New("ema-cross", Params{"fast": 30, "slow": 10})
	assert.Error(t, err)

	r := NewRegistry()
	assert.False(t, r.Has("noop"))
	r.Register("noop", func(Params) (Strategy, error) { return Noop{}, nil })
	assert.True(t, r.Has("NOOP"))
}

func TestSignalValidate(t *testing.T) {
	t.Parallel()

	good := NewSignal("x", "EUR_USD", market.Long, t0)
	good.Entry, good.StopLoss, good.TakeProfit, good.Confidence = 1.1, 1.09, 1.12, 0.7
	require.NoError(t, good.Validate())
	assert.Equal(t, "x:EUR_USD:long:1709510400", good.ID)

	tests := []struct {
		name string
		mut  func(*Signal)
	}{
		{"stop above entry on long", func(s *Signal) { s.StopLoss = 1.11 }},
		{"target below entry on long", func(s *Signal) { s.TakeProfit = 1.09 }},
		{"short with long bracket", func(s *Signal) { s.Side = market.Short }},
		{"zero stop", func(s *Signal) { s.StopLoss = 0 }},
		{"confidence above one", func(s *Signal) { s.Confidence = 1.2 }},
		{"bad side", func(s *Signal) { s.Side = "flat" }},
		{"no time", func(s *Signal) { s.Time = time.Time{} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := good
			tt.mut(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSignal)
		})
	}
}

func TestEMACrossLong(t *testing.T) {
	t.Parallel()

	s, err := NewEMACross(nil)
	require.NoError(t, err)

	closes := append(flat(30, 1.5), 1.52)
	candles := series(closes, 0.001)

	sig, err := SafeEvaluate(s, "EUR_USD", candles)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, market.Long, sig.Side)
	assert.Equal(t, "BullCross", sig.Reason)
	assert.Equal(t, 1.52, sig.Entry)
	assert.Less(t, sig.StopLoss, sig.Entry)
	assert.InDelta(t, 2.0, (sig.TakeProfit-sig.Entry)/(sig.Entry-sig.StopLoss), 1e-9)
	assert.Greater(t, sig.Strength, 0.0)
	assert.Equal(t, SignalID("ema-cross", "EUR_USD", market.Long, candles[30].Time), sig.ID)

	again, err := SafeEvaluate(s, "EUR_USD", candles)
	require.NoError(t, err)
	assert.Equal(t, sig.ID, again.ID, "same candles give the same signal id")

	// one candle later the cross is old news
	later := series(append(closes, 1.53), 0.001)
	sig, err = SafeEvaluate(s, "EUR_USD", later)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestEMACrossShortWithPipStop(t *testing.T) {
	t.Parallel()

	s, err := NewEMACross(Params{"stop_pips": 20})
	require.NoError(t, err)

	sig, err := SafeEvaluate(s, "EUR_USD", series(append(flat(30, 1.5), 1.48), 0.001))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, market.Short, sig.Side)
	assert.InDelta(t, 1.4820, sig.StopLoss, 1e-9)
	assert.InDelta(t, 1.4760, sig.TakeProfit, 1e-9)
}

func TestEMACrossNoSignalWhenFlat(t *testing.T) {
	t.Parallel()

	s, _ := NewEMACross(nil)
	sig, err := SafeEvaluate(s, "EUR_USD", series(flat(40, 1.5), 0.001))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestRSIReversion(t *testing.T) {
	t.Parallel()

	s, err := NewRSIReversion(nil)
	require.NoError(t, err)

	down := make([]float64, 20)
	up := make([]float64, 20)
	for i := range down {
		down[i] = 1.2 - 0.001*float64(i)
		up[i] = 1.2 + 0.001*float64(i)
	}

	sig, err := SafeEvaluate(s, "EUR_USD", series(append(down, down[19]+0.01), 0.0005))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, market.Long, sig.Side)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9, "RSI came back from zero")

	sig, err = SafeEvaluate(s, "EUR_USD", series(append(up, up[19]-0.01), 0.0005))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, market.Short, sig.Side)

	sig, err = SafeEvaluate(s, "EUR_USD", series(down, 0.0005))
	require.NoError(t, err)
	assert.Nil(t, sig, "still falling")
}

func TestBreakout(t *testing.T) {
	t.Parallel()

	s, err := NewBreakout(nil)
	require.NoError(t, err)
	assert.Equal(t, 28, s.Lookback())

	sig, err := SafeEvaluate(s, "EUR_USD", series(append(flat(30, 1.5), 1.51), 0.001))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, market.Long, sig.Side)
	assert.Equal(t, 1.0, sig.Confidence)

	sig, err = SafeEvaluate(s, "EUR_USD", series(append(flat(30, 1.5), 1.49), 0.001))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, market.Short, sig.Side)

	sig, err = SafeEvaluate(s, "EUR_USD", series(append(flat(30, 1.5), 1.5005), 0.001))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

type stubStrategy struct {
	lookback int
	eval     func(string, []market.Candle) (*Signal, error)
}

func (s stubStrategy) Name() string  { return "stub" }
func (s stubStrategy) Lookback() int { return s.lookback }
func (s stubStrategy) Evaluate(i string, c []market.Candle) (*Signal, error) {
	return s.eval(i, c)
}

func TestSafeEvaluateIsolation(t *testing.T) {
	t.Parallel()
	candles := series(flat(5, 1.1), 0.001)

	panicky := stubStrategy{eval: func(string, []market.Candle) (*Signal, error) { panic("boom") }}
	_, err := SafeEvaluate(panicky, "EUR_USD", candles)
	assert.ErrorIs(t, err, ErrStrategyPanic)

	garbage := stubStrategy{eval: func(i string, c []market.Candle) (*Signal, error) {
		s := NewSignal("stub", i, market.Long, c[0].Time)
		s.Entry, s.StopLoss, s.TakeProfit = 1.1, 1.2, 1.3
		return &s, nil
	}}
	_, err = SafeEvaluate(garbage, "EUR_USD", candles)
	assert.ErrorIs(t, err, ErrInvalidSignal)

	wrong := stubStrategy{eval: func(_ string, c []market.Candle) (*Signal, error) {
		s := NewSignal("stub", "GBP_USD", market.Long, c[0].Time)
		s.Entry, s.StopLoss, s.TakeProfit = 1.1, 1.0, 1.3
		return &s, nil
	}}
	_, err = SafeEvaluate(wrong, "EUR_USD", candles)
	assert.ErrorIs(t, err, ErrInvalidSignal)

	mutator := stubStrategy{eval: func(_ string, c []market.Candle) (*Signal, error) {
		c[0].Close = 99
		return nil, nil
	}}
	_, err = SafeEvaluate(mutator, "EUR_USD", candles)
	require.NoError(t, err)
	assert.Equal(t, 1.1, candles[0].Close, "caller candles untouched")

	_, err = SafeEvaluate(stubStrategy{lookback: 10}, "EUR_USD", candles)
	assert.ErrorIs(t, err, indicators.ErrNotEnoughCandles)
}
