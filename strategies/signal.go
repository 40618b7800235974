package strategies

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a strategy's proposed trade. It is a value: copy it, never
// mutate one that has been handed to the selector.
type Signal struct {
	ID         string      `json:"id"`
	Strategy   string      `json:"strategy"`
	Instrument string      `json:"instrument"`
	Side       market.Side `json:"side"`

	// Confidence is the quality score in [0, 1]. Strength is a secondary
	// ranking metric, such as the EMA separation in ATRs.
	Confidence float64 `json:"confidence"`
	Strength   float64 `json:"strength"`

	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Time       time.Time `json:"time"`
	Reason     string    `json:"reason,omitempty"`
}

// SignalID is stable across scans: the same candle producing the same
// setup always yields the same ID.
func SignalID(strategy, instrument string, side market.Side, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", strategy, instrument, side, at.Unix())
}

// NewSignal stamps a signal for the candle at time at.
func NewSignal(strategy, instrument string, side market.Side, at time.Time) Signal {
	return Signal{
		ID:         SignalID(strategy, instrument, side, at),
		Strategy:   strategy,
		Instrument: instrument,
		Side:       side,
		Time:       at,
	}
}

// Validate rejects signals that could not produce a protected order.
func (s Signal) Validate() error {
	switch {
	case s.ID == "" || s.Instrument == "":
		return fmt.Errorf("%w: missing id or instrument", ErrInvalidSignal)
	case !s.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, s.Side)
	case s.Entry <= 0 || s.StopLoss <= 0 || s.TakeProfit <= 0:
		return fmt.Errorf("%w: prices must be positive", ErrInvalidSignal)
	case math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidSignal, s.Confidence)
	case s.Time.IsZero():
		return fmt.Errorf("%w: missing time", ErrInvalidSignal)
	}

	if s.Side == market.Long && !(s.StopLoss < s.Entry && s.Entry < s.TakeProfit) {
		return fmt.Errorf("%w: long needs stop < entry < target (%v %v %v)", ErrInvalidSignal, s.StopLoss, s.Entry, s.TakeProfit)
	}
	if s.Side == market.Short && !(s.TakeProfit < s.Entry && s.Entry < s.StopLoss) {
		return fmt.Errorf("%w: short needs target < entry < stop (%v %v %v)", ErrInvalidSignal, s.TakeProfit, s.Entry, s.StopLoss)
	}
	return nil
}

// bracket places stop and target dist and dist×rr away from entry.
func (s *Signal) bracket(entry, dist, rr float64) {
	sign := s.Side.Sign()
	s.Entry = entry
	s.StopLoss = entry - sign*dist
	s.TakeProfit = entry + sign*dist*rr
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
