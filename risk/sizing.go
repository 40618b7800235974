package risk

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/fxengine/market"
	"github.com/shopspring/decimal"
)

var (
	ErrZeroStopDistance = errors.New("stop distance must be positive")
	ErrBelowMinimum     = errors.New("size below minimum tradable units")
	ErrInvalidInput     = errors.New("invalid sizing input")
)

// SizingInput describes one candidate. QuoteToAccount converts the
// instrument's quote currency into the account currency
// (EUR_USD in a USD account → 1.0, USD_JPY → 1/USDJPY).
type SizingInput struct {
	Balance        float64
	RiskPct        float64 // 0.015 for 1.5%
	Entry          float64
	Stop           float64
	Instrument     market.InstrumentMeta
	QuoteToAccount float64
	MinUnits       float64
	MaxUnits       float64
	MaxLeverage    float64
}

type Clamp string

const (
	ClampMaxUnits Clamp = "max_units"
	ClampLeverage Clamp = "leverage"
)

type Sizing struct {
	Units        float64
	RawUnits     float64
	RiskAmount   float64
	StopDistance float64
	StopPips     float64
	Clamps       []Clamp
}

func (s Sizing) Clamped() bool { return len(s.Clamps) > 0 }

// Size computes an order size from the risk budget. It is pure and
// deterministic:
//
//	risk_amount   = balance × risk_pct
//	stop_distance = |entry − stop|
//	units         = risk_amount / (stop_distance × quote_to_account)
//
// Units are clamped to MaxUnits and to the leverage ceiling, floored to the
// instrument's unit precision, and rejected when below the minimum.
func Size(in SizingInput) (Sizing, error) {
	if in.Balance <= 0 || in.RiskPct <= 0 || in.Entry <= 0 || in.Stop <= 0 || in.QuoteToAccount <= 0 {
		return Sizing{}, fmt.Errorf("%w: balance, risk, prices and conversion must be positive", ErrInvalidInput)
	}

	dist := decimal.NewFromFloat(in.Entry).Sub(decimal.NewFromFloat(in.Stop)).Abs()
	if !dist.IsPositive() {
		return Sizing{}, ErrZeroStopDistance
	}
	stopDistance := dist.InexactFloat64()

	riskAmount := in.Balance * in.RiskPct
	raw := riskAmount / (stopDistance * in.QuoteToAccount)

	out := Sizing{
		RawUnits:     raw,
		RiskAmount:   riskAmount,
		StopDistance: stopDistance,
		StopPips:     in.Instrument.ToPips(stopDistance),
	}

	units := raw
	if in.MaxUnits > 0 && units > in.MaxUnits {
		units = in.MaxUnits
		out.Clamps = append(out.Clamps, ClampMaxUnits)
	}
	if in.MaxLeverage > 0 {
		ceiling := in.Balance * in.MaxLeverage / (in.Entry * in.QuoteToAccount)
		if units > ceiling {
			units = ceiling
			out.Clamps = append(out.Clamps, ClampLeverage)
		}
	}

	units = decimal.NewFromFloat(units).RoundFloor(int32(in.Instrument.TradeUnitsPrecision)).InexactFloat64()

	min := in.MinUnits
	if in.Instrument.MinimumTradeSize > min {
		min = in.Instrument.MinimumTradeSize
	}
	if units <= 0 || units < min {
		return out, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinimum, units, min)
	}

	out.Units = units
	return out, nil
}
