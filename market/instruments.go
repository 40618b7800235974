package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

// InstrumentMeta carries the broker-side trading rules for one instrument.
// PipLocation is the power of ten of one pip: -4 for most pairs, -2 for
// yen-quoted pairs and gold.
type InstrumentMeta struct {
	Name                string
	BaseCurrency        string
	QuoteCurrency       string
	PipLocation         int
	DisplayPrecision    int
	TradeUnitsPrecision int
	MinimumTradeSize    float64
	MarginRate          float64
}

// PipSize returns the price distance of one pip.
func (m InstrumentMeta) PipSize() float64 {
	return PipSize(m.PipLocation)
}

// ToPips converts a price distance into pips.
func (m InstrumentMeta) ToPips(distance float64) float64 {
	return distance / m.PipSize()
}

// FromPips converts pips into a price distance.
func (m InstrumentMeta) FromPips(pips float64) float64 {
	return pips * m.PipSize()
}

func PipSize(loc int) float64 {
	return math.Pow(10, float64(loc))
}

var Instruments = map[string]InstrumentMeta{
	"EUR_USD": fx("EUR", "USD", -4, 5, 0.0333),
	"GBP_USD": fx("GBP", "USD", -4, 5, 0.05),
	"AUD_USD": fx("AUD", "USD", -4, 5, 0.05),
	"NZD_USD": fx("NZD", "USD", -4, 5, 0.05),
	"USD_CAD": fx("USD", "CAD", -4, 5, 0.0333),
	"USD_CHF": fx("USD", "CHF", -4, 5, 0.05),
	"EUR_GBP": fx("EUR", "GBP", -4, 5, 0.05),
	"USD_JPY": fx("USD", "JPY", -2, 3, 0.04),
	"EUR_JPY": fx("EUR", "JPY", -2, 3, 0.04),
	"GBP_JPY": fx("GBP", "JPY", -2, 3, 0.05),
	"XAU_USD": fx("XAU", "USD", -2, 3, 0.05),
	"XAG_USD": fx("XAG", "USD", -4, 5, 0.10),
}

func fx(base, quote string, pipLoc, display int, marginRate float64) InstrumentMeta {
	return InstrumentMeta{
		Name:                base + "_" + quote,
		BaseCurrency:        base,
		QuoteCurrency:       quote,
		PipLocation:         pipLoc,
		DisplayPrecision:    display,
		TradeUnitsPrecision: 0,
		MinimumTradeSize:    1,
		MarginRate:          marginRate,
	}
}

// Lookup returns the metadata for name.
func Lookup(name string) (InstrumentMeta, error) {
	m, ok := Instruments[name]
	if !ok {
		return InstrumentMeta{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, name)
	}
	return m, nil
}

// Names returns the known instrument names, sorted.
func Names() []string {
	out := make([]string, 0, len(Instruments))
	for n := range Instruments {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
