package risk

import (
	"errors"
	"testing"

	"github.com/rustyeddy/fxengine/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eurusd() market.InstrumentMeta { return market.Instruments["EUR_USD"] }

func TestSizeClampsToMaxUnits(t *testing.T) {
	t.Parallel()

	got, err := Size(SizingInput{
		Balance:        100000,
		RiskPct:        0.015,
		Entry:          1.34500,
		Stop:           1.34400,
		Instrument:     eurusd(),
		QuoteToAccount: 1,
		MinUnits:       1000,
		MaxUnits:       1000000,
		MaxLeverage:    50,
	})
	require.NoError(t, err)

	assert.InDelta(t, 1500.0, got.RiskAmount, 1e-9)
	assert.InDelta(t, 0.00100, got.StopDistance, 1e-12)
	assert.InDelta(t, 10.0, got.StopPips, 1e-9)
	assert.InDelta(t, 1500000.0, got.RawUnits, 1e-3)
	assert.Equal(t, 1000000.0, got.Units)
	assert.Equal(t, []Clamp{ClampMaxUnits}, got.Clamps)
	assert.True(t, got.Clamped())
}

func TestSizeZeroStopDistance(t *testing.T) {
	t.Parallel()

	_, err := Size(SizingInput{
		Balance: 100000, RiskPct: 0.015, Entry: 1.345, Stop: 1.345,
		Instrument: eurusd(), QuoteToAccount: 1, MaxUnits: 1e6, MaxLeverage: 50,
	})
	assert.True(t, errors.Is(err, ErrZeroStopDistance))
}

func TestSizeBelowMinimum(t *testing.T) {
	t.Parallel()

	_, err := Size(SizingInput{
		Balance: 1000, RiskPct: 0.001, Entry: 1.2, Stop: 1.1,
		Instrument: eurusd(), QuoteToAccount: 1, MinUnits: 1000, MaxUnits: 1e6, MaxLeverage: 50,
	})
	assert.True(t, errors.Is(err, ErrBelowMinimum))
}

func TestSizeLeverageCeiling(t *testing.T) {
	t.Parallel()

	got, err := Size(SizingInput{
		Balance: 10000, RiskPct: 0.02, Entry: 1.2, Stop: 1.1999,
		Instrument: eurusd(), QuoteToAccount: 1, MaxUnits: 1e7, MaxLeverage: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []Clamp{ClampLeverage}, got.Clamps)
	assert.LessOrEqual(t, got.Units*1.2, 10000*10.0)
	assert.Equal(t, 83333.0, got.Units)
}

func TestSizeYenPair(t *testing.T) {
	t.Parallel()

	got, err := Size(SizingInput{
		Balance: 5000, RiskPct: 0.02, Entry: 150.00, Stop: 149.50,
		Instrument: market.Instruments["USD_JPY"], QuoteToAccount: 1.0 / 150.0,
		MaxUnits: 1e6, MaxLeverage: 50,
	})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.StopPips, 1e-9)
	// 100 USD / (0.5 JPY × 1/150) = 30000 units
	assert.InDelta(t, 30000.0, got.Units, 1)
	assert.Empty(t, got.Clamps)
}

func TestSizeInvariants(t *testing.T) {
	t.Parallel()

	stops := []float64{1.0, 1.05, 1.09, 1.0999, 1.1001, 1.2}
	balances := []float64{500, 10000, 250000}
	for _, bal := range balances {
		for _, stop := range stops {
			in := SizingInput{
				Balance: bal, RiskPct: 0.01, Entry: 1.1, Stop: stop,
				Instrument: eurusd(), QuoteToAccount: 1, MinUnits: 1, MaxUnits: 500000, MaxLeverage: 30,
			}
			got, err := Size(in)
			if err != nil {
				assert.ErrorIs(t, err, ErrBelowMinimum)
				continue
			}
			assert.Greater(t, got.Units, 0.0)
			assert.LessOrEqual(t, got.Units, in.MaxUnits)
			assert.LessOrEqual(t, got.Units*in.Entry, in.Balance*in.MaxLeverage+1e-6)
		}
	}
}

func TestSizeInvalidInput(t *testing.T) {
	t.Parallel()

	_, err := Size(SizingInput{Balance: 0, RiskPct: 0.01, Entry: 1, Stop: 0.9, QuoteToAccount: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGovernorOrder(t *testing.T) {
	t.Parallel()

	g := NewGovernor([]CorrelationGroup{
		{Name: "usd", Instruments: []string{"EUR_USD", "GBP_USD", "AUD_USD"}, MaxOpen: 2},
	})

	tests := []struct {
		name string
		inst string
		exp  Exposure
		want Reason
	}{
		{"daily cap first", "EUR_USD", Exposure{UsedToday: 3, DailyCap: 3, OpenInstruments: []string{"A", "B", "C"}, MaxOpenPositions: 3}, DailyCapReached},
		{"position cap", "EUR_USD", Exposure{UsedToday: 1, DailyCap: 3, OpenInstruments: []string{"USD_JPY", "USD_CAD"}, MaxOpenPositions: 2}, PositionCapReached},
		{"broker count wins", "USD_JPY", Exposure{DailyCap: 5, OpenInstruments: []string{"EUR_USD"}, OpenPositions: 3, MaxOpenPositions: 3}, PositionCapReached},
		{"journal count wins", "USD_JPY", Exposure{DailyCap: 5, OpenInstruments: []string{"EUR_USD", "USD_CAD"}, OpenPositions: 1, MaxOpenPositions: 2}, PositionCapReached},
		{"correlation cap", "AUD_USD", Exposure{DailyCap: 5, OpenInstruments: []string{"EUR_USD", "GBP_USD"}, MaxOpenPositions: 5}, CorrelationCapReached},
		{"uncorrelated passes", "USD_JPY", Exposure{DailyCap: 5, OpenInstruments: []string{"EUR_USD", "GBP_USD"}, MaxOpenPositions: 5}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := g.Admit(tt.inst, tt.exp)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			var r *Rejection
			require.ErrorAs(t, err, &r)
			assert.Equal(t, tt.want, r.Reason)
		})
	}
}

func TestGovernorMargin(t *testing.T) {
	t.Parallel()

	g := NewGovernor(nil)
	base := MarginCheck{Units: 100000, Entry: 1.1, QuoteToAccount: 1, MarginRate: 0.05,
		NAV: 100000, MarginUsed: 0, MarginAvailable: 100000, MaxUsage: 0.75}
	assert.InDelta(t, 5500.0, base.RequiredMargin(), 1e-9)
	assert.NoError(t, g.CheckMargin(base))

	buffer := base
	buffer.MarginUsed = 71000
	buffer.MarginAvailable = 29000
	var r *Rejection
	require.ErrorAs(t, g.CheckMargin(buffer), &r)
	assert.Equal(t, InsufficientMargin, r.Reason)

	short := base
	short.MarginAvailable = 5000
	require.ErrorAs(t, g.CheckMargin(short), &r)
	assert.Equal(t, InsufficientMargin, r.Reason)
}

func TestCalc(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 100.0, PlannedRisk(1.2, 1.19, 10000, 1), 1e-9)
	assert.InDelta(t, 2.0, RewardRisk(1.2, 1.19, 1.22), 1e-9)
	assert.Equal(t, 0.0, RewardRisk(1.2, 1.2, 1.3))
}
