package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipSizeByInstrumentClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		inst string
		want float64
	}{
		{"standard pair", "EUR_USD", 0.0001},
		{"yen quoted", "USD_JPY", 0.01},
		{"yen cross", "GBP_JPY", 0.01},
		{"gold", "XAU_USD", 0.01},
		{"silver", "XAG_USD", 0.0001},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := Lookup(tt.inst)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, m.PipSize(), 1e-12)
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()

	_, err := Lookup("FOO_BAR")
	assert.True(t, errors.Is(err, ErrUnknownInstrument))
}

func TestPipConversions(t *testing.T) {
	t.Parallel()

	m := Instruments["EUR_USD"]
	assert.InDelta(t, 10.0, m.ToPips(0.0010), 1e-9)
	assert.InDelta(t, 0.0025, m.FromPips(25), 1e-12)
}

func TestTickMarkAndFill(t *testing.T) {
	t.Parallel()

	tk := Tick{Instrument: "EUR_USD", Bid: 1.1000, Ask: 1.1002}
	assert.Equal(t, 1.1000, tk.Mark(Long))
	assert.Equal(t, 1.1002, tk.Mark(Short))
	assert.Equal(t, 1.1002, tk.Fill(Long))
	assert.Equal(t, 1.1000, tk.Fill(Short))
	assert.InDelta(t, 1.1001, tk.Mid(), 1e-12)
	assert.InDelta(t, 0.0002, tk.Spread(), 1e-12)
}

func TestSide(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -1000.0, Short.SignedUnits(1000))
	assert.Equal(t, 1000.0, Long.SignedUnits(-1000))
	assert.Equal(t, Short, SideOf(-5))
	assert.Equal(t, Long, SideOf(5))

	_, err := ParseSide("up")
	assert.Error(t, err)
}

func TestQuoteToAccountRate(t *testing.T) {
	t.Parallel()

	store := NewTickStore()
	store.Set(Tick{Instrument: "USD_JPY", Bid: 149.99, Ask: 150.01})
	store.Set(Tick{Instrument: "GBP_USD", Bid: 1.2499, Ask: 1.2501})
	ctx := context.Background()

	q, err := QuoteToAccountRate(ctx, "EUR_USD", "USD", store)
	require.NoError(t, err)
	assert.Equal(t, 1.0, q)

	q, err = QuoteToAccountRate(ctx, "USD_JPY", "USD", store)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/150.0, q, 1e-12)

	q, err = QuoteToAccountRate(ctx, "EUR_GBP", "USD", store)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, q, 1e-12)

	_, err = QuoteToAccountRate(ctx, "EUR_JPY", "USD", NewTickStore())
	assert.Error(t, err)
}

func TestCheckFresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 4, 10, 7, 0, 0, time.UTC)
	fresh := []Candle{{Time: now.Add(-10 * time.Minute)}, {Time: now.Add(-5 * time.Minute)}}
	stale := []Candle{{Time: now.Add(-3 * time.Hour)}}

	assert.NoError(t, CheckFresh(fresh, M5, now, 0))
	assert.ErrorIs(t, CheckFresh(stale, M5, now, 0), ErrStaleCandles)
	assert.ErrorIs(t, CheckFresh(nil, M5, now, 0), ErrNoCandles)
	assert.NoError(t, CheckFresh(stale, M5, now, 4*time.Hour))
}
