package sim

import (
	"time"

	"github.com/rustyeddy/fxengine/market"
)

type trade struct {
	ref        string
	clientID   string
	instrument string
	units      float64 // signed
	entry      float64
	openTime   time.Time
	stopLoss   float64
	takeProfit float64
	tag        string
	comment    string
}

func (t *trade) side() market.Side { return market.SideOf(t.units) }

func (t *trade) hitStopLoss(mark float64) bool {
	if t.stopLoss <= 0 {
		return false
	}
	if t.units > 0 {
		return mark <= t.stopLoss
	}
	return mark >= t.stopLoss
}

func (t *trade) hitTakeProfit(mark float64) bool {
	if t.takeProfit <= 0 {
		return false
	}
	if t.units > 0 {
		return mark >= t.takeProfit
	}
	return mark <= t.takeProfit
}

// pl is the profit in account currency of closing at mark.
func (t *trade) pl(mark, quoteToAccount float64) float64 {
	return (mark - t.entry) * t.units * quoteToAccount
}

// tradeMargin is the margin held against a position in account currency.
func tradeMargin(units, price, quoteToAccount, marginRate float64) float64 {
	if units < 0 {
		units = -units
	}
	return units * price * quoteToAccount * marginRate
}
