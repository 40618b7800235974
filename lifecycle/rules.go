// Package lifecycle watches open trades and closes them on time, profit,
// loss and trailing-stop rules.
package lifecycle

import (
	"time"

	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
)

// Rules are the exit thresholds for one binding. Pip values of zero
// disable the rule.
type Rules struct {
	MaxHold             time.Duration
	ProfitLockPips      float64
	LossCutPips         float64
	TrailActivationPips float64
	TrailDistancePips   float64
}

func RulesFrom(c config.LifecycleConfig) Rules {
	return Rules{
		MaxHold:             c.MaxHold.D(),
		ProfitLockPips:      c.ProfitLockPips,
		LossCutPips:         c.LossCutPips,
		TrailActivationPips: c.TrailActivationPips,
		TrailDistancePips:   c.TrailDistancePips,
	}
}

func (r Rules) trails() bool {
	return r.TrailActivationPips > 0 && r.TrailDistancePips > 0
}

// Decision is the outcome of evaluating one trade against one tick.
type Decision struct {
	Close  bool
	Reason journal.ExitReason

	Mark float64
	Pips float64 // unrealized P/L in pips at Mark

	// BestPrice and TrailingStop are the trade's lifecycle state after
	// this tick. Moved reports whether either changed.
	BestPrice    float64
	TrailingStop float64
	Moved        bool
}

// Evaluate applies the rules to t at tick. Rules are checked in priority
// order TimeExit, ProfitLock, LossCut, TrailingStop, each on this tick's
// snapshot only.
func Evaluate(t journal.Trade, tick market.Tick, now time.Time, r Rules) Decision {
	meta, err := market.Lookup(t.Instrument)
	if err != nil {
		meta = market.InstrumentMeta{PipLocation: -4}
	}
	sign := t.Side.Sign()
	mark := tick.Mark(t.Side)

	d := Decision{
		Mark:         mark,
		Pips:         meta.ToPips(sign * (mark - t.EntryPrice)),
		BestPrice:    t.BestPrice,
		TrailingStop: t.TrailingStop,
	}
	if d.BestPrice == 0 {
		d.BestPrice = t.EntryPrice
	}
	if sign*(mark-d.BestPrice) > 0 {
		d.BestPrice = mark
		d.Moved = true
	}

	if r.trails() && meta.ToPips(sign*(d.BestPrice-t.EntryPrice)) >= r.TrailActivationPips {
		stop := d.BestPrice - sign*meta.FromPips(r.TrailDistancePips)
		// the trail only ever tightens
		if d.TrailingStop == 0 || sign*(stop-d.TrailingStop) > 0 {
			d.TrailingStop = stop
			d.Moved = true
		}
	}

	switch {
	case r.MaxHold > 0 && now.Sub(t.EntryTime) >= r.MaxHold:
		d.Reason = journal.TimeExit
	case r.ProfitLockPips > 0 && d.Pips >= r.ProfitLockPips:
		d.Reason = journal.ProfitLock
	case r.LossCutPips > 0 && d.Pips <= -r.LossCutPips:
		d.Reason = journal.LossCut
	case d.TrailingStop != 0 && sign*(mark-d.TrailingStop) <= 0:
		d.Reason = journal.TrailingStop
	}
	d.Close = d.Reason != ""
	return d
}
