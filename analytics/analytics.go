// Package analytics publishes append-only trade records for downstream
// reporting. Publishing is fire and forget from the engine's point of view.
package analytics

import (
	"context"
	"time"

	"github.com/rustyeddy/fxengine/journal"
	"go.uber.org/multierr"
)

type Event string

const (
	Opened Event = "open"
	Closed Event = "close"
)

type Record struct {
	Event      Event     `json:"event"`
	Time       time.Time `json:"time"`
	TradeID    string    `json:"trade_id"`
	AccountID  string    `json:"account_id"`
	Strategy   string    `json:"strategy"`
	SignalID   string    `json:"signal_id"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"`
	Units      float64   `json:"units"`
	Confidence float64   `json:"confidence"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	ExitTime   time.Time `json:"exit_time,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`
	RealizedPL float64   `json:"realized_pl,omitempty"`
}

// FromTrade builds the record for a trade's current state: an open event
// for open trades, a close event once it is closed.
func FromTrade(t journal.Trade) Record {
	r := Record{
		Event:      Opened,
		Time:       t.EntryTime,
		TradeID:    t.ID,
		AccountID:  t.AccountID,
		Strategy:   t.Strategy,
		SignalID:   t.SignalID,
		Instrument: t.Instrument,
		Side:       string(t.Side),
		Units:      t.Units,
		Confidence: t.Confidence,
		EntryPrice: t.EntryPrice,
		EntryTime:  t.EntryTime,
		StopLoss:   t.StopLoss,
		TakeProfit: t.TakeProfit,
	}
	if t.Status == journal.StatusClosed {
		r.Event = Closed
		r.Time = t.ExitTime
		r.ExitPrice = t.ExitPrice
		r.ExitTime = t.ExitTime
		r.ExitReason = string(t.ExitReason)
		r.RealizedPL = t.RealizedPL
	}
	return r
}

type Sink interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Record) error { return nil }
func (Nop) Close() error                          { return nil }

// Multi publishes to every sink.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, r Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Publish(ctx, r))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
