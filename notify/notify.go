// Package notify delivers engine events to people. Delivery is fire and
// forget: a slow or failing sink never holds up trading.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

type Kind string

const (
	OrderPlaced   Kind = "OrderPlaced"
	OrderRejected Kind = "OrderRejected"
	TradeClosed   Kind = "TradeClosed"
	CycleSummary  Kind = "CycleSummary"
)

type Event struct {
	Kind       Kind
	Time       time.Time
	AccountID  string
	Strategy   string
	Instrument string
	Side       string
	SignalID   string
	TradeID    string
	Units      float64
	Price      float64
	RealizedPL float64

	// Reason is the reject code or exit reason. Every OrderRejected carries one.
	Reason  string
	Message string
}

// Text is a one-line human rendering.
func (e Event) Text() string {
	switch e.Kind {
	case OrderPlaced:
		return fmt.Sprintf("[%s] %s %s %s %.0f @ %.5f (%s)", e.AccountID, e.Kind, e.Instrument, e.Side, e.Units, e.Price, e.Strategy)
	case OrderRejected:
		return fmt.Sprintf("[%s] %s %s %s: %s %s", e.AccountID, e.Kind, e.Instrument, e.Side, e.Reason, e.Message)
	case TradeClosed:
		return fmt.Sprintf("[%s] %s %s %s @ %.5f P/L %.2f (%s)", e.AccountID, e.Kind, e.Instrument, e.TradeID, e.Price, e.RealizedPL, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Sink interface {
	Notify(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Notify(ctx, e))
	}
	return err
}
