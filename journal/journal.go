// Package journal stores the local Trade records. A record exists only
// after the broker acknowledged the order, and an open record always
// carries both protective prices.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

var (
	ErrNotFound          = errors.New("trade not found")
	ErrAlreadyClosed     = errors.New("trade already closed")
	ErrMissingProtection = errors.New("trade without stop-loss and take-profit")
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

type ExitReason string

const (
	TimeExit         ExitReason = "TimeExit"
	ProfitLock       ExitReason = "ProfitLock"
	LossCut          ExitReason = "LossCut"
	TrailingStop     ExitReason = "TrailingStop"
	BrokerClosed     ExitReason = "BrokerClosed"
	ProtectionFailed ExitReason = "ProtectionFailed"
	Manual           ExitReason = "Manual"
)

type Trade struct {
	ID         string      `json:"id"`
	BrokerRef  string      `json:"broker_ref"`
	ClientID   string      `json:"client_id"`
	AccountID  string      `json:"account_id"`
	Strategy   string      `json:"strategy"`
	SignalID   string      `json:"signal_id"`
	Instrument string      `json:"instrument"`
	Side       market.Side `json:"side"`
	Units      float64     `json:"units"` // unsigned, Side carries direction
	EntryPrice float64     `json:"entry_price"`
	EntryTime  time.Time   `json:"entry_time"`
	StopLoss   float64     `json:"stop_loss"`
	TakeProfit float64     `json:"take_profit"`
	Confidence float64     `json:"confidence"`

	Status     Status     `json:"status"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	ExitTime   time.Time  `json:"exit_time,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	RealizedPL float64    `json:"realized_pl,omitempty"`

	// Lifecycle state. BestPrice is the most favourable mark seen and
	// TrailingStop is zero until the trail activates.
	BestPrice    float64 `json:"best_price,omitempty"`
	TrailingStop float64 `json:"trailing_stop,omitempty"`

	// ForceClose asks the monitor to close on its next tick, used when the
	// position could not be protected or closed at entry time.
	ForceClose bool `json:"force_close,omitempty"`

	// PendingExit is the first exit rule that fired for a close that has
	// not gone through yet. Retries close under this reason.
	PendingExit ExitReason `json:"pending_exit,omitempty"`
}

func (t Trade) IsOpen() bool { return t.Status == StatusOpen }

func (t Trade) validate() error {
	if t.ID == "" || t.AccountID == "" || t.Instrument == "" {
		return fmt.Errorf("trade: id, account and instrument are required")
	}
	if !t.Side.Valid() || t.Units <= 0 {
		return fmt.Errorf("trade %s: bad side %q or units %v", t.ID, t.Side, t.Units)
	}
	if t.StopLoss <= 0 || t.TakeProfit <= 0 {
		return fmt.Errorf("%w: %s", ErrMissingProtection, t.ID)
	}
	return nil
}

// Closure is what MarkClosed records.
type Closure struct {
	Price      float64
	Time       time.Time
	Reason     ExitReason
	RealizedPL float64
}

type Store interface {
	Insert(ctx context.Context, t Trade) error
	Get(ctx context.Context, id string) (Trade, error)

	// ListOpen returns open trades for accountID, or for every account
	// when accountID is empty, oldest first.
	ListOpen(ctx context.Context, accountID string) ([]Trade, error)

	UpdateTrailing(ctx context.Context, id string, best, trail float64) error

	// MarkPending records why an open trade should close. The first
	// reason recorded is kept.
	MarkPending(ctx context.Context, id string, reason ExitReason) error
	MarkClosed(ctx context.Context, id string, c Closure) error

	// ListClosedBetween returns trades whose exit time is within [start, end).
	ListClosedBetween(ctx context.Context, start, end time.Time) ([]Trade, error)

	Close() error
}
