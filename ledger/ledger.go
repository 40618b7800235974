// Package ledger keeps the per (account, strategy, day) trade counters and
// the claims that stop one signal from being executed twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateClaim means the signal is already in flight or traded.
	// Callers drop the attempt without raising an alarm.
	ErrDuplicateClaim = errors.New("signal already claimed")
	ErrCapReached     = errors.New("daily cap reached")
	ErrNotClaimed     = errors.New("signal not claimed")
)

const dayLayout = "2006-01-02"

// Key scopes a counter to one account, one strategy and one calendar day.
type Key struct {
	AccountID string
	Strategy  string
	Day       string
}

func NewKey(accountID, strategy string, t time.Time, loc *time.Location) Key {
	return Key{AccountID: accountID, Strategy: strategy, Day: DayOf(t, loc)}
}

// DayOf returns the calendar day of t in loc (UTC when nil).
func DayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.AccountID, k.Strategy, k.Day)
}

// Usage is how much of a day's cap is taken. In-flight claims count, so
// two workers can never both see room for the last slot.
type Usage struct {
	Executed int
	InFlight int
}

func (u Usage) Total() int { return u.Executed + u.InFlight }

// Store is the daily counter plus claim set. Claim is atomic with respect
// to the cap check; Confirm moves a claim into the executed count; Release
// gives the slot back after a failed order.
type Store interface {
	Claim(ctx context.Context, key Key, signalID string, cap int) error
	Confirm(ctx context.Context, key Key, signalID string) error
	Release(ctx context.Context, key Key, signalID string) error
	Usage(ctx context.Context, key Key) (Usage, error)

	// Spent returns every signal id that already counts toward Usage,
	// confirmed or in flight.
	Spent(ctx context.Context, key Key) (map[string]bool, error)

	Close() error
}

func capError(key Key, used, cap int) error {
	return fmt.Errorf("%w: %s has %d of %d", ErrCapReached, key, used, cap)
}
