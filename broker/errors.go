package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var ErrTradeNotFound = errors.New("trade not found")

// TransientError is a failure worth one bounded retry: timeouts, dropped
// connections, 5xx and rate-limit responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying. A canceled context is
// never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type RejectCode string

const (
	InsufficientMargin RejectCode = "InsufficientMargin"
	InvalidPrice       RejectCode = "InvalidPrice"
	InvalidUnits       RejectCode = "InvalidUnits"
	MarketHalted       RejectCode = "MarketHalted"
	DuplicateClientID  RejectCode = "DuplicateClientID"
	Rejected           RejectCode = "Rejected"
)

// Rejection is a business refusal by the venue. It is never retried.
type Rejection struct {
	Code   RejectCode
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return fmt.Sprintf("order rejected: %s", r.Code)
	}
	return fmt.Sprintf("order rejected: %s (%s)", r.Code, r.Reason)
}

func Reject(code RejectCode, reason string) error {
	return &Rejection{Code: code, Reason: reason}
}

// AsRejection unwraps a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
