package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped transient", fmt.Errorf("place: %w", Transient("orders", errors.New("503"))), true},
		{"net timeout", fmt.Errorf("do: %w", timeoutErr{}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"rejection", Reject(InsufficientMargin, "INSUFFICIENT_MARGIN"), false},
		{"plain", errors.New("bad json"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), tt.name)
	}
}

func TestAsRejection(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("execute: %w", Reject(InvalidPrice, "STOP_LOSS_ON_FILL_PRICE_INVALID"))
	r, ok := AsRejection(err)
	assert.True(t, ok)
	assert.Equal(t, InvalidPrice, r.Code)
	assert.Contains(t, err.Error(), "InvalidPrice")

	_, ok = AsRejection(errors.New("x"))
	assert.False(t, ok)
}
