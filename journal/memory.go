package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a Store for dry runs and tests.
type Memory struct {
	mu     sync.RWMutex
	trades map[string]Trade
}

func NewMemory() *Memory {
	return &Memory{trades: make(map[string]Trade)}
}

func (m *Memory) Insert(_ context.Context, t Trade) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[t.ID]; ok {
		return fmt.Errorf("insert trade %s: duplicate id", t.ID)
	}
	for _, o := range m.trades {
		if o.AccountID == t.AccountID && o.ClientID == t.ClientID {
			return fmt.Errorf("insert trade %s: duplicate client id %s", t.ID, t.ClientID)
		}
	}
	m.trades[t.ID] = t
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) filter(keep func(Trade) bool, less func(a, b Trade) bool) []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Trade
	for _, t := range m.trades {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byEntry(a, b Trade) bool {
	if !a.EntryTime.Equal(b.EntryTime) {
		return a.EntryTime.Before(b.EntryTime)
	}
	return a.ID < b.ID
}

func (m *Memory) ListOpen(_ context.Context, accountID string) ([]Trade, error) {
	return m.filter(func(t Trade) bool {
		return t.IsOpen() && (accountID == "" || t.AccountID == accountID)
	}, byEntry), nil
}

func (m *Memory) ListClosedBetween(_ context.Context, start, end time.Time) ([]Trade, error) {
	return m.filter(func(t Trade) bool {
		return t.Status == StatusClosed && !t.ExitTime.Before(start) && t.ExitTime.Before(end)
	}, func(a, b Trade) bool { return a.ExitTime.Before(b.ExitTime) }), nil
}

func (m *Memory) update(id string, fn func(*Trade)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !t.IsOpen() {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, id)
	}
	fn(&t)
	m.trades[id] = t
	return nil
}

func (m *Memory) UpdateTrailing(_ context.Context, id string, best, trail float64) error {
	return m.update(id, func(t *Trade) {
		t.BestPrice = best
		t.TrailingStop = trail
	})
}

func (m *Memory) MarkPending(_ context.Context, id string, reason ExitReason) error {
	return m.update(id, func(t *Trade) {
		if t.PendingExit == "" {
			t.PendingExit = reason
		}
	})
}

func (m *Memory) MarkClosed(_ context.Context, id string, c Closure) error {
	return m.update(id, func(t *Trade) {
		t.Status = StatusClosed
		t.ExitPrice = c.Price
		t.ExitTime = c.Time
		t.ExitReason = c.Reason
		t.RealizedPL = c.RealizedPL
	})
}

func (m *Memory) Close() error { return nil }
