package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type dayBook struct {
	mu       sync.Mutex
	executed int
	inflight map[string]struct{}
	spent    map[string]struct{}
}

func newDayBook() *dayBook {
	return &dayBook{
		inflight: make(map[string]struct{}),
		spent:    make(map[string]struct{}),
	}
}

// Memory is an in-process Store. Each key has its own mutex; books older
// than the retention window are dropped the first time a newer day is seen.
type Memory struct {
	mu     sync.Mutex
	books  map[Key]*dayBook
	latest string
	retain time.Duration
}

func NewMemory(retain time.Duration) *Memory {
	if retain <= 0 {
		retain = 48 * time.Hour
	}
	return &Memory{books: make(map[Key]*dayBook), retain: retain}
}

func (m *Memory) book(key Key) *dayBook {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.Day > m.latest {
		m.latest = key.Day
		m.sweep()
	}
	b, ok := m.books[key]
	if !ok {
		b = newDayBook()
		m.books[key] = b
	}
	return b
}

// sweep runs with m.mu held.
func (m *Memory) sweep() {
	latest, err := time.Parse(dayLayout, m.latest)
	if err != nil {
		return
	}
	cutoff := latest.Add(-m.retain).Format(dayLayout)
	for k := range m.books {
		if k.Day < cutoff {
			delete(m.books, k)
		}
	}
}

func (m *Memory) Claim(_ context.Context, key Key, signalID string, cap int) error {
	b := m.book(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.spent[signalID]; ok {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateClaim, signalID, key)
	}
	if _, ok := b.inflight[signalID]; ok {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateClaim, signalID, key)
	}
	used := b.executed + len(b.inflight)
	if cap > 0 && used >= cap {
		return capError(key, used, cap)
	}
	b.inflight[signalID] = struct{}{}
	return nil
}

func (m *Memory) Confirm(_ context.Context, key Key, signalID string) error {
	b := m.book(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflight[signalID]; !ok {
		return fmt.Errorf("%w: %s in %s", ErrNotClaimed, signalID, key)
	}
	delete(b.inflight, signalID)
	b.spent[signalID] = struct{}{}
	b.executed++
	return nil
}

func (m *Memory) Release(_ context.Context, key Key, signalID string) error {
	b := m.book(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, signalID)
	return nil
}

func (m *Memory) Usage(_ context.Context, key Key) (Usage, error) {
	b := m.book(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{Executed: b.executed, InFlight: len(b.inflight)}, nil
}

func (m *Memory) Spent(_ context.Context, key Key) (map[string]bool, error) {
	b := m.book(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]bool, len(b.spent)+len(b.inflight))
	for id := range b.spent {
		out[id] = true
	}
	for id := range b.inflight {
		out[id] = true
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
