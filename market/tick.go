package market

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type TickSource interface {
	GetTick(ctx context.Context, instrument string) (Tick, error)
}

type Tick struct {
	Instrument string
	Time       time.Time
	Bid        float64
	Ask        float64
}

func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// Mark is the price an open position of side s would close at.
func (t Tick) Mark(s Side) float64 {
	if s == Short {
		return t.Ask
	}
	return t.Bid
}

// Fill is the price a new position of side s would open at.
func (t Tick) Fill(s Side) float64 {
	if s == Short {
		return t.Bid
	}
	return t.Ask
}

// TickStore holds the latest tick per instrument.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (ts *TickStore) Set(t Tick) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ticks[t.Instrument] = t
}

func (ts *TickStore) Get(instrument string) (Tick, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.ticks[instrument]
	if !ok {
		return Tick{}, fmt.Errorf("no price for %s", instrument)
	}
	return t, nil
}

func (ts *TickStore) GetTick(_ context.Context, instrument string) (Tick, error) {
	return ts.Get(instrument)
}
