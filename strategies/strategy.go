// Package strategies defines the Strategy contract, the name registry the
// scheduler resolves bindings through, and the reference strategies.
package strategies

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rustyeddy/fxengine/market"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy turns a candle history into at most one Signal. Implementations
// must not keep state between calls: the same candles always give the same
// answer, and one instance may be evaluated from several goroutines.
type Strategy interface {
	Name() string

	// Lookback is the minimum number of closed candles Evaluate needs.
	Lookback() int

	// Evaluate returns nil, nil when there is nothing to trade.
	Evaluate(instrument string, candles []market.Candle) (*Signal, error)
}

// Params are the numeric knobs from a binding's strategy block.
type Params map[string]float64

func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

type Factory func(Params) (Strategy, error)

// Registry maps configuration names to strategy factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = f
}

// New builds a fresh strategy instance for one binding.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (supported: %s)", ErrUnknownStrategy, name, strings.Join(r.Names(), ", "))
	}
	return f(p)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalize(name)]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default holds the built-in strategies.
var Default = NewRegistry()

func Register(name string, f Factory) { Default.Register(name, f) }

func New(name string, p Params) (Strategy, error) { return Default.New(name, p) }
