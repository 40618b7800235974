// Package scheduler runs the scan cycle: every active binding is scanned
// for signals, then each binding's signals are selected, admitted, sized
// and executed under the binding's daily-counter lock.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/ledger"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/selector"
	"github.com/rustyeddy/fxengine/strategies"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type State int32

const (
	Idle State = iota
	Scanning
	Executing
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "Scanning"
	case Executing:
		return "Executing"
	}
	return "Idle"
}

type Scheduler struct {
	source   config.Source
	broker   broker.Broker
	claims   ledger.Store
	trades   journal.Store
	exec     *execution.Manager
	selector *selector.Selector
	registry *strategies.Registry
	notify   notify.Sink
	log      *zap.Logger
	now      func() time.Time

	limiter *rate.Limiter
	state   atomic.Int32

	mu       sync.Mutex
	interval time.Duration
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithNotifier(n notify.Sink) Option { return func(s *Scheduler) { s.notify = n } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithRegistry resolves strategy names through r instead of the default
// registry.
func WithRegistry(r *strategies.Registry) Option { return func(s *Scheduler) { s.registry = r } }

// WithSelector shares a selector, and so its per-key locks, with other
// schedulers in the process.
func WithSelector(sel *selector.Selector) Option { return func(s *Scheduler) { s.selector = sel } }

func New(src config.Source, b broker.Broker, claims ledger.Store, trades journal.Store, exec *execution.Manager, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:   src,
		broker:   b,
		claims:   claims,
		trades:   trades,
		exec:     exec,
		selector: selector.New(),
		registry: strategies.Default,
		notify:   notify.Nop{},
		log:      zap.NewNop(),
		now:      time.Now,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		interval: 5 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("scheduler")
	return s
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// throttle applies the market-data rate from cfg to the shared limiter.
func (s *Scheduler) throttle(cfg *config.Config) {
	r := rate.Inf
	if cfg.Broker.RatePerSecond > 0 {
		r = rate.Limit(cfg.Broker.RatePerSecond)
	}
	burst := cfg.Broker.Burst
	if burst <= 0 {
		burst = 1
	}
	if s.limiter.Limit() != r {
		s.limiter.SetLimit(r)
	}
	if s.limiter.Burst() != burst {
		s.limiter.SetBurst(burst)
	}
}

// RunCycle runs one scan cycle. Only a configuration load failure is
// returned as an error; every binding failure lands in the Summary.
//
// Cancelling ctx stops bindings that have not started. Started bindings
// finish their work on a context that is not cancelled.
func (s *Scheduler) RunCycle(ctx context.Context) (Summary, error) {
	sum := newSummary(uuid.NewString(), s.now())
	defer s.setState(Idle)

	cfg, err := s.source.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.DayLocation()
	if err != nil {
		return sum, fmt.Errorf("load config: %w", err)
	}
	s.mu.Lock()
	s.interval = cfg.Engine.ScanInterval.D()
	s.mu.Unlock()
	s.throttle(cfg)

	bindings, bad := cfg.Bindings()
	for _, e := range bad {
		sum.Errors = append(sum.Errors, BindingError{AccountID: e.AccountID, Err: e})
	}
	sum.Bindings = len(bindings)

	workers := cfg.Engine.Workers
	if workers <= 0 {
		workers = 1
	}
	work := context.WithoutCancel(ctx)
	now := s.now()
	p := &pipeline{s: s, cfg: cfg, loc: loc, now: now, timeout: callTimeout(cfg)}

	// Scanning: candles in, signals out.
	s.setState(Scanning)
	scans := make([]scanResult, len(bindings))
	started := make([]bool, len(bindings))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range bindings {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			scans[i] = p.scan(work, bindings[i])
			return nil
		})
	}
	_ = g.Wait()

	// Executing: select, admit, size and execute per binding.
	s.setState(Executing)
	results := make([]bindingResult, len(bindings))
	var g2 errgroup.Group
	g2.SetLimit(workers)
	for i := range bindings {
		if !started[i] {
			sum.Skipped++
			continue
		}
		g2.Go(func() error {
			results[i] = p.execute(work, bindings[i], scans[i])
			return nil
		})
	}
	_ = g2.Wait()

	for _, r := range results {
		sum.merge(r)
	}
	sum.Finished = s.now()
	s.report(work, sum)
	return sum, nil
}

func (s *Scheduler) report(ctx context.Context, sum Summary) {
	fields := []zap.Field{
		zap.String("cycle", sum.ID),
		zap.Int("bindings", sum.Bindings),
		zap.Int("signals", sum.SignalsSeen),
		zap.Int("placed", sum.TradesPlaced),
		zap.Int("rejected", sum.RejectionTotal()),
		zap.Int("errors", len(sum.Errors)),
		zap.Int("skipped", sum.Skipped),
		zap.Duration("took", sum.Finished.Sub(sum.Started)),
	}
	s.log.Info("cycle complete", fields...)
	for _, e := range sum.Errors {
		s.log.Warn("binding error",
			zap.String("cycle", sum.ID),
			zap.String("account", e.AccountID),
			zap.String("strategy", e.Strategy),
			zap.String("instrument", e.Instrument),
			zap.Error(e.Err),
		)
	}
	if err := s.notify.Notify(ctx, notify.Event{
		Kind:    notify.CycleSummary,
		Time:    sum.Finished,
		Message: sum.Text(),
	}); err != nil {
		s.log.Warn("notify", zap.Error(err))
	}
}

// Run starts a cycle immediately and then once per scan interval until ctx
// is done. The interval is re-read from the configuration every cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			s.log.Error("cycle aborted", zap.Error(err))
		}

		s.mu.Lock()
		interval := s.interval
		s.mu.Unlock()
		if interval <= 0 {
			interval = 5 * time.Minute
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func callTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Engine.CallTimeout.D(); d > 0 {
		return d
	}
	return 10 * time.Second
}
