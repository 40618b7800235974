package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Venue is the broker surface the monitor needs.
type Venue interface {
	broker.Trading
	market.TickSource
}

// Report counts what one tick did.
type Report struct {
	Checked    int
	Closed     int
	Reconciled int
	Adopted    int
	Failed     int
}

type Monitor struct {
	source config.Source
	venue  Venue
	trades journal.Store
	exec   *execution.Manager
	log    *zap.Logger
	now    func() time.Time
	grace  time.Duration

	mu   sync.Mutex
	last *config.Config
}

type Option func(*Monitor)

func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithAdoptAfter sets how old an untracked engine trade must be before the
// monitor adopts it. Younger trades may still be on their way into the
// journal.
func WithAdoptAfter(d time.Duration) Option { return func(m *Monitor) { m.grace = d } }

func New(src config.Source, v Venue, trades journal.Store, exec *execution.Manager, opts ...Option) *Monitor {
	m := &Monitor{
		source: src,
		venue:  v,
		trades: trades,
		exec:   exec,
		log:    zap.NewNop(),
		now:    time.Now,
		grace:  2 * time.Minute,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("lifecycle")
	return m
}

// config returns the current document, or the last one that loaded if the
// source fails.
func (m *Monitor) config(ctx context.Context) (*config.Config, error) {
	cfg, err := m.source.Load(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.last = cfg
		return cfg, nil
	}
	if m.last == nil {
		return nil, err
	}
	m.log.Warn("config load failed, using last good config", zap.Error(err))
	return m.last, nil
}

// Tick reconciles open trades with the broker, then evaluates every one
// still open. A failed close is left open and tried again next tick under
// the same exit reason.
func (m *Monitor) Tick(ctx context.Context) (Report, error) {
	var rep Report

	cfg, err := m.config(ctx)
	if err != nil {
		return rep, fmt.Errorf("load config: %w", err)
	}
	timeout := cfg.Engine.CallTimeout.D()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	open, err := m.trades.ListOpen(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("list open trades: %w", err)
	}

	// configured accounts are reconciled even with nothing journaled, so
	// orphaned broker trades get adopted
	byAccount := make(map[string][]journal.Trade)
	var accounts []string
	for _, a := range cfg.Accounts {
		if _, ok := byAccount[a.ID]; !ok && a.ID != "" {
			byAccount[a.ID] = nil
			accounts = append(accounts, a.ID)
		}
	}
	for _, t := range open {
		if _, ok := byAccount[t.AccountID]; !ok {
			accounts = append(accounts, t.AccountID)
		}
		byAccount[t.AccountID] = append(byAccount[t.AccountID], t)
	}

	ticks := make(map[string]market.Tick)
	var errs error
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return rep, multierr.Append(errs, ctx.Err())
		}
		rules := RulesFrom(cfg.Lifecycle)
		currency := ""
		if b, ok := cfg.Binding(acct); ok {
			rules = RulesFrom(b.Lifecycle)
			currency = b.Currency
		}

		live, err := m.reconcile(ctx, acct, currency, byAccount[acct], ticks, timeout, &rep)
		errs = multierr.Append(errs, err)

		for _, t := range live {
			rep.Checked++
			if err := m.check(ctx, t, rules, ticks, timeout, &rep); err != nil {
				rep.Failed++
				errs = multierr.Append(errs, err)
			}
		}
	}
	return rep, errs
}

// reconcile settles journal trades the broker no longer holds, adopts
// engine-tagged broker trades the journal is missing, and returns the ones
// still open. If the broker cannot be asked, every trade is treated as open.
func (m *Monitor) reconcile(ctx context.Context, acct, currency string, trades []journal.Trade, ticks map[string]market.Tick, timeout time.Duration, rep *Report) ([]journal.Trade, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	held, err := m.venue.OpenTrades(cctx, acct)
	cancel()
	if err != nil {
		m.log.Warn("open trades unavailable, skipping reconcile", zap.String("account", acct), zap.Error(err))
		return trades, nil
	}

	refs := make(map[string]bool, len(held))
	for _, h := range held {
		refs[h.TradeRef] = true
	}
	known := make(map[string]bool, len(trades))
	for _, t := range trades {
		known[t.BrokerRef] = true
	}

	var live []journal.Trade
	var errs error
	for _, t := range trades {
		if refs[t.BrokerRef] {
			live = append(live, t)
			continue
		}
		c := journal.Closure{Reason: journal.BrokerClosed, Time: m.now()}
		if tick, err := m.tick(ctx, t.Instrument, ticks, timeout); err == nil {
			c.Price = exitEstimate(t, tick.Mark(t.Side))
			c.RealizedPL = m.estimatePL(ctx, t, c.Price, currency, ticks, timeout)
		}
		if _, err := m.exec.Settle(ctx, t, c); err != nil {
			if !errors.Is(err, journal.ErrAlreadyClosed) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		rep.Reconciled++
	}

	for _, h := range held {
		if known[h.TradeRef] || h.Tag != execution.Tag || m.now().Sub(h.OpenTime) < m.grace {
			continue
		}
		t, err := m.exec.Adopt(ctx, acct, h)
		if err != nil {
			if !errors.Is(err, execution.ErrForeign) {
				errs = multierr.Append(errs, fmt.Errorf("adopt broker trade %s: %w", h.TradeRef, err))
			}
			continue
		}
		rep.Adopted++
		live = append(live, t)
	}
	return live, errs
}

func (m *Monitor) check(ctx context.Context, t journal.Trade, rules Rules, ticks map[string]market.Tick, timeout time.Duration, rep *Report) error {
	tick, err := m.tick(ctx, t.Instrument, ticks, timeout)
	if err != nil {
		return fmt.Errorf("price %s: %w", t.Instrument, err)
	}

	if t.ForceClose {
		return m.close(ctx, t, journal.ProtectionFailed, tick.Mark(t.Side), timeout, rep)
	}
	// a rule already fired on an earlier tick; later prices do not change it
	if t.PendingExit != "" {
		return m.close(ctx, t, t.PendingExit, tick.Mark(t.Side), timeout, rep)
	}

	d := Evaluate(t, tick, m.now(), rules)
	if d.Moved && !d.Close {
		if err := m.trades.UpdateTrailing(ctx, t.ID, d.BestPrice, d.TrailingStop); err != nil {
			return fmt.Errorf("trade %s trailing state: %w", t.ID, err)
		}
	}
	if !d.Close {
		return nil
	}

	m.log.Info("exit rule hit",
		zap.String("account", t.AccountID),
		zap.String("trade", t.ID),
		zap.String("reason", string(d.Reason)),
		zap.Float64("pips", d.Pips),
	)
	return m.close(ctx, t, d.Reason, d.Mark, timeout, rep)
}

func (m *Monitor) close(ctx context.Context, t journal.Trade, reason journal.ExitReason, mark float64, timeout time.Duration, rep *Report) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := m.exec.Close(cctx, t, reason, mark); err != nil {
		if !t.ForceClose && t.PendingExit == "" {
			if perr := m.trades.MarkPending(context.WithoutCancel(ctx), t.ID, reason); perr != nil {
				m.log.Error("record pending exit", zap.String("trade", t.ID), zap.Error(perr))
			}
		}
		return fmt.Errorf("close trade %s: %w", t.ID, err)
	}
	rep.Closed++
	return nil
}

// tick fetches a price once per instrument per monitor tick.
func (m *Monitor) tick(ctx context.Context, instrument string, cache map[string]market.Tick, timeout time.Duration) (market.Tick, error) {
	if t, ok := cache[instrument]; ok {
		return t, nil
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t, err := m.venue.GetTick(cctx, instrument)
	if err != nil {
		return market.Tick{}, err
	}
	cache[instrument] = t
	return t, nil
}

type cachedPrices struct {
	m       *Monitor
	cache   map[string]market.Tick
	timeout time.Duration
}

func (p cachedPrices) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	return p.m.tick(ctx, instrument, p.cache, p.timeout)
}

// estimatePL values a broker-side exit in account currency. It is zero
// when the conversion rate is unavailable.
func (m *Monitor) estimatePL(ctx context.Context, t journal.Trade, exit float64, currency string, ticks map[string]market.Tick, timeout time.Duration) float64 {
	if currency == "" {
		return 0
	}
	rate, err := market.QuoteToAccountRate(ctx, t.Instrument, currency, cachedPrices{m, ticks, timeout})
	if err != nil {
		return 0
	}
	return t.Side.Sign() * (exit - t.EntryPrice) * t.Units * rate
}

// exitEstimate guesses where the broker closed the trade: at the stop or
// target if the mark is past it, otherwise at the mark.
func exitEstimate(t journal.Trade, mark float64) float64 {
	sign := t.Side.Sign()
	switch {
	case sign*(mark-t.StopLoss) <= 0:
		return t.StopLoss
	case sign*(mark-t.TakeProfit) >= 0:
		return t.TakeProfit
	}
	return mark
}

// Run ticks until ctx is done. The interval is re-read from the
// configuration after every tick.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		rep, err := m.Tick(ctx)
		if err != nil {
			m.log.Warn("monitor tick", zap.Error(err))
		}
		if rep.Closed > 0 || rep.Reconciled > 0 || rep.Adopted > 0 {
			m.log.Info("monitor tick",
				zap.Int("checked", rep.Checked),
				zap.Int("closed", rep.Closed),
				zap.Int("reconciled", rep.Reconciled),
				zap.Int("adopted", rep.Adopted),
				zap.Int("failed", rep.Failed),
			)
		}

		interval := 15 * time.Second
		m.mu.Lock()
		if m.last != nil && m.last.Engine.MonitorInterval > 0 {
			interval = m.last.Engine.MonitorInterval.D()
		}
		m.mu.Unlock()

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
