package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/ledger"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/rustyeddy/fxengine/selector"
	"github.com/rustyeddy/fxengine/strategies"
	"go.uber.org/zap"
)

// Reason codes for candidates dropped by sizing.
const (
	SizeBelowMinimum = "SizeBelowMinimum"
	InvalidStop      = "InvalidStop"
)

// pipeline is the per-cycle state shared by every binding's work.
type pipeline struct {
	s       *Scheduler
	cfg     *config.Config
	loc     *time.Location
	now     time.Time
	timeout time.Duration
}

type scanResult struct {
	signals []strategies.Signal
	errs    []BindingError
}

type bindingResult struct {
	signals    int
	placed     int
	rejections map[string]int
	errs       []BindingError
}

func (r *bindingResult) reject(reason string) {
	if r.rejections == nil {
		r.rejections = make(map[string]int)
	}
	r.rejections[reason]++
}

// scan evaluates the binding's strategy on every instrument. A failure on
// one instrument does not stop the others.
func (p *pipeline) scan(ctx context.Context, b config.Binding) (res scanResult) {
	fail := func(instrument string, err error) {
		res.errs = append(res.errs, BindingError{AccountID: b.AccountID, Strategy: b.Strategy, Instrument: instrument, Err: err})
	}
	defer func() {
		if r := recover(); r != nil {
			fail("", fmt.Errorf("panic: %v", r))
		}
	}()

	strat, err := p.s.registry.New(b.Strategy, strategies.Params(b.Params))
	if err != nil {
		fail("", &config.ConfigurationError{AccountID: b.AccountID, Msg: err.Error(), Err: err})
		return res
	}

	count := b.CandleCount
	if lb := strat.Lookback(); count < lb+1 {
		count = lb + 1
	}

	for _, inst := range b.Instruments {
		if err := p.s.limiter.Wait(ctx); err != nil {
			fail(inst, err)
			return res
		}

		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		candles, err := p.s.broker.GetCandles(cctx, inst, b.Granularity, count)
		cancel()
		if err != nil {
			fail(inst, fmt.Errorf("candles: %w", err))
			continue
		}
		if err := market.CheckFresh(candles, b.Granularity, p.now, p.cfg.Engine.MaxCandleAge.D()); err != nil {
			fail(inst, err)
			continue
		}

		sig, err := strategies.SafeEvaluate(strat, inst, candles)
		if err != nil {
			fail(inst, err)
			continue
		}
		if sig != nil {
			res.signals = append(res.signals, *sig)
		}
	}
	return res
}

// execute runs select, admit, size, margin and execute for one binding
// while holding the binding's daily-counter lock.
func (p *pipeline) execute(ctx context.Context, b config.Binding, scan scanResult) (res bindingResult) {
	res.signals = len(scan.signals)
	res.errs = append(res.errs, scan.errs...)
	fail := func(instrument string, err error) {
		res.errs = append(res.errs, BindingError{AccountID: b.AccountID, Strategy: b.Strategy, Instrument: instrument, Err: err})
	}
	defer func() {
		if r := recover(); r != nil {
			fail("", fmt.Errorf("panic: %v", r))
		}
	}()
	if len(scan.signals) == 0 {
		return res
	}

	log := p.s.log.With(zap.String("account", b.AccountID), zap.String("strategy", b.Strategy))
	key := ledger.NewKey(b.AccountID, b.Strategy, p.now, p.loc)
	unlock := p.s.selector.Lock(key)
	defer unlock()

	usage, err := p.s.claims.Usage(ctx, key)
	if err != nil {
		fail("", fmt.Errorf("ledger usage: %w", err))
		return res
	}
	spent, err := p.s.claims.Spent(ctx, key)
	if err != nil {
		fail("", fmt.Errorf("ledger spent: %w", err))
		return res
	}

	sel := p.s.selector.Select(key, scan.signals, selector.Budget{
		Cap:           b.DailyCap,
		Used:          usage.Total(),
		Spent:         spent,
		MinConfidence: b.MinConfidence,
	})
	for _, r := range sel.Rejected {
		res.reject(string(r.Reason))
		p.rejected(ctx, b, r.Signal, string(r.Reason), "")
	}
	if len(sel.Promoted) == 0 {
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	acct, err := p.s.broker.GetAccountSummary(cctx, b.AccountID)
	cancel()
	if err != nil {
		fail("", fmt.Errorf("account summary: %w", err))
		return res
	}
	if acct.Currency == "" {
		acct.Currency = b.Currency
	}
	openInstruments, err := p.openInstruments(ctx, b.AccountID)
	if err != nil {
		fail("", fmt.Errorf("open trades: %w", err))
		return res
	}
	positions := acct.OpenTradeCount

	gov := risk.NewGovernor(groups(p.cfg.Risk.CorrelationGroups))
	used := usage.Total()

	for _, sig := range sel.Promoted {
		sigLog := log.With(zap.String("signal", sig.ID), zap.String("instrument", sig.Instrument))

		err := gov.Admit(sig.Instrument, risk.Exposure{
			UsedToday:        used,
			DailyCap:         b.DailyCap,
			OpenInstruments:  openInstruments,
			OpenPositions:    positions,
			MaxOpenPositions: b.MaxOpenPositions,
		})
		if p.governed(ctx, b, sig, err, &res) {
			continue
		}

		meta, err := market.Lookup(sig.Instrument)
		if err != nil {
			fail(sig.Instrument, err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		quote, err := market.QuoteToAccountRate(cctx, sig.Instrument, acct.Currency, p.s.broker)
		cancel()
		if err != nil {
			fail(sig.Instrument, fmt.Errorf("conversion rate: %w", err))
			continue
		}

		size, err := risk.Size(risk.SizingInput{
			Balance:        acct.Balance,
			RiskPct:        b.RiskPct,
			Entry:          sig.Entry,
			Stop:           sig.StopLoss,
			Instrument:     meta,
			QuoteToAccount: quote,
			MinUnits:       p.cfg.Sizing.MinUnits,
			MaxUnits:       p.cfg.Sizing.MaxUnits,
			MaxLeverage:    p.cfg.Sizing.MaxLeverage,
		})
		if err != nil {
			reason := SizeBelowMinimum
			if !errors.Is(err, risk.ErrBelowMinimum) {
				reason = InvalidStop
			}
			res.reject(reason)
			p.rejected(ctx, b, sig, reason, err.Error())
			continue
		}
		if size.Clamped() {
			clamps := make([]string, len(size.Clamps))
			for i, c := range size.Clamps {
				clamps[i] = string(c)
			}
			sigLog.Info("size clamped",
				zap.Strings("clamps", clamps),
				zap.Float64("raw_units", size.RawUnits),
				zap.Float64("units", size.Units),
			)
		}

		margin := risk.MarginCheck{
			Units:           size.Units,
			Entry:           sig.Entry,
			QuoteToAccount:  quote,
			MarginRate:      meta.MarginRate,
			NAV:             acct.NAV,
			MarginUsed:      acct.MarginUsed,
			MarginAvailable: acct.MarginAvailable,
			MaxUsage:        b.MaxMarginUsage,
		}
		if p.governed(ctx, b, sig, gov.CheckMargin(margin), &res) {
			continue
		}

		// room for the order, one retry and a protection repair
		ectx, cancel := context.WithTimeout(ctx, 3*p.timeout)
		_, err = p.s.exec.Execute(ectx, execution.Candidate{
			Signal: sig,
			Key:    key,
			Units:  size.Units,
			Cap:    b.DailyCap,
		})
		cancel()

		switch {
		case err == nil:
			res.placed++
		case errors.Is(err, ledger.ErrDuplicateClaim):
			continue
		case errors.Is(err, execution.ErrUnprotected):
			res.reject(execution.ReasonOf(err))
		case errors.Is(err, execution.ErrOutcomeUnknown):
			res.reject(execution.ReasonOf(err))
			fail(sig.Instrument, err)
		default:
			res.reject(execution.ReasonOf(err))
			if _, ok := broker.AsRejection(err); !ok && !errors.Is(err, ledger.ErrCapReached) {
				fail(sig.Instrument, err)
			}
			continue
		}

		// the claim counts either way, and an unknown outcome may be a position
		used++
		if err == nil || errors.Is(err, execution.ErrOutcomeUnknown) {
			openInstruments = append(openInstruments, sig.Instrument)
			positions++
		}
		if err == nil {
			need := margin.RequiredMargin()
			acct.MarginUsed += need
			acct.MarginAvailable -= need
		}
	}
	return res
}

// openInstruments lists one instrument per open trade, merging what the
// broker holds with the journal. The broker side covers trades placed by
// other instances or not yet journaled; if it cannot be read the journal
// alone is used.
func (p *pipeline) openInstruments(ctx context.Context, accountID string) ([]string, error) {
	open, err := p.s.trades.ListOpen(ctx, accountID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(open))
	out := make([]string, 0, len(open))
	for _, t := range open {
		seen[t.BrokerRef] = true
		out = append(out, t.Instrument)
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	held, err := p.s.broker.OpenTrades(cctx, accountID)
	cancel()
	if err != nil {
		p.s.log.Warn("broker open trades unavailable, using the journal",
			zap.String("account", accountID), zap.Error(err))
		return out, nil
	}
	for _, h := range held {
		if !seen[h.TradeRef] {
			out = append(out, h.Instrument)
		}
	}
	return out, nil
}

// governed records a governor rejection and reports whether there was one.
func (p *pipeline) governed(ctx context.Context, b config.Binding, sig strategies.Signal, err error, res *bindingResult) bool {
	if err == nil {
		return false
	}
	var rej *risk.Rejection
	if errors.As(err, &rej) {
		res.reject(string(rej.Reason))
		p.rejected(ctx, b, sig, string(rej.Reason), rej.Detail)
		return true
	}
	res.errs = append(res.errs, BindingError{AccountID: b.AccountID, Strategy: b.Strategy, Instrument: sig.Instrument, Err: err})
	return true
}

func (p *pipeline) rejected(ctx context.Context, b config.Binding, sig strategies.Signal, reason, detail string) {
	p.s.log.Debug("signal rejected",
		zap.String("account", b.AccountID),
		zap.String("signal", sig.ID),
		zap.String("reason", reason),
	)
	if err := p.s.notify.Notify(ctx, notify.Event{
		Kind:       notify.OrderRejected,
		Time:       p.now,
		AccountID:  b.AccountID,
		Strategy:   b.Strategy,
		Instrument: sig.Instrument,
		Side:       string(sig.Side),
		SignalID:   sig.ID,
		Reason:     reason,
		Message:    detail,
	}); err != nil {
		p.s.log.Warn("notify", zap.Error(err))
	}
}

func groups(in []config.CorrelationGroup) []risk.CorrelationGroup {
	out := make([]risk.CorrelationGroup, len(in))
	for i, g := range in {
		out[i] = risk.CorrelationGroup{Name: g.Name, Instruments: g.Instruments, MaxOpen: g.MaxOpen}
	}
	return out
}
