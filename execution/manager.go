// Package execution turns an approved candidate into a protected broker
// position and a journal record. A signal is claimed in the ledger before
// the order goes out, so it can be executed at most once.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/fxengine/analytics"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/ledger"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/pkg/id"
	"github.com/rustyeddy/fxengine/strategies"
	"go.uber.org/zap"
)

// ErrUnprotected means the order filled but no stop-loss or take-profit
// could be attached. The position has been closed, or flagged for the
// monitor to close.
var ErrUnprotected = errors.New("position could not be protected")

// ErrOutcomeUnknown means an order may have filled but no attempt and no
// client id lookup could confirm it. Its claim is kept in flight.
var ErrOutcomeUnknown = errors.New("order outcome unknown")

// ErrForeign is returned by Adopt for broker trades the engine did not place.
var ErrForeign = errors.New("broker trade not placed by the engine")

// Tag marks broker trades placed by the engine.
const Tag = "fxengine"

// clientNamespace seeds the deterministic client order ids.
var clientNamespace = uuid.MustParse("6f1c2b0e-4d43-5a8e-9b7a-2f3c8d1e0a55")

// Candidate is a selected, admitted and sized signal.
type Candidate struct {
	Signal strategies.Signal
	Key    ledger.Key
	Units  float64 // unsigned
	Cap    int
}

type Manager struct {
	broker    broker.Trading
	claims    ledger.Store
	trades    journal.Store
	notify    notify.Sink
	analytics analytics.Sink
	log       *zap.Logger

	retryDelay time.Duration
	now        func() time.Time
	newID      func() string
}

type Option func(*Manager)

func WithNotifier(s notify.Sink) Option { return func(m *Manager) { m.notify = s } }

func WithAnalytics(s analytics.Sink) Option { return func(m *Manager) { m.analytics = s } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithRetryDelay sets the pause before the single retry of a transient
// broker failure.
func WithRetryDelay(d time.Duration) Option { return func(m *Manager) { m.retryDelay = d } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(b broker.Trading, claims ledger.Store, trades journal.Store, opts ...Option) *Manager {
	m := &Manager{
		broker:     b,
		claims:     claims,
		trades:     trades,
		notify:     notify.Nop{},
		analytics:  analytics.Nop{},
		log:        zap.NewNop(),
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
		newID:      id.New,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("execution")
	return m
}

// ClientID is the broker client order id for a signal. It depends only on
// the counter key and the signal id, so a retry carries the same id.
func ClientID(key ledger.Key, signalID string) string {
	return uuid.NewSHA1(clientNamespace, []byte(key.String()+"|"+signalID)).String()
}

// Comment is the text stored on a broker trade so the trade can be matched
// to its counter key and signal after the fact.
func Comment(key ledger.Key, signalID string) string {
	return key.String() + "|" + signalID
}

// ParseComment reverses Comment.
func ParseComment(s string) (ledger.Key, string, bool) {
	k, signalID, ok := strings.Cut(s, "|")
	if !ok || signalID == "" {
		return ledger.Key{}, "", false
	}
	account, rest, ok := strings.Cut(k, "/")
	i := strings.LastIndex(rest, "/")
	if !ok || i <= 0 || account == "" {
		return ledger.Key{}, "", false
	}
	return ledger.Key{AccountID: account, Strategy: rest[:i], Day: rest[i+1:]}, signalID, true
}

// Execute claims the signal, places the order and records the trade. On any
// failure before a fill the claim is released and an OrderRejected event
// is emitted. When the fill cannot be ruled out (ErrOutcomeUnknown) the
// claim stays in flight instead. ledger.ErrDuplicateClaim is returned
// without notification.
func (m *Manager) Execute(ctx context.Context, c Candidate) (journal.Trade, error) {
	sig := c.Signal
	log := m.log.With(
		zap.String("account", c.Key.AccountID),
		zap.String("strategy", c.Key.Strategy),
		zap.String("signal", sig.ID),
	)

	if err := m.claims.Claim(ctx, c.Key, sig.ID, c.Cap); err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateClaim):
			log.Debug("signal already claimed")
		case errors.Is(err, ledger.ErrCapReached):
			m.rejected(ctx, c, err)
		default:
			log.Error("claim failed", zap.Error(err))
		}
		return journal.Trade{}, err
	}

	tr, err := m.open(ctx, c, log)
	// Past this point the broker may hold a position, so bookkeeping must
	// finish even if the caller gives up.
	bg := context.WithoutCancel(ctx)
	if err != nil && tr.ID == "" {
		if errors.Is(err, ErrOutcomeUnknown) {
			log.Error("order outcome unknown, claim kept in flight",
				zap.String("client_id", ClientID(c.Key, sig.ID)), zap.Error(err))
		} else if rerr := m.claims.Release(bg, c.Key, sig.ID); rerr != nil {
			log.Error("release claim", zap.Error(rerr))
		}
		m.rejected(bg, c, err)
		return journal.Trade{}, err
	}

	if cerr := m.claims.Confirm(bg, c.Key, sig.ID); cerr != nil {
		log.Error("confirm claim", zap.Error(cerr))
	}
	if err != nil {
		m.rejected(bg, c, err)
		return tr, err
	}

	log.Info("order placed",
		zap.String("trade", tr.ID),
		zap.String("instrument", tr.Instrument),
		zap.String("side", string(tr.Side)),
		zap.Float64("units", tr.Units),
		zap.Float64("price", tr.EntryPrice),
	)
	m.emit(bg, notify.Event{
		Kind:       notify.OrderPlaced,
		AccountID:  tr.AccountID,
		Strategy:   tr.Strategy,
		Instrument: tr.Instrument,
		Side:       string(tr.Side),
		SignalID:   tr.SignalID,
		TradeID:    tr.ID,
		Units:      tr.Units,
		Price:      tr.EntryPrice,
	}, tr)
	return tr, nil
}

// open places the order and persists the trade. A returned trade with an
// empty ID means nothing reached the broker.
func (m *Manager) open(ctx context.Context, c Candidate, log *zap.Logger) (journal.Trade, error) {
	sig := c.Signal
	req := broker.OrderRequest{
		Instrument: sig.Instrument,
		Units:      sig.Side.SignedUnits(c.Units),
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		ClientID:   ClientID(c.Key, sig.ID),
		Tag:        Tag,
		Comment:    Comment(c.Key, sig.ID),
	}

	fill, err := m.place(ctx, c.Key.AccountID, req, log)
	if err != nil {
		return journal.Trade{}, err
	}

	tr := m.tradeFrom(c, req, fill)
	bg := context.WithoutCancel(ctx)

	var protectErr error
	var closure *journal.Closure
	if !fill.StopLossSet || !fill.TakeProfitSet {
		closure, protectErr = m.protect(bg, &tr, log)
	}

	if err := m.trades.Insert(bg, tr); err != nil {
		log.Error("journal insert failed for a filled order",
			zap.String("broker_ref", tr.BrokerRef), zap.Error(err))
		return tr, fmt.Errorf("journal trade %s: %w", tr.ID, err)
	}
	if closure != nil {
		if err := m.trades.MarkClosed(bg, tr.ID, *closure); err != nil {
			log.Error("journal close", zap.String("trade", tr.ID), zap.Error(err))
		}
		tr.Status = journal.StatusClosed
		tr.ExitPrice = closure.Price
		tr.ExitTime = closure.Time
		tr.ExitReason = closure.Reason
		tr.RealizedPL = closure.RealizedPL
	}
	return tr, protectErr
}

// place sends the order with one bounded retry for transient failures.
// Whenever an attempt may have reached the venue, or the venue reports the
// client id as taken, the trade is looked up by client id rather than
// ordered twice.
func (m *Manager) place(ctx context.Context, accountID string, req broker.OrderRequest, log *zap.Logger) (broker.OrderFill, error) {
	fill, err := m.broker.PlaceOrder(ctx, accountID, req)
	switch {
	case err == nil:
		return fill, nil
	case duplicate(err):
		return m.resolve(ctx, accountID, req.ClientID, err, log)
	case !broker.IsTransient(err):
		return broker.OrderFill{}, err
	}

	log.Warn("place order failed, retrying once", zap.Error(err))
	if serr := sleep(ctx, m.retryDelay); serr != nil {
		return broker.OrderFill{}, fmt.Errorf("%w: %w; %w", ErrOutcomeUnknown, err, serr)
	}

	fill, err = m.broker.PlaceOrder(ctx, accountID, req)
	switch {
	case err == nil:
		return fill, nil
	case duplicate(err), broker.IsTransient(err):
		return m.resolve(ctx, accountID, req.ClientID, err, log)
	}
	return broker.OrderFill{}, err
}

// resolve finds the trade an earlier attempt opened. cause is the error
// that left the outcome in doubt.
func (m *Manager) resolve(ctx context.Context, accountID, clientID string, cause error, log *zap.Logger) (broker.OrderFill, error) {
	ot, err := m.broker.TradeByClientID(context.WithoutCancel(ctx), accountID, clientID)
	if err != nil {
		return broker.OrderFill{}, fmt.Errorf("%w: %w; lookup %s: %w", ErrOutcomeUnknown, cause, clientID, err)
	}
	log.Info("resolved order by client id", zap.String("broker_ref", ot.TradeRef))
	return ot.Fill(), nil
}

func duplicate(err error) bool {
	r, ok := broker.AsRejection(err)
	return ok && r.Code == broker.DuplicateClientID
}

// protect attaches the missing stop-loss and take-profit. If that fails the
// trade is closed right away and the closure returned; if the close fails
// too the trade is flagged for the monitor.
func (m *Manager) protect(ctx context.Context, tr *journal.Trade, log *zap.Logger) (*journal.Closure, error) {
	err := m.broker.SetProtection(ctx, tr.AccountID, tr.BrokerRef, tr.StopLoss, tr.TakeProfit)
	if err == nil {
		return nil, nil
	}
	log.Error("set protection failed, closing", zap.String("broker_ref", tr.BrokerRef), zap.Error(err))

	cf, cerr := m.closeAtBroker(ctx, tr.AccountID, tr.BrokerRef, log)
	if cerr != nil && !errors.Is(cerr, broker.ErrTradeNotFound) {
		log.Error("close of unprotected trade failed", zap.String("broker_ref", tr.BrokerRef), zap.Error(cerr))
		tr.ForceClose = true
		return nil, fmt.Errorf("%w: %v; close: %v", ErrUnprotected, err, cerr)
	}

	c := &journal.Closure{
		Price:      cf.Price,
		Time:       cf.Time,
		Reason:     journal.ProtectionFailed,
		RealizedPL: cf.RealizedPL,
	}
	if cerr != nil {
		// gone at the broker already; the fill is the best known exit
		c.Price = tr.EntryPrice
	}
	if c.Time.IsZero() {
		c.Time = m.now()
	}
	return c, fmt.Errorf("%w: %v", ErrUnprotected, err)
}

func (m *Manager) tradeFrom(c Candidate, req broker.OrderRequest, fill broker.OrderFill) journal.Trade {
	sig := c.Signal
	tr := journal.Trade{
		ID:         m.newID(),
		BrokerRef:  fill.TradeRef,
		ClientID:   req.ClientID,
		AccountID:  c.Key.AccountID,
		Strategy:   c.Key.Strategy,
		SignalID:   sig.ID,
		Instrument: fill.Instrument,
		Side:       sig.Side,
		Units:      math.Abs(fill.Units),
		EntryPrice: fill.Price,
		EntryTime:  fill.Time,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Confidence: sig.Confidence,
		Status:     journal.StatusOpen,
		BestPrice:  fill.Price,
	}
	if tr.Instrument == "" {
		tr.Instrument = sig.Instrument
	}
	if tr.Units == 0 {
		tr.Units = c.Units
	}
	if tr.EntryTime.IsZero() {
		tr.EntryTime = m.now()
	}
	return tr
}

// Adopt records a broker trade that carries the engine's tag but has no
// journal row, such as a fill whose journal insert failed. Its claim is
// confirmed so it counts toward its day's cap. A trade without both
// protective prices is closed at the broker instead of journaled.
func (m *Manager) Adopt(ctx context.Context, accountID string, ot broker.OpenTrade) (journal.Trade, error) {
	key, signalID, ok := ParseComment(ot.Comment)
	if ot.Tag != Tag || !ok || key.AccountID != accountID {
		return journal.Trade{}, fmt.Errorf("%w: %s", ErrForeign, ot.TradeRef)
	}
	log := m.log.With(
		zap.String("account", accountID),
		zap.String("strategy", key.Strategy),
		zap.String("signal", signalID),
		zap.String("broker_ref", ot.TradeRef),
	)

	if err := m.confirmLate(ctx, key, signalID); err != nil {
		log.Error("confirm claim of adopted trade", zap.Error(err))
	}

	if ot.StopLoss <= 0 || ot.TakeProfit <= 0 {
		log.Error("orphaned trade is unprotected, closing")
		if _, err := m.closeAtBroker(ctx, accountID, ot.TradeRef, log); err != nil && !errors.Is(err, broker.ErrTradeNotFound) {
			return journal.Trade{}, fmt.Errorf("%w: close orphan %s: %w", ErrUnprotected, ot.TradeRef, err)
		}
		return journal.Trade{}, fmt.Errorf("%w: orphan %s closed", ErrUnprotected, ot.TradeRef)
	}

	tr := journal.Trade{
		ID:         m.newID(),
		BrokerRef:  ot.TradeRef,
		ClientID:   ot.ClientID,
		AccountID:  accountID,
		Strategy:   key.Strategy,
		SignalID:   signalID,
		Instrument: ot.Instrument,
		Side:       market.SideOf(ot.Units),
		Units:      math.Abs(ot.Units),
		EntryPrice: ot.Price,
		EntryTime:  ot.OpenTime,
		StopLoss:   ot.StopLoss,
		TakeProfit: ot.TakeProfit,
		Status:     journal.StatusOpen,
		BestPrice:  ot.Price,
	}
	if tr.EntryTime.IsZero() {
		tr.EntryTime = m.now()
	}
	if err := m.trades.Insert(ctx, tr); err != nil {
		return journal.Trade{}, fmt.Errorf("journal adopted trade %s: %w", ot.TradeRef, err)
	}
	log.Warn("adopted broker trade missing from the journal", zap.String("trade", tr.ID))
	return tr, nil
}

// confirmLate counts a signal as executed whether its claim is still in
// flight, already confirmed, or was released before the fill surfaced.
func (m *Manager) confirmLate(ctx context.Context, key ledger.Key, signalID string) error {
	err := m.claims.Confirm(ctx, key, signalID)
	if !errors.Is(err, ledger.ErrNotClaimed) {
		return err
	}
	switch err := m.claims.Claim(ctx, key, signalID, 0); {
	case errors.Is(err, ledger.ErrDuplicateClaim):
		return nil
	case err != nil:
		return err
	}
	return m.claims.Confirm(ctx, key, signalID)
}

// Close exits an open trade at the broker with one retry for transient
// failures and records the closure. A trade the broker no longer has is
// recorded as BrokerClosed at the given mark.
func (m *Manager) Close(ctx context.Context, tr journal.Trade, reason journal.ExitReason, mark float64) (journal.Trade, error) {
	log := m.log.With(
		zap.String("account", tr.AccountID),
		zap.String("trade", tr.ID),
		zap.String("reason", string(reason)),
	)

	cf, err := m.closeAtBroker(ctx, tr.AccountID, tr.BrokerRef, log)
	closure := journal.Closure{
		Price:      cf.Price,
		Time:       cf.Time,
		Reason:     reason,
		RealizedPL: cf.RealizedPL,
	}
	switch {
	case errors.Is(err, broker.ErrTradeNotFound):
		log.Info("trade already closed at broker")
		closure = journal.Closure{Price: mark, Time: m.now(), Reason: journal.BrokerClosed}
	case err != nil:
		return tr, err
	}
	return m.Settle(context.WithoutCancel(ctx), tr, closure)
}

// Settle records a closure that already happened at the broker.
func (m *Manager) Settle(ctx context.Context, tr journal.Trade, c journal.Closure) (journal.Trade, error) {
	if c.Time.IsZero() {
		c.Time = m.now()
	}
	if err := m.trades.MarkClosed(ctx, tr.ID, c); err != nil {
		return tr, fmt.Errorf("mark trade %s closed: %w", tr.ID, err)
	}

	tr.Status = journal.StatusClosed
	tr.ExitPrice = c.Price
	tr.ExitTime = c.Time
	tr.ExitReason = c.Reason
	tr.RealizedPL = c.RealizedPL

	m.log.Info("trade closed",
		zap.String("account", tr.AccountID),
		zap.String("trade", tr.ID),
		zap.String("reason", string(c.Reason)),
		zap.Float64("price", c.Price),
		zap.Float64("pl", c.RealizedPL),
	)
	m.emit(ctx, notify.Event{
		Kind:       notify.TradeClosed,
		AccountID:  tr.AccountID,
		Strategy:   tr.Strategy,
		Instrument: tr.Instrument,
		Side:       string(tr.Side),
		SignalID:   tr.SignalID,
		TradeID:    tr.ID,
		Units:      tr.Units,
		Price:      c.Price,
		RealizedPL: c.RealizedPL,
		Reason:     string(c.Reason),
	}, tr)
	return tr, nil
}

func (m *Manager) closeAtBroker(ctx context.Context, accountID, ref string, log *zap.Logger) (broker.CloseFill, error) {
	cf, err := m.broker.CloseTrade(ctx, accountID, ref)
	if err == nil || !broker.IsTransient(err) {
		return cf, err
	}
	log.Warn("close failed, retrying once", zap.String("broker_ref", ref), zap.Error(err))
	if err := sleep(ctx, m.retryDelay); err != nil {
		return broker.CloseFill{}, err
	}
	return m.broker.CloseTrade(ctx, accountID, ref)
}

func (m *Manager) rejected(ctx context.Context, c Candidate, err error) {
	reason := ReasonOf(err)
	m.log.Warn("order rejected",
		zap.String("account", c.Key.AccountID),
		zap.String("signal", c.Signal.ID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if nerr := m.notify.Notify(ctx, notify.Event{
		Kind:       notify.OrderRejected,
		Time:       m.now(),
		AccountID:  c.Key.AccountID,
		Strategy:   c.Key.Strategy,
		Instrument: c.Signal.Instrument,
		Side:       string(c.Signal.Side),
		SignalID:   c.Signal.ID,
		Units:      c.Units,
		Reason:     reason,
		Message:    err.Error(),
	}); nerr != nil {
		m.log.Warn("notify", zap.Error(nerr))
	}
}

func (m *Manager) emit(ctx context.Context, e notify.Event, tr journal.Trade) {
	e.Time = m.now()
	if err := m.notify.Notify(ctx, e); err != nil {
		m.log.Warn("notify", zap.Error(err))
	}
	if err := m.analytics.Publish(ctx, analytics.FromTrade(tr)); err != nil {
		m.log.Warn("analytics", zap.Error(err))
	}
}

// ReasonOf maps an execution error onto the reason code carried by
// OrderRejected events.
func ReasonOf(err error) string {
	if errors.Is(err, ErrOutcomeUnknown) {
		return "OutcomeUnknown"
	}
	if r, ok := broker.AsRejection(err); ok {
		return string(r.Code)
	}
	switch {
	case errors.Is(err, ledger.ErrCapReached):
		return "DailyCapReached"
	case errors.Is(err, ErrUnprotected):
		return string(journal.ProtectionFailed)
	case broker.IsTransient(err):
		return "BrokerUnavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled"
	}
	return "Error"
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
