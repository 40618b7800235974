// Package sim is an in-memory paper broker. It fills market orders at the
// current tick, enforces margin, triggers stop-loss and take-profit on price
// updates and can inject failures for tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
)

type Op string

const (
	OpCandles        Op = "candles"
	OpTick           Op = "tick"
	OpAccountSummary Op = "account_summary"
	OpPlaceOrder     Op = "place_order"
	OpSetProtection  Op = "set_protection"
	OpCloseTrade     Op = "close_trade"
	OpOpenTrades     Op = "open_trades"
	OpClientLookup   Op = "client_lookup"
)

type account struct {
	id        string
	currency  string
	balance   float64
	trades    map[string]*trade
	clientIDs map[string]string
}

type Broker struct {
	mu       sync.Mutex
	accounts map[string]*account
	ticks    *market.TickStore
	feed     market.TickSource
	candles  map[string][]market.Candle
	faults   map[Op][]error
	calls    map[Op]int
	nextID   int
	now      func() time.Time

	// DropProtection makes fills come back without stop-loss and
	// take-profit attached, as a venue that ignores them would.
	DropProtection bool
}

var _ broker.Broker = (*Broker)(nil)

type Option func(*Broker)

// WithPriceFeed takes prices from src instead of SetTick. Used for dry runs
// against live market data.
func WithPriceFeed(src market.TickSource) Option {
	return func(b *Broker) { b.feed = src }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		accounts: make(map[string]*account),
		ticks:    market.NewTickStore(),
		candles:  make(map[string][]market.Candle),
		faults:   make(map[Op][]error),
		calls:    make(map[Op]int),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) AddAccount(id, currency string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[id] = &account{
		id:        id,
		currency:  currency,
		balance:   balance,
		trades:    make(map[string]*trade),
		clientIDs: make(map[string]string),
	}
}

// FailNext queues errors returned by the next calls of op, in order.
func (b *Broker) FailNext(op Op, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], errs...)
}

// Calls reports how many times op was invoked.
func (b *Broker) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// enter counts the call and pops a queued fault. Caller holds mu.
func (b *Broker) enter(op Op) error {
	b.calls[op]++
	if q := b.faults[op]; len(q) > 0 {
		b.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (b *Broker) SetCandles(instrument string, candles []market.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles[instrument] = append([]market.Candle(nil), candles...)
}

func (b *Broker) GetCandles(ctx context.Context, instrument string, g market.Granularity, count int) ([]market.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCandles); err != nil {
		return nil, err
	}
	cs := b.candles[instrument]
	if count > 0 && len(cs) > count {
		cs = cs[len(cs)-count:]
	}
	return append([]market.Candle(nil), cs...), nil
}

// SetTick records a price and closes any trade whose stop-loss or
// take-profit it crosses.
func (b *Broker) SetTick(t market.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setTickLocked(t)
}

func (b *Broker) setTickLocked(t market.Tick) {
	b.ticks.Set(t)
	for _, a := range b.accounts {
		for ref, tr := range a.trades {
			if tr.instrument != t.Instrument {
				continue
			}
			mark := t.Mark(tr.side())
			if tr.hitStopLoss(mark) || tr.hitTakeProfit(mark) {
				if q, err := b.quoteToAccount(tr.instrument, a.currency); err == nil {
					a.balance += tr.pl(mark, q)
				}
				delete(a.trades, ref)
			}
		}
	}
}

func (b *Broker) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	if b.feed != nil {
		t, err := b.feed.GetTick(ctx, instrument)
		if err != nil {
			return market.Tick{}, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.setTickLocked(t)
		return t, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpTick); err != nil {
		return market.Tick{}, err
	}
	return b.ticks.Get(instrument)
}

func (b *Broker) quoteToAccount(instrument, currency string) (float64, error) {
	return market.QuoteToAccountRate(context.Background(), instrument, currency, b.ticks)
}

func (b *Broker) account(id string) (*account, error) {
	a, ok := b.accounts[id]
	if !ok {
		return nil, fmt.Errorf("sim: unknown account %s", id)
	}
	return a, nil
}

func (b *Broker) summaryLocked(a *account) (broker.AccountSummary, error) {
	s := broker.AccountSummary{
		ID:             a.id,
		Currency:       a.currency,
		Balance:        a.balance,
		OpenTradeCount: len(a.trades),
	}
	positions := map[string]bool{}
	for _, tr := range a.trades {
		p, err := b.ticks.Get(tr.instrument)
		if err != nil {
			return broker.AccountSummary{}, err
		}
		q, err := b.quoteToAccount(tr.instrument, a.currency)
		if err != nil {
			return broker.AccountSummary{}, err
		}
		meta, _ := market.Lookup(tr.instrument)
		s.UnrealizedPL += tr.pl(p.Mark(tr.side()), q)
		s.MarginUsed += tradeMargin(tr.units, p.Mid(), q, meta.MarginRate)
		positions[tr.instrument] = true
	}
	s.OpenPositionCount = len(positions)
	s.NAV = s.Balance + s.UnrealizedPL
	s.MarginAvailable = s.NAV - s.MarginUsed
	if s.MarginAvailable < 0 {
		s.MarginAvailable = 0
	}
	return s, nil
}

func (b *Broker) GetAccountSummary(ctx context.Context, accountID string) (broker.AccountSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpAccountSummary); err != nil {
		return broker.AccountSummary{}, err
	}
	a, err := b.account(accountID)
	if err != nil {
		return broker.AccountSummary{}, err
	}
	return b.summaryLocked(a)
}

func (b *Broker) refreshFeed(ctx context.Context, instrument string) error {
	if b.feed == nil {
		return nil
	}
	_, err := b.GetTick(ctx, instrument)
	return err
}

func (b *Broker) PlaceOrder(ctx context.Context, accountID string, req broker.OrderRequest) (broker.OrderFill, error) {
	if err := b.refreshFeed(ctx, req.Instrument); err != nil {
		return broker.OrderFill{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpPlaceOrder); err != nil {
		return broker.OrderFill{}, err
	}
	a, err := b.account(accountID)
	if err != nil {
		return broker.OrderFill{}, err
	}
	meta, err := market.Lookup(req.Instrument)
	if err != nil {
		return broker.OrderFill{}, broker.Reject(broker.Rejected, err.Error())
	}
	if req.Units == 0 {
		return broker.OrderFill{}, broker.Reject(broker.InvalidUnits, "units must be non-zero")
	}
	if req.ClientID != "" {
		if _, dup := a.clientIDs[req.ClientID]; dup {
			return broker.OrderFill{}, broker.Reject(broker.DuplicateClientID, "CLIENT_TRADE_ID_ALREADY_EXISTS")
		}
	}
	p, err := b.ticks.Get(req.Instrument)
	if err != nil {
		return broker.OrderFill{}, broker.Reject(broker.MarketHalted, err.Error())
	}

	side := market.SideOf(req.Units)
	fillPrice := p.Fill(side)
	if req.StopLoss > 0 && (side.Sign()*(req.StopLoss-fillPrice) >= 0) {
		return broker.OrderFill{}, broker.Reject(broker.InvalidPrice, "STOP_LOSS_ON_FILL_LOSS")
	}
	if req.TakeProfit > 0 && (side.Sign()*(req.TakeProfit-fillPrice) <= 0) {
		return broker.OrderFill{}, broker.Reject(broker.InvalidPrice, "TAKE_PROFIT_ON_FILL_LOSS")
	}

	q, err := b.quoteToAccount(req.Instrument, a.currency)
	if err != nil {
		return broker.OrderFill{}, broker.Reject(broker.Rejected, err.Error())
	}
	s, err := b.summaryLocked(a)
	if err != nil {
		return broker.OrderFill{}, err
	}
	if need := tradeMargin(req.Units, fillPrice, q, meta.MarginRate); need > s.MarginAvailable {
		return broker.OrderFill{}, broker.Reject(broker.InsufficientMargin, "INSUFFICIENT_MARGIN")
	}

	b.nextID++
	tr := &trade{
		ref:        strconv.Itoa(b.nextID),
		clientID:   req.ClientID,
		instrument: req.Instrument,
		units:      req.Units,
		entry:      fillPrice,
		openTime:   b.now(),
		tag:        req.Tag,
		comment:    req.Comment,
	}
	if !b.DropProtection {
		tr.stopLoss = req.StopLoss
		tr.takeProfit = req.TakeProfit
	}
	a.trades[tr.ref] = tr
	if req.ClientID != "" {
		a.clientIDs[req.ClientID] = tr.ref
	}

	return broker.OrderFill{
		TradeRef:      tr.ref,
		ClientID:      tr.clientID,
		Instrument:    tr.instrument,
		Units:         tr.units,
		Price:         tr.entry,
		Time:          tr.openTime,
		StopLossSet:   tr.stopLoss > 0,
		TakeProfitSet: tr.takeProfit > 0,
	}, nil
}

func (b *Broker) SetProtection(ctx context.Context, accountID, tradeRef string, stopLoss, takeProfit float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSetProtection); err != nil {
		return err
	}
	a, err := b.account(accountID)
	if err != nil {
		return err
	}
	tr, ok := a.trades[tradeRef]
	if !ok {
		return fmt.Errorf("sim: trade %s: %w", tradeRef, broker.ErrTradeNotFound)
	}
	tr.stopLoss = stopLoss
	tr.takeProfit = takeProfit
	return nil
}

func (b *Broker) CloseTrade(ctx context.Context, accountID, tradeRef string) (broker.CloseFill, error) {
	b.mu.Lock()
	instrument := ""
	if a, ok := b.accounts[accountID]; ok {
		if tr, ok := a.trades[tradeRef]; ok {
			instrument = tr.instrument
		}
	}
	b.mu.Unlock()
	if instrument != "" {
		if err := b.refreshFeed(ctx, instrument); err != nil {
			return broker.CloseFill{}, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCloseTrade); err != nil {
		return broker.CloseFill{}, err
	}
	a, err := b.account(accountID)
	if err != nil {
		return broker.CloseFill{}, err
	}
	tr, ok := a.trades[tradeRef]
	if !ok {
		return broker.CloseFill{}, fmt.Errorf("sim: trade %s: %w", tradeRef, broker.ErrTradeNotFound)
	}
	p, err := b.ticks.Get(tr.instrument)
	if err != nil {
		return broker.CloseFill{}, broker.Reject(broker.MarketHalted, err.Error())
	}
	q, err := b.quoteToAccount(tr.instrument, a.currency)
	if err != nil {
		return broker.CloseFill{}, err
	}

	mark := p.Mark(tr.side())
	pl := tr.pl(mark, q)
	a.balance += pl
	delete(a.trades, tradeRef)

	return broker.CloseFill{
		TradeRef:   tradeRef,
		Units:      -tr.units,
		Price:      mark,
		Time:       b.now(),
		RealizedPL: pl,
	}, nil
}

func (b *Broker) OpenTrades(ctx context.Context, accountID string) ([]broker.OpenTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpOpenTrades); err != nil {
		return nil, err
	}
	a, err := b.account(accountID)
	if err != nil {
		return nil, err
	}
	out := make([]broker.OpenTrade, 0, len(a.trades))
	for _, tr := range a.trades {
		out = append(out, b.openTrade(a, tr))
	}
	sort.Slice(out, func(i, j int) bool {
		ni, _ := strconv.Atoi(out[i].TradeRef)
		nj, _ := strconv.Atoi(out[j].TradeRef)
		return ni < nj
	})
	return out, nil
}

func (b *Broker) TradeByClientID(ctx context.Context, accountID, clientID string) (broker.OpenTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpClientLookup); err != nil {
		return broker.OpenTrade{}, err
	}
	a, err := b.account(accountID)
	if err != nil {
		return broker.OpenTrade{}, err
	}
	ref, ok := a.clientIDs[clientID]
	if !ok {
		return broker.OpenTrade{}, fmt.Errorf("sim: client id %s: %w", clientID, broker.ErrTradeNotFound)
	}
	tr, ok := a.trades[ref]
	if !ok {
		return broker.OpenTrade{}, fmt.Errorf("sim: trade %s closed: %w", ref, broker.ErrTradeNotFound)
	}
	return b.openTrade(a, tr), nil
}

func (b *Broker) openTrade(a *account, tr *trade) broker.OpenTrade {
	ot := broker.OpenTrade{
		TradeRef:   tr.ref,
		ClientID:   tr.clientID,
		Instrument: tr.instrument,
		Units:      tr.units,
		Price:      tr.entry,
		OpenTime:   tr.openTime,
		StopLoss:   tr.stopLoss,
		TakeProfit: tr.takeProfit,
		Tag:        tr.tag,
		Comment:    tr.comment,
	}
	if p, err := b.ticks.Get(tr.instrument); err == nil {
		if q, err := b.quoteToAccount(tr.instrument, a.currency); err == nil {
			ot.UnrealizedPL = tr.pl(p.Mark(tr.side()), q)
		}
	}
	return ot
}

// Balance returns the realized balance of an account.
func (b *Broker) Balance(accountID string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.account(accountID)
	if err != nil {
		return 0, err
	}
	return a.balance, nil
}

var ErrInjected = errors.New("sim: injected failure")
