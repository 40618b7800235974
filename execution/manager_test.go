package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/fxengine/analytics"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/ledger"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/strategies"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type events struct {
	mu      sync.Mutex
	list    []notify.Event
	records []analytics.Record
}

func (e *events) Notify(_ context.Context, ev notify.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
	return nil
}

func (e *events) Publish(_ context.Context, r analytics.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, r)
	return nil
}

func (e *events) Close() error { return nil }

func (e *events) kinds() []notify.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notify.Kind
	for _, ev := range e.list {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *events) last() notify.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list[len(e.list)-1]
}

type fixture struct {
	sim    *sim.Broker
	claims *ledger.Memory
	trades *journal.Memory
	events *events
	mgr    *Manager
	key    ledger.Key
}

func newFixture(t *testing.T, b broker.Trading) *fixture {
	t.Helper()
	s := sim.New(sim.WithClock(func() time.Time { return now }))
	s.AddAccount("acct-1", "USD", 100000)
	s.SetTick(market.Tick{Instrument: "EUR_USD", Bid: 1.1000, Ask: 1.1002})
	if b == nil {
		b = s
	}

	f := &fixture{
		sim:    s,
		claims: ledger.NewMemory(0),
		trades: journal.NewMemory(),
		events: &events{},
		key:    ledger.NewKey("acct-1", "ema-cross", now, nil),
	}
	f.mgr = New(b, f.claims, f.trades,
		WithNotifier(f.events),
		WithAnalytics(f.events),
		WithRetryDelay(time.Millisecond),
		WithClock(func() time.Time { return now }),
	)
	return f
}

func (f *fixture) candidate(minute int, units float64) Candidate {
	sig := strategies.NewSignal("ema-cross", "EUR_USD", market.Long, now.Add(time.Duration(minute)*time.Minute))
	sig.Entry = 1.1002
	sig.StopLoss = 1.0950
	sig.TakeProfit = 1.1100
	sig.Confidence = 0.8
	return Candidate{Signal: sig, Key: f.key, Units: units, Cap: 3}
}

func (f *fixture) usage(t *testing.T) ledger.Usage {
	t.Helper()
	u, err := f.claims.Usage(context.Background(), f.key)
	require.NoError(t, err)
	return u
}

func TestExecutePlacesProtectedTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	tr, err := f.mgr.Execute(ctx, f.candidate(0, 10000))
	require.NoError(t, err)

	assert.Equal(t, 1.1002, tr.EntryPrice)
	assert.Equal(t, 10000.0, tr.Units)
	assert.Equal(t, market.Long, tr.Side)
	assert.Equal(t, ClientID(f.key, tr.SignalID), tr.ClientID)

	stored, err := f.trades.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
	assert.Equal(t, 1.0950, stored.StopLoss)

	assert.Equal(t, ledger.Usage{Executed: 1}, f.usage(t))
	assert.Equal(t, []notify.Kind{notify.OrderPlaced}, f.events.kinds())
	require.Len(t, f.events.records, 1)
	assert.Equal(t, analytics.Opened, f.events.records[0].Event)
}

func TestExecuteDuplicateIsSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.candidate(0, 1000)

	_, err := f.mgr.Execute(ctx, c)
	require.NoError(t, err)
	_, err = f.mgr.Execute(ctx, c)
	assert.ErrorIs(t, err, ledger.ErrDuplicateClaim)

	assert.Equal(t, 1, f.sim.Calls(sim.OpPlaceOrder))
	assert.Equal(t, []notify.Kind{notify.OrderPlaced}, f.events.kinds())
}

func TestExecuteCapReached(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.candidate(0, 1000)
	first.Cap = 1
	_, err := f.mgr.Execute(ctx, first)
	require.NoError(t, err)

	second := f.candidate(15, 1000)
	second.Cap = 1
	_, err = f.mgr.Execute(ctx, second)
	assert.ErrorIs(t, err, ledger.ErrCapReached)

	assert.Equal(t, 1, f.sim.Calls(sim.OpPlaceOrder))
	ev := f.events.last()
	assert.Equal(t, notify.OrderRejected, ev.Kind)
	assert.Equal(t, "DailyCapReached", ev.Reason)
}

func TestExecuteRejectionReleasesClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mgr.Execute(ctx, f.candidate(0, 1e9))
	r, ok := broker.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, broker.InsufficientMargin, r.Code)

	assert.Zero(t, f.usage(t).Total())
	open, err := f.trades.ListOpen(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)

	ev := f.events.last()
	assert.Equal(t, notify.OrderRejected, ev.Kind)
	assert.Equal(t, "InsufficientMargin", ev.Reason)

	// the released signal may be tried again
	_, err = f.mgr.Execute(ctx, f.candidate(0, 1000))
	assert.NoError(t, err)
}

func TestExecuteRetriesTransientOnce(t *testing.T) {
	t.Parallel()

	t.Run("second attempt fills", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.FailNext(sim.OpPlaceOrder, broker.Transient("place", sim.ErrInjected))

		_, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
		require.NoError(t, err)
		assert.Equal(t, 2, f.sim.Calls(sim.OpPlaceOrder))
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.FailNext(sim.OpPlaceOrder,
			broker.Transient("place", sim.ErrInjected),
			broker.Transient("place", sim.ErrInjected),
			broker.Transient("place", sim.ErrInjected),
		)

		_, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
		assert.True(t, broker.IsTransient(err))
		assert.ErrorIs(t, err, ErrOutcomeUnknown)
		assert.Equal(t, 2, f.sim.Calls(sim.OpPlaceOrder))
		assert.Equal(t, 1, f.sim.Calls(sim.OpClientLookup))
		// nothing proves the order missed, so the slot stays taken
		assert.Equal(t, ledger.Usage{InFlight: 1}, f.usage(t))
		assert.Equal(t, "OutcomeUnknown", f.events.last().Reason)
	})

	t.Run("rejection is not retried", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.FailNext(sim.OpPlaceOrder, broker.Reject(broker.MarketHalted, "closed"))

		_, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
		assert.Error(t, err)
		assert.Equal(t, 1, f.sim.Calls(sim.OpPlaceOrder))
	})
}

// lossy forwards orders to the simulator but answers the first lost calls
// with a timeout, as a dropped response would.
type lossy struct {
	*sim.Broker
	mu   sync.Mutex
	lost int
}

func (l *lossy) PlaceOrder(ctx context.Context, acct string, req broker.OrderRequest) (broker.OrderFill, error) {
	fill, err := l.Broker.PlaceOrder(ctx, acct, req)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost > 0 {
		l.lost--
		return broker.OrderFill{}, broker.Transient("place", context.DeadlineExceeded)
	}
	return fill, err
}

func TestExecuteResolvesLostFillByClientID(t *testing.T) {
	t.Parallel()
	l := &lossy{lost: 1}
	f := newFixture(t, l)
	l.Broker = f.sim

	tr, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
	require.NoError(t, err)

	open, err := f.sim.OpenTrades(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, open, 1, "exactly one position at the broker")
	assert.Equal(t, open[0].TradeRef, tr.BrokerRef)
	assert.Equal(t, ledger.Usage{Executed: 1}, f.usage(t))
}

func TestExecuteResolvesDuplicateOnFirstAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.candidate(0, 1000)

	// an earlier run filled this signal, then lost its claim and record
	earlier, err := f.sim.PlaceOrder(ctx, "acct-1", broker.OrderRequest{
		Instrument: "EUR_USD",
		Units:      1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		ClientID:   ClientID(f.key, c.Signal.ID),
	})
	require.NoError(t, err)

	tr, err := f.mgr.Execute(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, earlier.TradeRef, tr.BrokerRef)
	assert.Equal(t, 2, f.sim.Calls(sim.OpPlaceOrder))
	assert.Equal(t, 1, f.sim.Calls(sim.OpClientLookup))

	open, err := f.sim.OpenTrades(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, ledger.Usage{Executed: 1}, f.usage(t))
}

func TestExecuteKeepsClaimWhenOutcomeUnknown(t *testing.T) {
	t.Parallel()
	l := &lossy{lost: 2}
	f := newFixture(t, l)
	l.Broker = f.sim
	ctx := context.Background()

	// attempt one fills unseen, attempt two times out, the lookup fails
	f.sim.FailNext(sim.OpClientLookup, broker.Transient("lookup", sim.ErrInjected))
	c := f.candidate(0, 1000)
	c.Cap = 1
	_, err := f.mgr.Execute(ctx, c)
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.Equal(t, ledger.Usage{InFlight: 1}, f.usage(t))

	// the next cycle sees the same signal and another one
	_, err = f.mgr.Execute(ctx, c)
	assert.ErrorIs(t, err, ledger.ErrDuplicateClaim)
	other := f.candidate(15, 1000)
	other.Cap = 1
	_, err = f.mgr.Execute(ctx, other)
	assert.ErrorIs(t, err, ledger.ErrCapReached)

	open, err := f.sim.OpenTrades(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, open, 1, "cap of one holds at the broker")
	assert.Equal(t, 2, f.sim.Calls(sim.OpPlaceOrder))
}

func TestExecuteTagsBrokerTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	tr, err := f.mgr.Execute(ctx, f.candidate(0, 1000))
	require.NoError(t, err)

	ot, err := f.sim.TradeByClientID(ctx, "acct-1", tr.ClientID)
	require.NoError(t, err)
	assert.Equal(t, Tag, ot.Tag)
	key, signalID, ok := ParseComment(ot.Comment)
	require.True(t, ok)
	assert.Equal(t, f.key, key)
	assert.Equal(t, tr.SignalID, signalID)
}

func TestParseComment(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		key    ledger.Key
		signal string
		ok     bool
	}{
		{"acct-1/ema-cross/2024-05-01|sig-1", ledger.Key{AccountID: "acct-1", Strategy: "ema-cross", Day: "2024-05-01"}, "sig-1", true},
		{"acct-1/a/b/2024-05-01|sig-1", ledger.Key{AccountID: "acct-1", Strategy: "a/b", Day: "2024-05-01"}, "sig-1", true},
		{"acct-1/ema-cross/2024-05-01", ledger.Key{}, "", false},
		{"acct-1|sig-1", ledger.Key{}, "", false},
		{"", ledger.Key{}, "", false},
	}
	for _, tt := range tests {
		key, signal, ok := ParseComment(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.key, key, tt.in)
		assert.Equal(t, tt.signal, signal, tt.in)
	}
}

// brokenJournal fails the first Insert.
type brokenJournal struct {
	*journal.Memory
	once sync.Once
}

func (b *brokenJournal) Insert(ctx context.Context, t journal.Trade) error {
	var err error
	b.once.Do(func() { err = errors.New("disk full") })
	if err != nil {
		return err
	}
	return b.Memory.Insert(ctx, t)
}

func TestAdopt(t *testing.T) {
	t.Parallel()

	t.Run("journals a fill whose insert failed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		bj := &brokenJournal{Memory: f.trades}
		f.mgr = New(f.sim, f.claims, bj, WithClock(func() time.Time { return now }))
		ctx := context.Background()

		c := f.candidate(0, 1000)
		_, err := f.mgr.Execute(ctx, c)
		require.Error(t, err)
		assert.Equal(t, ledger.Usage{Executed: 1}, f.usage(t))

		held, err := f.sim.OpenTrades(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, held, 1)

		tr, err := f.mgr.Adopt(ctx, "acct-1", held[0])
		require.NoError(t, err)
		assert.Equal(t, held[0].TradeRef, tr.BrokerRef)
		assert.Equal(t, "ema-cross", tr.Strategy)
		assert.Equal(t, c.Signal.ID, tr.SignalID)
		assert.Equal(t, market.Long, tr.Side)
		assert.Equal(t, 1000.0, tr.Units)
		assert.Equal(t, 1.0950, tr.StopLoss)

		open, err := f.trades.ListOpen(ctx, "acct-1")
		require.NoError(t, err)
		assert.Len(t, open, 1)
		assert.Equal(t, ledger.Usage{Executed: 1}, f.usage(t), "counted once")
	})

	t.Run("counts a released claim again", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		ctx := context.Background()
		c := f.candidate(0, 1000)
		_, err := f.sim.PlaceOrder(ctx, "acct-1", broker.OrderRequest{
			Instrument: "EUR_USD",
			Units:      -1000,
			StopLoss:   1.1050,
			TakeProfit: 1.0900,
			ClientID:   ClientID(f.key, c.Signal.ID),
			Tag:        Tag,
			Comment:    Comment(f.key, c.Signal.ID),
		})
		require.NoError(t, err)
		held, err := f.sim.OpenTrades(ctx, "acct-1")
		require.NoError(t, err)

		tr, err := f.mgr.Adopt(ctx, "acct-1", held[0])
		require.NoError(t, err)
		assert.Equal(t, market.Short, tr.Side)
		assert.Equal(t, ledger.Usage{Executed: 1}, f.usage(t))
	})

	t.Run("ignores foreign trades", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.mgr.Adopt(context.Background(), "acct-1", broker.OpenTrade{TradeRef: "9", Tag: "manual"})
		assert.ErrorIs(t, err, ErrForeign)

		_, err = f.mgr.Adopt(context.Background(), "acct-1", broker.OpenTrade{
			TradeRef: "9", Tag: Tag, Comment: Comment(ledger.Key{AccountID: "acct-2", Strategy: "s", Day: "2024-05-01"}, "x"),
		})
		assert.ErrorIs(t, err, ErrForeign)
	})

	t.Run("closes an unprotected orphan", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.DropProtection = true
		ctx := context.Background()
		c := f.candidate(0, 1000)
		_, err := f.sim.PlaceOrder(ctx, "acct-1", broker.OrderRequest{
			Instrument: "EUR_USD",
			Units:      1000,
			ClientID:   ClientID(f.key, c.Signal.ID),
			Tag:        Tag,
			Comment:    Comment(f.key, c.Signal.ID),
		})
		require.NoError(t, err)
		held, err := f.sim.OpenTrades(ctx, "acct-1")
		require.NoError(t, err)

		_, err = f.mgr.Adopt(ctx, "acct-1", held[0])
		assert.ErrorIs(t, err, ErrUnprotected)
		held, err = f.sim.OpenTrades(ctx, "acct-1")
		require.NoError(t, err)
		assert.Empty(t, held)
	})
}

func TestExecuteProtection(t *testing.T) {
	t.Parallel()

	t.Run("attached after fill", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.DropProtection = true

		tr, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
		require.NoError(t, err)
		ot, err := f.sim.TradeByClientID(context.Background(), "acct-1", tr.ClientID)
		require.NoError(t, err)
		assert.Equal(t, 1.0950, ot.StopLoss)
		assert.Equal(t, 1.1100, ot.TakeProfit)
	})

	t.Run("closed when protection fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.DropProtection = true
		f.sim.FailNext(sim.OpSetProtection, errors.New("rejected"))

		tr, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
		assert.ErrorIs(t, err, ErrUnprotected)

		open, err := f.sim.OpenTrades(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Empty(t, open)

		stored, err := f.trades.Get(context.Background(), tr.ID)
		require.NoError(t, err)
		assert.False(t, stored.IsOpen())
		assert.Equal(t, journal.ProtectionFailed, stored.ExitReason)
		assert.Equal(t, ledger.Usage{Executed: 1}, f.usage(t))
		assert.Equal(t, "ProtectionFailed", f.events.last().Reason)
	})

	t.Run("recorded at the fill when already gone", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.DropProtection = true
		f.sim.FailNext(sim.OpSetProtection, errors.New("rejected"))
		f.sim.FailNext(sim.OpCloseTrade, fmt.Errorf("close: %w", broker.ErrTradeNotFound))

		tr, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
		assert.ErrorIs(t, err, ErrUnprotected)

		stored, err := f.trades.Get(context.Background(), tr.ID)
		require.NoError(t, err)
		assert.False(t, stored.IsOpen())
		assert.Equal(t, 1.1002, stored.ExitPrice)
		assert.Equal(t, now, stored.ExitTime)
	})

	t.Run("flagged when the close fails too", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.sim.DropProtection = true
		f.sim.FailNext(sim.OpSetProtection, errors.New("rejected"))
		f.sim.FailNext(sim.OpCloseTrade, broker.Reject(broker.MarketHalted, "halted"))

		tr, err := f.mgr.Execute(context.Background(), f.candidate(0, 1000))
		assert.ErrorIs(t, err, ErrUnprotected)

		stored, err := f.trades.Get(context.Background(), tr.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsOpen())
		assert.True(t, stored.ForceClose)
	})
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	tr, err := f.mgr.Execute(ctx, f.candidate(0, 10000))
	require.NoError(t, err)

	f.sim.SetTick(market.Tick{Instrument: "EUR_USD", Bid: 1.1052, Ask: 1.1054})
	closed, err := f.mgr.Close(ctx, tr, journal.ProfitLock, 1.1052)
	require.NoError(t, err)
	assert.Equal(t, journal.ProfitLock, closed.ExitReason)
	assert.InDelta(t, 50.0, closed.RealizedPL, 1e-6)

	ev := f.events.last()
	assert.Equal(t, notify.TradeClosed, ev.Kind)
	assert.Equal(t, "ProfitLock", ev.Reason)
	assert.Equal(t, analytics.Closed, f.events.records[len(f.events.records)-1].Event)

	_, err = f.mgr.Close(ctx, tr, journal.ProfitLock, 1.1052)
	assert.ErrorIs(t, err, journal.ErrAlreadyClosed)
}

func TestCloseAlreadyGoneAtBroker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	tr, err := f.mgr.Execute(ctx, f.candidate(0, 10000))
	require.NoError(t, err)

	// stop-loss triggers broker-side
	f.sim.SetTick(market.Tick{Instrument: "EUR_USD", Bid: 1.0940, Ask: 1.0942})

	closed, err := f.mgr.Close(ctx, tr, journal.TimeExit, 1.0940)
	require.NoError(t, err)
	assert.Equal(t, journal.BrokerClosed, closed.ExitReason)
	assert.Equal(t, 1.0940, closed.ExitPrice)
}

func TestClientIDDeterministic(t *testing.T) {
	t.Parallel()
	k := ledger.NewKey("acct-1", "ema-cross", now, nil)
	assert.Equal(t, ClientID(k, "s1"), ClientID(k, "s1"))
	assert.NotEqual(t, ClientID(k, "s1"), ClientID(k, "s2"))
	other := ledger.NewKey("acct-2", "ema-cross", now, nil)
	assert.NotEqual(t, ClientID(k, "s1"), ClientID(other, "s1"))
}

func TestReasonOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "InvalidUnits", ReasonOf(broker.Reject(broker.InvalidUnits, "")))
	assert.Equal(t, "DailyCapReached", ReasonOf(ledger.ErrCapReached))
	assert.Equal(t, "BrokerUnavailable", ReasonOf(broker.Transient("x", errors.New("eof"))))
	assert.Equal(t, "Canceled", ReasonOf(context.Canceled))
	assert.Equal(t, "OutcomeUnknown", ReasonOf(fmt.Errorf("%w: %w", ErrOutcomeUnknown, broker.Reject(broker.DuplicateClientID, ""))))
	assert.Equal(t, "Error", ReasonOf(errors.New("boom")))
}
