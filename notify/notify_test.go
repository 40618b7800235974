package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (r *recorder) Notify(ctx context.Context, e Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func TestAsyncDeliversInOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a := NewAsync(rec, 8, time.Second, zap.NewNop())
	for _, k := range []Kind{OrderPlaced, TradeClosed, CycleSummary} {
		require.NoError(t, a.Notify(context.Background(), Event{Kind: k}))
	}
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, []Kind{OrderPlaced, TradeClosed, CycleSummary}, rec.kinds())
}

func TestAsyncNeverBlocks(t *testing.T) {
	t.Parallel()

	rec := &recorder{block: make(chan struct{})}
	a := NewAsync(rec, 1, time.Second, zap.NewNop())

	start := time.Now()
	for i := 0; i < 20; i++ {
		assert.NoError(t, a.Notify(context.Background(), Event{Kind: OrderPlaced}))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Greater(t, a.Dropped(), int64(0))

	close(rec.block)
	require.NoError(t, a.Close(context.Background()))
}

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()

	ok := &recorder{}
	bad1 := &recorder{err: errors.New("one")}
	bad2 := &recorder{err: errors.New("two")}

	err := Multi{bad1, ok, bad2}.Notify(context.Background(), Event{Kind: OrderPlaced})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
	assert.Len(t, ok.kinds(), 1)
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLog(zap.New(core))

	require.NoError(t, l.Notify(context.Background(), Event{Kind: OrderRejected, AccountID: "acct-1", Instrument: "EUR_USD", Reason: "InsufficientMargin"}))
	require.NoError(t, l.Notify(context.Background(), Event{Kind: OrderPlaced, AccountID: "acct-1", Instrument: "EUR_USD", Side: "long", Units: 1000, Price: 1.1}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "InsufficientMargin", entries[0].ContextMap()["reason"])
	assert.Contains(t, entries[1].Message, "EUR_USD long 1000 @ 1.10000")
}

func TestDiscordWebhook(t *testing.T) {
	t.Parallel()

	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, srv.Client())
	err := d.Notify(context.Background(), Event{
		Kind: TradeClosed, AccountID: "acct-1", Instrument: "EUR_USD", TradeID: "T1",
		Price: 1.1, RealizedPL: 12.5, Reason: "ProfitLock", Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "TradeClosed", got.Embeds[0].Title)
	assert.Equal(t, 0x3498db, got.Embeds[0].Color)
	assert.Equal(t, "2024-05-01T12:00:00Z", got.Embeds[0].Timestamp)
	assert.Contains(t, got.Embeds[0].Description, "ProfitLock")
}

func TestDiscordErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, nil).Notify(context.Background(), Event{Kind: CycleSummary})
	assert.ErrorContains(t, err, "429")
}
