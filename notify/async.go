package notify

import (
	"context"
	"time"

	"github.com/rustyeddy/fxengine/pkg/async"
	"go.uber.org/zap"
)

// Async queues events for a background sender. Notify never blocks and
// never fails; a full queue drops the event and counts it.
type Async struct {
	q *async.Queue[Event]
}

func NewAsync(sink Sink, size int, timeout time.Duration, log *zap.Logger) *Async {
	return &Async{q: async.New("notify", size, timeout, sink.Notify, log)}
}

func (a *Async) Notify(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	a.q.Offer(e)
	return nil
}

func (a *Async) Dropped() int64 { return a.q.Dropped() }

// Close drains what is queued until ctx ends.
func (a *Async) Close(ctx context.Context) error { return a.q.Close(ctx) }
