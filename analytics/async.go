package analytics

import (
	"context"
	"time"

	"github.com/rustyeddy/fxengine/pkg/async"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Async puts a bounded queue in front of a sink. Publish returns at once.
type Async struct {
	sink Sink
	q    *async.Queue[Record]
	wait time.Duration
}

func NewAsync(sink Sink, size int, timeout time.Duration, log *zap.Logger) *Async {
	return &Async{
		sink: sink,
		q:    async.New("analytics", size, timeout, sink.Publish, log),
		wait: timeout,
	}
}

func (a *Async) Publish(_ context.Context, r Record) error {
	a.q.Offer(r)
	return nil
}

func (a *Async) Dropped() int64 { return a.q.Dropped() }

// Close drains the queue for up to one delivery timeout, then closes the sink.
func (a *Async) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.wait)
	defer cancel()
	return multierr.Append(a.q.Close(ctx), a.sink.Close())
}
