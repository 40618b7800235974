// Package async provides a bounded fire-and-forget queue. Producers never
// block: when the buffer is full the item is dropped and counted.
package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Handler[T any] func(ctx context.Context, item T) error

type Queue[T any] struct {
	name    string
	ch      chan T
	handle  Handler[T]
	timeout time.Duration
	log     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// New starts a single consumer goroutine. Each item is handled with its own
// timeout so a hung downstream cannot stall the queue forever.
func New[T any](name string, size int, timeout time.Duration, handle Handler[T], log *zap.Logger) *Queue[T] {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue[T]{
		name:    name,
		ch:      make(chan T, size),
		handle:  handle,
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue[T]) loop() {
	defer close(q.done)
	for item := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.handle(ctx, item); err != nil {
			q.failed.Add(1)
			q.log.Warn("async delivery failed", zap.String("queue", q.name), zap.Error(err))
		}
		cancel()
	}
}

// Offer enqueues item without blocking. It reports false when the item was
// dropped because the queue is full or closed.
func (q *Queue[T]) Offer(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		q.dropped.Add(1)
		q.log.Warn("async queue full, dropping", zap.String("queue", q.name))
		return false
	}
}

// Close stops accepting items and waits for the backlog to drain or ctx to end.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

func (q *Queue[T]) Failed() int64 { return q.failed.Load() }
