// Package dispatch moves work from background goroutines onto a single cooperative
// consumer. Producers Enqueue from anywhere; exactly one loop calls Drain or Pump.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nlustream/log"
)

// Dispatcher is the producer side of a Queue.
type Dispatcher interface {
	Enqueue(fn func())
}

type Queue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) Enqueue(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake is signalled after every Enqueue. Loops may select on it to drain without
// waiting for their next tick.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Drain runs every callback queued when it was called, in FIFO order. Callbacks
// enqueued while draining run on the next call. A panicking callback is logged and
// does not stop the rest of the batch.
func (q *Queue) Drain() int {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	for _, fn := range batch {
		run(fn)
	}
	return len(batch)
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatch: callback panic: %v", r)
		}
	}()
	fn()
}

// Pump drains the queue once per interval, and whenever work is enqueued, for as long
// as active reports true or callbacks remain. It returns nil when both conditions
// clear, or the context error.
func (q *Queue) Pump(ctx context.Context, interval time.Duration, active func() bool) error {
	if interval <= 0 {
		return fmt.Errorf("dispatch: invalid pump interval %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		q.Drain()
		if !active() && q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.wake:
		}
	}
}
