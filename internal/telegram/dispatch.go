package telegram

import (
	"context"
	"sync"
)

// Dispatcher hands updates to a Handler concurrently across users while
// keeping each user's updates in arrival order. A user's queue is drained
// by a single goroutine that exits once the queue is empty.
type Dispatcher struct {
	handler Handler

	mu       sync.Mutex
	queues   map[int64][]queued
	inflight sync.WaitGroup
}

type queued struct {
	ctx context.Context
	u   Update
}

// NewDispatcher creates a Dispatcher that calls h.
func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{handler: h, queues: make(map[int64][]queued)}
}

// Dispatch enqueues u and returns without waiting for the handler. Updates
// without a sender run on their own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, u Update) {
	d.inflight.Add(1)

	user := u.UserID()
	if user == 0 {
		go func() {
			defer d.inflight.Done()
			d.handler.HandleUpdate(ctx, u)
		}()
		return
	}

	d.mu.Lock()
	q, running := d.queues[user]
	d.queues[user] = append(q, queued{ctx: ctx, u: u})
	d.mu.Unlock()

	if !running {
		go d.drain(user)
	}
}

func (d *Dispatcher) drain(user int64) {
	for {
		d.mu.Lock()
		q := d.queues[user]
		if len(q) == 0 {
			delete(d.queues, user)
			d.mu.Unlock()
			return
		}
		next := q[0]
		d.queues[user] = q[1:]
		d.mu.Unlock()

		d.handler.HandleUpdate(next.ctx, next.u)
		d.inflight.Done()
	}
}

// Wait blocks until every dispatched update has been handled.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}
