package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// UpdateSource abstracts getUpdates.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Handler processes one update. Calls for different users may run
// concurrently; a Dispatcher serializes calls for the same user.
type Handler interface {
	HandleUpdate(ctx context.Context, u Update)
}

// Poller long-polls getUpdates and hands each update to a Dispatcher, so
// users are served concurrently and each user's updates stay in order.
type Poller struct {
	source     UpdateSource
	dispatcher *Dispatcher
	timeout    time.Duration
	backoff    time.Duration
	logger     *slog.Logger

	offset int64
}

// NewPoller creates a Poller. If timeout is <= 0, it defaults to 30s.
func NewPoller(source UpdateSource, handler Handler, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		source:     source,
		dispatcher: NewDispatcher(handler),
		timeout:    timeout,
		backoff:    3 * time.Second,
		logger:     slog.Default(),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (p *Poller) Run(ctx context.Context) {
	defer p.Wait()
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("polling updates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			continue
		}
		if n > 0 {
			p.logger.Debug("dispatched updates", "count", n, "offset", p.offset)
		}
	}
}

// RunOnce fetches one batch and dispatches it in batch order. Returns the number of
// updates dispatched. The offset advances past every fetched update, so a
// handler failure never causes redelivery.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	updates, err := p.source.GetUpdates(ctx, p.offset, p.timeout)
	if err != nil {
		return 0, fmt.Errorf("getting updates: %w", err)
	}

	for _, u := range updates {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
		p.dispatcher.Dispatch(ctx, u)
	}
	return len(updates), nil
}

// Wait blocks until every dispatched update has been handled.
func (p *Poller) Wait() {
	p.dispatcher.Wait()
}

// Offset is the next update id to request.
func (p *Poller) Offset() int64 {
	return p.offset
}
