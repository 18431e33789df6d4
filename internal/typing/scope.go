// Package typing keeps a "still working" indicator alive while a long call
// runs.
package typing

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultInterval matches how long a chat action stays visible.
const DefaultInterval = 4 * time.Second

// Pulse sends one indicator update. Its errors are ignored.
type Pulse func(ctx context.Context) error

// Run calls pulse immediately and then every interval while fn runs. When
// fn returns or panics, the pulse is cancelled and joined before Run
// returns, so no goroutine outlives the call. Only fn's error is returned;
// the pulse's cancellation never leaks out.
func Run(ctx context.Context, pulse Pulse, interval time.Duration, fn func(ctx context.Context) error) error {
	if pulse == nil {
		return fn(ctx)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	pulseCtx, stop := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_ = pulse(pulseCtx)
			select {
			case <-pulseCtx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	defer func() {
		stop()
		_ = g.Wait()
	}()
	return fn(ctx)
}
