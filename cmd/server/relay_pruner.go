package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type relayPruner interface {
	PruneExited() int
}

// startRelayPruneWorker periodically forgets relays whose encoder exited on
// its own. A nil manager or non-positive interval disables it. The returned
// func stops the worker and waits for it; calling it twice is safe.
func startRelayPruneWorker(ctx context.Context, logger *slog.Logger, relays relayPruner, interval time.Duration, clock clockwork.Clock) func() {
	if relays == nil || interval <= 0 {
		return func() {}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				n := relays.PruneExited()
				if n > 0 && logger != nil {
					logger.Info("pruned exited relays", "count", n)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
