// Package supervisor provides a generic fixed-interval ticking loop with
// context cancellation, used to drive the Controller's scheduler tick, its
// DB-maintenance scheduled-task tick, the Sync Loop, and the Agent's poll
// loop — anywhere a process needs to run something repeatedly until told
// to stop.
package supervisor

import (
	"context"
	"log/slog"
	"time"
)

// Run calls fn immediately and then every interval until ctx is
// cancelled. Errors returned by fn are logged, not fatal — a single bad
// tick should not bring down the whole loop.
func Run(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	logger := slog.With("loop", name)

	tick := func() {
		if err := fn(ctx); err != nil {
			logger.Error("tick failed", "error", err)
		}
	}

	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("loop stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}

// DrainPhases runs the Controller/Agent's standard three-phase graceful
// shutdown: mark unready and wait for load balancer drain, then shut down
// the HTTP server(s) with a longer timeout, then run any final cleanup.
type DrainPhases struct {
	MarkUnready func()
	DrainWait   time.Duration
	Shutdown    func(timeout time.Duration)
	Cleanup     func()
}

// Run executes the three phases in order.
func (d DrainPhases) Run() {
	if d.MarkUnready != nil {
		d.MarkUnready()
	}
	if d.DrainWait > 0 {
		slog.Info("waiting for traffic to drain", "duration", d.DrainWait)
		time.Sleep(d.DrainWait)
	}
	slog.Info("starting graceful shutdown")
	if d.Shutdown != nil {
		d.Shutdown(25 * time.Second)
	}
	if d.Cleanup != nil {
		d.Cleanup()
	}
}
