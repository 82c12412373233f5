// Package health implements active health checking for backends: a Checker
// ticks on its own cadence, TCP-dials every backend in the current
// snapshot's pool concurrently, and classifies each with the simpler
// mark_success/mark_failure API (no cooldown/backoff — that's the proxy
// path's job, spec §4.4).
package health

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"bal4/internal/runtimestate"
)

// Checker periodically probes every backend in the currently installed
// runtimestate.Snapshot and updates their health flag.
type Checker struct {
	cell   *runtimestate.Cell
	dialer net.Dialer
}

// New constructs a Checker bound to cell. It does not start probing until
// Run is called.
func New(cell *runtimestate.Cell) *Checker {
	return &Checker{cell: cell}
}

// Run probes all backends immediately at startup, then sleeps for
// health_check_interval_ms before each subsequent round. The interval is
// re-read from the snapshot at the start of every sleep, so a reload's new
// interval takes effect on the very next wait rather than only after the
// process restarts. Run returns when ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	snap := c.cell.Load()
	slog.Info("health checker started",
		"interval_ms", snap.Tuning.HealthCheckIntervalMs,
		"timeout_ms", snap.Tuning.HealthCheckTimeoutMs,
	)

	c.probeAll(ctx)

	for {
		interval := c.cell.Load().Tuning.HealthCheckInterval()
		timer := time.NewTimer(interval)

		select {
		case <-timer.C:
			c.probeAll(ctx)
		case <-ctx.Done():
			timer.Stop()
			slog.Info("health checker stopped")
			return
		}
	}
}

func (c *Checker) probeAll(ctx context.Context) {
	snap := c.cell.Load()
	tuning := snap.Tuning

	var wg sync.WaitGroup
	for _, be := range snap.Pool.All() {
		wg.Add(1)
		go func() {
			defer wg.Done()

			dctx, cancel := context.WithTimeout(ctx, tuning.HealthCheckTimeout())
			defer cancel()

			conn, err := c.dialer.DialContext(dctx, "tcp", be.Config.Address())
			if err != nil {
				wasHealthy := be.IsHealthy()
				be.MarkFailure(tuning.HealthCheckFailThreshold)
				if wasHealthy && !be.IsHealthy() {
					slog.Warn("backend became unhealthy", "backend", be.Config.Address(), "error", err)
				}
				return
			}
			_ = conn.Close()

			wasHealthy := be.IsHealthy()
			be.MarkSuccess(tuning.HealthCheckSuccessThreshold)
			if !wasHealthy && be.IsHealthy() {
				slog.Info("backend recovered", "backend", be.Config.Address())
			}
		}()
	}
	wg.Wait()
}
