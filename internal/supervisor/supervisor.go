// Package supervisor orchestrates process lifecycle: the PID file guard,
// signal handling (SIGTERM/SIGINT for graceful shutdown, SIGHUP for
// config reload), the proxy accept loop and health checker goroutines, and
// graceful shutdown that drains in-flight connections before exiting
// (spec §4.6). Grounded on the original daemon's supervisor.rs/
// config_store.rs, translated from tokio broadcast/mpsc channels and
// arc-swap into Go's context cancellation, a plain signal channel, and
// runtimestate.Cell.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bal4/internal/config"
	"bal4/internal/health"
	"bal4/internal/proxy"
	"bal4/internal/runtimestate"
)

// GracefulShutdownTimeout bounds how long Run waits for active connections
// to drain before forcing an exit (spec §4.6
// GRACEFUL_SHUTDOWN_TIMEOUT_SECS).
const GracefulShutdownTimeout = 30 * time.Second

// Supervisor wires together the proxy accept loop, the health checker, and
// config reload against one shared runtimestate.Cell.
type Supervisor struct {
	cell     *runtimestate.Cell
	proxySrv *proxy.Server
	checker  *health.Checker
	reloadCh chan struct{}
}

// New constructs a Supervisor around cell. Call Run to start serving.
func New(cell *runtimestate.Cell) *Supervisor {
	return &Supervisor{
		cell:     cell,
		proxySrv: proxy.New(cell),
		checker:  health.New(cell),
		reloadCh: make(chan struct{}, 1),
	}
}

// TriggerReload requests a config reload via the internal programmatic
// channel (spec §4.6 "a separate internal reload channel"), distinct from
// SIGHUP. Non-blocking: a reload already pending is not duplicated.
func (s *Supervisor) TriggerReload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Addr exposes the bound proxy listener address once it is up (tests and
// startup logging).
func (s *Supervisor) Addr() net.Addr {
	return s.proxySrv.Addr()
}

// Run starts the proxy and health checker, then blocks handling signals and
// reload requests until ctx is canceled or a termination signal arrives. On
// exit it stops accepting new connections and waits (up to
// GracefulShutdownTimeout) for in-flight ones to drain.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		if err := s.proxySrv.Run(runCtx); err != nil {
			slog.Error("proxy server exited with error", "error", err)
		}
	}()
	go s.checker.Run(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	slog.Info("signal handlers registered", "signals", "SIGTERM, SIGINT, SIGHUP")

loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				slog.Info("SIGHUP received, reloading configuration")
				s.reload("")
				continue
			}
			slog.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String())
			break loop
		case <-s.reloadCh:
			slog.Info("reload requested via internal channel")
			s.reload("")
		case <-ctx.Done():
			break loop
		}
	}

	cancelRun()
	s.drain()
	slog.Info("daemon shutdown complete")
	return nil
}

// reload loads the config at overridePath (or the currently installed
// config's own path when empty), validates it, pre-probes backend
// connectivity, and — unless every backend is unreachable — atomically
// installs a new Snapshot. The process-wide ProtectionMode survives the
// swap unchanged (spec §9).
func (s *Supervisor) reload(overridePath string) {
	current := s.cell.Load()
	path := overridePath
	if path == "" {
		path = current.ConfigPath
	}

	cfg, _, err := config.Load(path)
	if err != nil {
		slog.Error("configuration reload rejected: load failed", "path", path, "error", err)
		return
	}

	reachable, total := probeBackends(cfg)
	if reachable == 0 {
		slog.Error("configuration reload rejected: no backend reachable", "path", path, "total", total)
		return
	}
	if reachable < total {
		slog.Warn("reloading with some backends unreachable", "reachable", reachable, "total", total)
	}

	if current.Port != cfg.Port {
		slog.Warn("port change detected; new port applies on next restart", "old_port", current.Port, "new_port", cfg.Port)
	}

	s.cell.Store(runtimestate.New(cfg))
	slog.Info("configuration reloaded", "path", path, "backends", total)
}

// probeBackends dials each configured backend with a short timeout,
// returning (reachable, total). Used only to decide whether a reload
// candidate is viable — it never mutates backend.State (that pool does not
// exist yet at this point; the one being pre-validated is discarded if
// rejected).
func probeBackends(cfg config.Config) (reachable, total int) {
	total = len(cfg.Backends)
	dialer := net.Dialer{Timeout: 500 * time.Millisecond}
	for _, b := range cfg.Backends {
		addr := fmt.Sprintf("%s:%d", b.Host, b.Port)
		conn, err := dialer.Dial("tcp", addr)
		if err == nil {
			_ = conn.Close()
			reachable++
		}
	}
	return reachable, total
}

// drain waits for the proxy's active connection count to reach zero, up to
// GracefulShutdownTimeout, polling at 100ms — the same cadence the original
// daemon's graceful_shutdown loop uses.
func (s *Supervisor) drain() {
	deadline := time.Now().Add(GracefulShutdownTimeout)
	for time.Now().Before(deadline) {
		active := s.proxySrv.ActiveConnections()
		if active == 0 {
			slog.Info("all connections closed successfully")
			return
		}
		slog.Debug("waiting for active connections", "count", active)
		time.Sleep(100 * time.Millisecond)
	}
	slog.Warn("graceful shutdown timeout, forcing stop", "timeout", GracefulShutdownTimeout)
}
