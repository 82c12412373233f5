// Package proxy is the TCP passthrough core: an accept loop that, for each
// client connection, selects a backend with ultra-fast failover and relays
// bytes bidirectionally until either side closes or an idle deadline fires.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"bal4/internal/backend"
	"bal4/internal/protection"
	"bal4/internal/runtimestate"
)

// errAllBackendsFailed is returned by dialWithFailover when both the healthy
// and full sweeps exhaust without a successful connect.
var errAllBackendsFailed = errors.New("proxy: all backends failed")

// Dialer abstracts the outbound TCP dial so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server is the accept loop and connection handler. It is safe for
// concurrent use; Cell.Store swaps are picked up by the next accepted
// connection with no coordination needed against in-flight ones.
type Server struct {
	cell   *runtimestate.Cell
	dialer Dialer

	listener net.Listener
	ready    chan struct{}
	sem      chan struct{}
}

// New constructs a Server bound to cell. The admission-control semaphore is
// sized once from the snapshot present in cell at construction time, like
// the listener; a reload that changes max_concurrent_connections does not
// change the admission limit of a running Server.
func New(cell *runtimestate.Cell) *Server {
	snap := cell.Load()
	return &Server{
		cell:   cell,
		dialer: &net.Dialer{},
		ready:  make(chan struct{}),
		sem:    make(chan struct{}, snap.Tuning.MaxConcurrentConnections),
	}
}

// Addr blocks until the listener is bound and returns its address. Intended
// for tests and for logging the resolved port when the config specifies
// port 0.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections currently holding an
// admission-control slot, polled by the supervisor during graceful
// shutdown (spec §4.6).
func (s *Server) ActiveConnections() int {
	return len(s.sem)
}

// Run binds the listener and accepts connections until ctx is canceled. It
// does not cancel in-flight connection handlers on shutdown — it only stops
// accepting new ones (spec §4.3).
func (s *Server) Run(ctx context.Context) error {
	snap := s.cell.Load()
	addr := fmt.Sprintf("%s:%d", snap.BindAddress, snap.Port)

	lc := net.ListenConfig{}
	if snap.Tuning.TCPBacklog > 0 {
		lc.Control = backlogControl(snap.Tuning.TCPBacklog)
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: bind %s: %w", addr, err)
	}
	s.listener = ln
	close(s.ready)

	slog.Info("proxy server started", "addr", ln.Addr().String(), "mode", "l4_passthrough")

	go func() {
		<-ctx.Done()
		slog.Info("proxy server stopping: no longer accepting new connections")
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("accept failed", "error", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, client net.Conn) {
	connID := uuid.NewString()
	clientAddr := client.RemoteAddr().String()

	select {
	case s.sem <- struct{}{}:
	default:
		slog.Warn("connection rejected: at capacity", "client", clientAddr, "conn_id", connID)
		_ = client.Close()
		return
	}
	defer func() { <-s.sem }()
	defer client.Close()

	snap := s.cell.Load()
	mode := s.cell.Protection()

	backendConn, be, err := s.dialWithFailover(ctx, snap, mode, connID)
	if err != nil {
		slog.Error("no backend reachable", "client", clientAddr, "conn_id", connID, "error", err)
		return
	}

	guard := backend.AcquireGuard(be)
	defer guard.Release()
	defer backendConn.Close()

	slog.Info("connection established",
		"conn_id", connID,
		"client", clientAddr,
		"backend", be.Config.Address(),
	)

	sent, received := relay(client, backendConn, snap.Tuning.ConnectionIdleTimeout())
	slog.Debug("connection closed",
		"conn_id", connID,
		"client_to_backend_bytes", sent,
		"backend_to_client_bytes", received,
	)
}

// dialWithFailover implements spec §4.3's two-phase backend selection: a
// healthy sweep via the balancer, then — if every healthy attempt fails — a
// full sweep over every backend in pool order including unhealthy ones.
func (s *Server) dialWithFailover(ctx context.Context, snap *runtimestate.Snapshot, mode *protection.Mode, connID string) (net.Conn, *backend.State, error) {
	now := time.Now()
	tuning := snap.Tuning

	backoffInitial := tuning.FailoverBackoffInitial()
	backoffMax := tuning.FailoverBackoffMax()
	cooldownMs := tuning.BackendCooldownMs
	if mode.IsEnabled() {
		backoffInitial *= 2
		backoffMax *= 2
		cooldownMs *= 2
	}
	thresholds := backend.Thresholds{
		FailThreshold:  tuning.HealthCheckFailThreshold,
		BackoffInitial: backoffInitial,
		BackoffMax:     backoffMax,
		CooldownMs:     cooldownMs,
	}

	healthy := snap.Pool.Healthy(now)
	for attempt := 0; attempt < len(healthy); attempt++ {
		be, err := snap.Balancer.Next(now)
		if err != nil {
			break
		}
		if be.IsInCooldown(now) {
			continue
		}
		conn, dialErr := s.dialBackend(ctx, be, tuning.BackendConnectTimeout())
		if dialErr == nil {
			be.MarkConnectSuccess(tuning.HealthCheckSuccessThreshold, backoffInitial)
			mode.RecordSuccess()
			if attempt > 0 {
				slog.Info("failover successful", "conn_id", connID, "backend", be.Config.Address(), "attempt", attempt+1)
			}
			return conn, be, nil
		}
		kind := classifyError(dialErr)
		be.MarkConnectFailure(kind, thresholds, now)
		mode.RecordFailure(kind)
		slog.Warn("backend connect failed", "conn_id", connID, "backend", be.Config.Address(), "error", dialErr)
	}

	slog.Info("all healthy backends failed, sweeping full pool", "conn_id", connID)
	for _, be := range snap.Pool.All() {
		if be.IsInCooldown(now) {
			continue
		}
		conn, dialErr := s.dialBackend(ctx, be, tuning.BackendConnectTimeout())
		if dialErr == nil {
			wasUnhealthy := !be.IsHealthy()
			be.MarkConnectSuccess(tuning.HealthCheckSuccessThreshold, backoffInitial)
			mode.RecordSuccess()
			if wasUnhealthy {
				slog.Info("backend recovered, serving traffic immediately", "conn_id", connID, "backend", be.Config.Address())
			}
			return conn, be, nil
		}
		kind := classifyError(dialErr)
		be.MarkConnectFailure(kind, thresholds, now)
		mode.RecordFailure(kind)
	}

	mode.RecordGlobalUnavailable()
	return nil, nil, errAllBackendsFailed
}

func (s *Server) dialBackend(ctx context.Context, be *backend.State, timeout time.Duration) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.dialer.DialContext(dctx, "tcp", be.Config.Address())
}

// relay performs the bidirectional byte copy and returns (client->backend,
// backend->client) byte counts. Both conns are wrapped so idle elapses the
// relay. When one direction reaches EOF, its destination's write half is
// closed immediately (matching the original's copy_bidirectional, which
// shuts down the peer on EOF rather than waiting out the idle deadline) so
// the other direction gets a prompt FIN instead of lingering.
func relay(client, backendConn net.Conn, idle time.Duration) (int64, int64) {
	ic := newIdleConn(client, idle)
	ib := newIdleConn(backendConn, idle)

	var sent, received int64
	done := make(chan struct{}, 2)

	go func() {
		sent, _ = io.Copy(ib, ic)
		closeWrite(backendConn)
		done <- struct{}{}
	}()
	go func() {
		received, _ = io.Copy(ic, ib)
		closeWrite(client)
		done <- struct{}{}
	}()

	<-done
	<-done
	return sent, received
}

// closeWrite shuts down conn's write half if it supports half-close (true
// for *net.TCPConn), propagating EOF to the peer immediately instead of
// leaving it to read until the full connection closes.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
