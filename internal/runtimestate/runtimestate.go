// Package runtimestate bundles the pieces of configuration the proxy's hot
// path reads — bind address, port, tuning, backend pool, balancer, and the
// source config path — into one immutable Snapshot, installed behind a
// single atomic.Pointer. This is the Go equivalent of the original
// process's arc-swap-backed RuntimeConfig/AppState (state.rs): readers load
// a pointer once per connection and never block a concurrent swap, and a
// swap never mutates a Snapshot another goroutine is still holding.
package runtimestate

import (
	"sync/atomic"

	"bal4/internal/balancer"
	"bal4/internal/backend"
	"bal4/internal/config"
	"bal4/internal/protection"
)

// Snapshot is the immutable, atomically-swappable runtime configuration.
// A new Snapshot is always built whole — callers never mutate fields of a
// Snapshot obtained from Cell.Load.
type Snapshot struct {
	BindAddress string
	Port        int
	Method      balancer.Method
	Tuning      config.RuntimeTuning
	Pool        *backend.Pool
	Balancer    *balancer.Balancer
	ConfigPath  string
}

// New builds a Snapshot from a validated Config. The backend pool and
// balancer are constructed fresh — every reload gets new backend.State
// values, matching the original's swap_config semantics ("does not affect
// existing connections": in-flight relays keep the *backend.State they
// already acquired a Guard against).
func New(cfg config.Config) *Snapshot {
	pool := backend.NewPool(toBackendConfigs(cfg.Backends), cfg.Runtime.FailoverBackoffInitialMs)
	bal := balancer.New(balancer.Method(cfg.Method), pool)
	return &Snapshot{
		BindAddress: cfg.BindAddress,
		Port:        cfg.Port,
		Method:      balancer.Method(cfg.Method),
		Tuning:      *cfg.Runtime,
		Pool:        pool,
		Balancer:    bal,
		ConfigPath:  cfg.Path,
	}
}

func toBackendConfigs(in []config.BackendCfg) []backend.Config {
	out := make([]backend.Config, len(in))
	for i, b := range in {
		out[i] = backend.Config{Host: b.Host, Port: b.Port}
	}
	return out
}

// Cell is a single atomically-swappable Snapshot slot plus the
// process-wide ProtectionMode, which survives config swaps (a reload
// rebuilds the backend pool and balancer, but the storm/recovery counters
// in Mode are about process-wide behavior over time and are never reset by
// a reload — see spec §4.5, §9).
type Cell struct {
	snapshot atomic.Pointer[Snapshot]
	mode     *protection.Mode
}

// NewCell constructs a Cell holding the initial Snapshot and the
// process-wide protection Mode.
func NewCell(initial *Snapshot, mode *protection.Mode) *Cell {
	c := &Cell{mode: mode}
	c.snapshot.Store(initial)
	return c
}

// Load returns the currently installed Snapshot. Lock-free; safe to call
// from every connection handler and the health checker concurrently.
func (c *Cell) Load() *Snapshot {
	return c.snapshot.Load()
}

// Store atomically installs a new Snapshot. Connections already relaying
// against the previous Snapshot's Pool are unaffected — they hold a
// reference to the old *backend.State via their Guard, not to the Cell.
func (c *Cell) Store(s *Snapshot) {
	c.snapshot.Store(s)
}

// Protection returns the process-wide ProtectionMode, independent of the
// current Snapshot generation.
func (c *Cell) Protection() *protection.Mode {
	return c.mode
}
