// Package backend implements the per-backend runtime state machine: health
// flag, cooldown deadline, error-kind counters, and active-connection
// tracking. All mutable fields are plain atomics — each update is
// self-consistent and no cross-field invariant depends on ordering with
// another atomic (see ErrorKind and the mark_* operations below).
package backend

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ErrorKind classifies why a backend connect attempt failed. Only Timeout
// and ConnectionRefused feed the protection-mode storm counter.
type ErrorKind int

const (
	ErrorOther ErrorKind = iota
	ErrorTimeout
	ErrorConnectionRefused
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTimeout:
		return "timeout"
	case ErrorConnectionRefused:
		return "connection_refused"
	default:
		return "other"
	}
}

// Config is the immutable identity of a backend: a literal IP or DNS host
// plus port.
type Config struct {
	Host string
	Port int
}

// Address returns the "host:port" dial target.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// State is the runtime representation of one backend. It starts optimistic
// (healthy=true) and is flipped by mark_failure/mark_success — never by
// direct external mutation outside the health checker and proxy path.
type State struct {
	Config Config

	healthy            atomic.Bool
	activeConnections  atomic.Int64
	consecutiveFails   atomic.Uint32
	consecutiveSucc    atomic.Uint32
	cooldownUntilMs    atomic.Int64
	backoffMs          atomic.Int64
	errTimeout         atomic.Uint64
	errConnRefused     atomic.Uint64
	errOther           atomic.Uint64
}

// New returns a State starting Healthy, matching the optimistic-start
// invariant of spec §3/§4.1.
func New(cfg Config, initialBackoffMs int64) *State {
	s := &State{Config: cfg}
	s.healthy.Store(true)
	s.backoffMs.Store(initialBackoffMs)
	return s
}

func (s *State) IsHealthy() bool     { return s.healthy.Load() }
func (s *State) SetHealthy(v bool)   { s.healthy.Store(v) }
func (s *State) ActiveConnections() int64 { return s.activeConnections.Load() }

// IsInCooldown is true iff now is before the backend's cooldown deadline. A
// backend in cooldown is skipped by selection even if Healthy.
func (s *State) IsInCooldown(now time.Time) bool {
	return now.UnixMilli() < s.cooldownUntilMs.Load()
}

func (s *State) ConsecutiveFailures() uint32  { return s.consecutiveFails.Load() }
func (s *State) ConsecutiveSuccesses() uint32 { return s.consecutiveSucc.Load() }
func (s *State) BackoffMs() int64             { return s.backoffMs.Load() }

// ErrorCounters returns the monotonically non-decreasing counters over the
// three error kinds, used by status reporting and protection mode. These
// are never reset, including by mark_connect_success (see spec §9 Open
// Questions).
func (s *State) ErrorCounters() (timeout, refused, other uint64) {
	return s.errTimeout.Load(), s.errConnRefused.Load(), s.errOther.Load()
}

// incrementConnections is called on successful backend connect.
func (s *State) incrementConnections() {
	s.activeConnections.Add(1)
}

// decrementConnections is called on relay end. Defensively saturates at
// zero instead of underflowing.
func (s *State) decrementConnections() {
	for {
		cur := s.activeConnections.Load()
		if cur <= 0 {
			s.activeConnections.Store(0)
			return
		}
		if s.activeConnections.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (s *State) bumpErrorCounter(kind ErrorKind) {
	switch kind {
	case ErrorTimeout:
		s.errTimeout.Add(1)
	case ErrorConnectionRefused:
		s.errConnRefused.Add(1)
	default:
		s.errOther.Add(1)
	}
}

// Thresholds bundles the tuning parameters mark_failure needs on the hot
// (proxy) path. The health-check path uses the simpler MarkFailure
// /MarkSuccess API (no cooldown/backoff) since its job is classification,
// not traffic shaping (spec §4.4).
type Thresholds struct {
	FailThreshold  uint32
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CooldownMs     int64
}

// MarkConnectFailure implements mark_failure(kind, ...) from spec §4.1: it
// is the proxy-path failure op, taking cooldown/backoff parameters from the
// caller's current snapshot tuning (doubled when protection mode is
// active — the caller is responsible for that doubling).
func (s *State) MarkConnectFailure(kind ErrorKind, t Thresholds, now time.Time) {
	s.bumpErrorCounter(kind)

	failures := s.consecutiveFails.Add(1)
	s.consecutiveSucc.Store(0)

	if failures >= t.FailThreshold {
		s.healthy.Store(false)
	}

	s.cooldownUntilMs.Store(now.UnixMilli() + t.CooldownMs)

	// Exponential backoff, doubling toward BackoffMax; never exceeds it.
	cur := time.Duration(s.backoffMs.Load()) * time.Millisecond
	next := cur * 2
	if next > t.BackoffMax {
		next = t.BackoffMax
	}
	if next < t.BackoffInitial {
		next = t.BackoffInitial
	}
	s.backoffMs.Store(next.Milliseconds())
}

// MarkConnectSuccess implements mark_connect_success from spec §4.1: called
// from the proxy path after a successful TCP connect. With minSuccesses==1
// this flips an Unhealthy backend back into service on the very first real
// successful connect.
func (s *State) MarkConnectSuccess(minSuccesses uint32, backoffInitial time.Duration) {
	successes := s.consecutiveSucc.Add(1)
	s.consecutiveFails.Store(0)

	if successes >= minSuccesses {
		s.healthy.Store(true)
		s.backoffMs.Store(backoffInitial.Milliseconds())
	}
}

// MarkFailure is the health-checker's simpler failure op (spec §4.4): no
// cooldown, no backoff — pure state classification.
func (s *State) MarkFailure(failThreshold uint32) {
	failures := s.consecutiveFails.Add(1)
	s.consecutiveSucc.Store(0)
	if failures >= failThreshold {
		s.healthy.Store(false)
	}
}

// MarkSuccess is the health-checker's simpler recovery op (spec §4.4).
func (s *State) MarkSuccess(minSuccesses uint32) {
	successes := s.consecutiveSucc.Add(1)
	s.consecutiveFails.Store(0)
	if successes >= minSuccesses {
		s.healthy.Store(true)
	}
}

// Guard is a scoped acquisition of the backend's active-connection counter,
// released on every exit path via Release (call it in a defer). Never
// constructed when the backend connect failed.
type Guard struct {
	backend *State
	done    bool
}

// AcquireGuard increments active_connections and returns a Guard that
// decrements it exactly once on Release.
func AcquireGuard(s *State) *Guard {
	s.incrementConnections()
	return &Guard{backend: s}
}

// Release decrements the guarded backend's active-connection count. Safe to
// call multiple times; only the first call has effect.
func (g *Guard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.backend.decrementConnections()
}
