// Package balancer implements pluggable backend selection over a
// backend.Pool. RoundRobin is the covered algorithm (spec §4.2); Least
// Connections is reserved for a future release and is implemented here only
// as a minimal, untested-by-the-core alternative so the Method enum has a
// real home.
package balancer

import (
	"errors"
	"sync/atomic"
	"time"

	"bal4/internal/backend"
)

// ErrNoHealthyBackend is returned when the healthy subset is empty. The
// caller falls through to the proxy's full sweep (spec §4.3).
var ErrNoHealthyBackend = errors.New("balancer: no healthy backend available")

// Method names a selection algorithm.
type Method string

const (
	RoundRobin       Method = "round_robin"
	LeastConnections Method = "least_connections" // reserved, not covered
)

// Balancer selects the next backend for a new accept. It is bound to one
// backend.Pool; a snapshot swap always constructs a fresh Balancer alongside
// the new pool (spec §4.2).
type Balancer struct {
	method Method
	pool   *backend.Pool
	cursor atomic.Uint64
}

// New constructs a Balancer over pool using the named method. Unknown
// methods fall back to RoundRobin, the only method the covered release
// exercises on the hot path.
func New(method Method, pool *backend.Pool) *Balancer {
	return &Balancer{method: method, pool: pool}
}

// Pool returns the bound pool.
func (b *Balancer) Pool() *backend.Pool { return b.pool }

// Method returns the configured selection algorithm.
func (b *Balancer) Method() Method { return b.method }

// Next selects the next backend from the healthy subset. Round-robin does
// index = fetch_add(cursor, 1); return healthy[index % len(healthy)],
// exactly as spec §4.2 specifies.
func (b *Balancer) Next(now time.Time) (*backend.State, error) {
	healthy := b.pool.Healthy(now)
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	switch b.method {
	case LeastConnections:
		return selectLeastConnections(healthy), nil
	default:
		idx := b.cursor.Add(1) - 1
		return healthy[idx%uint64(len(healthy))], nil
	}
}

func selectLeastConnections(healthy []*backend.State) *backend.State {
	best := healthy[0]
	for _, b := range healthy[1:] {
		if b.ActiveConnections() < best.ActiveConnections() {
			best = b
		}
	}
	return best
}
