package backend

import "time"

// Pool is an ordered, fixed sequence of backend States for one
// RuntimeSnapshot. The healthy subset is a derived view computed on demand
// (spec §4.2) — it is never cached, since health and cooldown change
// continuously underneath a long-lived snapshot.
type Pool struct {
	all []*State
}

// NewPool builds a Pool from backend configs, every backend starting
// Healthy with the snapshot's initial backoff.
func NewPool(configs []Config, initialBackoffMs int64) *Pool {
	all := make([]*State, 0, len(configs))
	for _, c := range configs {
		all = append(all, New(c, initialBackoffMs))
	}
	return &Pool{all: all}
}

// All returns every backend in pool order, including unhealthy ones — used
// by the proxy's full sweep (spec §4.3 step 2) and the health checker.
func (p *Pool) All() []*State {
	return p.all
}

// Healthy returns the subset that is healthy and not in cooldown, in pool
// order — the view the load balancer selects over (spec §4.2).
func (p *Pool) Healthy(now time.Time) []*State {
	out := make([]*State, 0, len(p.all))
	for _, b := range p.all {
		if b.IsHealthy() && !b.IsInCooldown(now) {
			out = append(out, b)
		}
	}
	return out
}

// Len returns the total backend count.
func (p *Pool) Len() int { return len(p.all) }

// Find looks up a backend by (host, port) identity.
func (p *Pool) Find(host string, port int) *State {
	for _, b := range p.all {
		if b.Config.Host == host && b.Config.Port == port {
			return b
		}
	}
	return nil
}
