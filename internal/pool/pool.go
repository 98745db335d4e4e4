package pool

import (
	"errors"
	"sync"
)

// ErrNoHealthyBackend is returned by Pick when no backend is currently
// available (healthy, unblocked, and reporting state "INFERENCE").
var ErrNoHealthyBackend = errors.New("pool: no healthy inference backends available")

// statePriority is the aggregate-state reduction order: the first of these
// values reported by any backend wins.
var statePriority = []string{"INFERENCE", "POW", "TRAIN", "STOPPED"}

// Pool owns the ordered collection of Backends for a Settings' configured
// URLs. Selection is serialized by a mutex held only across the O(N)
// linear scan and the winning backend's counter bump — never across I/O.
type Pool struct {
	mu       sync.Mutex
	backends []*Backend
}

// New builds a Pool from the backend URLs in settings, in configuration
// order. Every backend starts unhealthy with unknown state until the first
// health-monitor probe completes.
func New(settings Settings) *Pool {
	backends := make([]*Backend, len(settings.BackendURLs))
	for i, u := range settings.BackendURLs {
		backends[i] = NewBackend(u)
	}
	return &Pool{backends: backends}
}

// Backends returns the pool's backend list in configuration order. The
// slice itself must not be mutated by callers; the Backends it points to
// are shared, mutable, and safe for concurrent use.
func (p *Pool) Backends() []*Backend {
	return p.backends
}

// Pick selects the available backend with the fewest active requests,
// breaking ties by configuration order (first one wins), and bumps its
// active-request counter before returning. This whole read-pick-increment
// sequence happens under the pool mutex so two concurrent pickers cannot
// converge on the same backend without each bumping its counter.
func (p *Pool) Pick() (*Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Backend
	for _, b := range p.backends {
		if !b.IsAvailable() {
			continue
		}
		if best == nil || b.ActiveRequests() < best.ActiveRequests() {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNoHealthyBackend
	}
	best.MarkRequestStart()
	return best, nil
}

// Release returns the backend to the pool's accounting after a request
// completes, fails to open, or fails mid-stream. The caller must ensure
// exactly one Release per successful Pick.
func (p *Pool) Release(b *Backend) {
	b.MarkRequestDone()
}

// AnyAvailable reports whether at least one backend can currently receive
// requests.
func (p *Pool) AnyAvailable() bool {
	for _, b := range p.backends {
		if b.IsAvailable() {
			return true
		}
	}
	return false
}

// AggregateState reduces every backend's last-known state to a single
// priority-ordered label: the first of ["INFERENCE","POW","TRAIN","STOPPED"]
// reported by any backend, or "STOPPED" if no backend has a known state.
func (p *Pool) AggregateState() string {
	seen := make(map[string]bool)
	for _, b := range p.backends {
		if s := b.State(); s != nil {
			seen[*s] = true
		}
	}
	for _, candidate := range statePriority {
		if seen[candidate] {
			return candidate
		}
	}
	return "STOPPED"
}

// PoolSnapshot is the JSON body returned by GET /api/v1/state.
type PoolSnapshot struct {
	State string     `json:"state"`
	Nodes []Snapshot `json:"nodes"`
}

// Snapshot returns the aggregate state plus a per-backend snapshot, for
// reporting. Not used for any selection invariant.
func (p *Pool) Snapshot() PoolSnapshot {
	nodes := make([]Snapshot, len(p.backends))
	for i, b := range p.backends {
		nodes[i] = b.Snapshot()
	}
	return PoolSnapshot{State: p.AggregateState(), Nodes: nodes}
}

// First returns the first configured backend, or nil if the pool is empty.
// Used by the legacy fallback route, which bypasses selection entirely.
func (p *Pool) First() *Backend {
	if len(p.backends) == 0 {
		return nil
	}
	return p.backends[0]
}
