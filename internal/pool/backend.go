package pool

import (
	"sync"
	"sync/atomic"
)

// Backend is the runtime representation of a single MLNode instance: its
// URL, last-known lifecycle state, health flag, and active-request counter.
// All fields are safe for concurrent access.
type Backend struct {
	URL string

	mu    sync.Mutex
	state *string // nil means "last poll failed / unknown"

	healthy atomic.Bool
	blocked atomic.Bool
	active  atomic.Int64
}

// NewBackend returns a Backend for the given base URL, unhealthy and with
// unknown state until the health monitor completes its first probe.
func NewBackend(url string) *Backend {
	return &Backend{URL: url}
}

// MarkRequestStart increments the active-request counter. Never fails.
func (b *Backend) MarkRequestStart() {
	b.active.Add(1)
}

// MarkRequestDone decrements the active-request counter, clamping at zero.
// Never fails.
func (b *Backend) MarkRequestDone() {
	for {
		cur := b.active.Load()
		if cur <= 0 {
			b.active.Store(0)
			return
		}
		if b.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveRequests returns the current in-flight request count for this backend.
func (b *Backend) ActiveRequests() int64 { return b.active.Load() }

// SetState records the last value reported under the "state" key by
// /api/v1/state, or nil if the last poll failed.
func (b *Backend) SetState(state *string) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// State returns the last-known state, or nil if unknown.
func (b *Backend) State() *string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetHealthy records the outcome of the last /health probe.
func (b *Backend) SetHealthy(v bool) { b.healthy.Store(v) }

// IsHealthy reports whether the last /health probe returned 200.
func (b *Backend) IsHealthy() bool { return b.healthy.Load() }

// SetBlocked sets or clears the operator-controlled blocked flag (admin
// surface). A blocked backend is excluded from selection without affecting
// its active-request accounting.
func (b *Backend) SetBlocked(v bool) { b.blocked.Store(v) }

// IsBlocked reports whether the backend has been manually blocked.
func (b *Backend) IsBlocked() bool { return b.blocked.Load() }

// IsAvailable reports whether the backend may currently receive requests:
// healthy, not manually blocked, and reporting state "INFERENCE".
func (b *Backend) IsAvailable() bool {
	if !b.IsHealthy() || b.IsBlocked() {
		return false
	}
	s := b.State()
	return s != nil && *s == "INFERENCE"
}

// Snapshot is the JSON-facing view of a Backend's current state, used by the
// /api/v1/state route. Each field is read
// independently and may be individually stale but self-consistent.
type Snapshot struct {
	URL            string  `json:"url"`
	State          *string `json:"state"`
	Healthy        bool    `json:"healthy"`
	Blocked        bool    `json:"blocked,omitempty"`
	ActiveRequests int64   `json:"active_requests"`
}

// Snapshot returns the current reporting view of this backend.
func (b *Backend) Snapshot() Snapshot {
	return Snapshot{
		URL:            b.URL,
		State:          b.State(),
		Healthy:        b.IsHealthy(),
		Blocked:        b.IsBlocked(),
		ActiveRequests: b.ActiveRequests(),
	}
}
