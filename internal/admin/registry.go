// Package admin provides the management dashboard API for the load balancer.
package admin

import (
	"fmt"

	"mlnode-lb/internal/pool"
)

// BackendInfo is the JSON representation of a backend's current state.
type BackendInfo struct {
	URL            string  `json:"url"`
	State          *string `json:"state"`
	Healthy        bool    `json:"healthy"`
	Blocked        bool    `json:"blocked"`
	ActiveRequests int64   `json:"active_requests"`
}

// Registry exposes the running pool to the admin dashboard. The backend
// list itself is immutable for the process lifetime (see pool.Settings);
// the only mutation the dashboard can make is operator block/unblock.
type Registry struct {
	pool *pool.Pool
}

// NewRegistry wraps p for admin dashboard access.
func NewRegistry(p *pool.Pool) *Registry {
	return &Registry{pool: p}
}

// List returns a snapshot of all backends with their current runtime state.
func (r *Registry) List() []BackendInfo {
	backends := r.pool.Backends()
	out := make([]BackendInfo, len(backends))
	for i, b := range backends {
		out[i] = BackendInfo{
			URL:            b.URL,
			State:          b.State(),
			Healthy:        b.IsHealthy(),
			Blocked:        b.IsBlocked(),
			ActiveRequests: b.ActiveRequests(),
		}
	}
	return out
}

// Block marks the backend as blocked so the load balancer skips it.
func (r *Registry) Block(rawURL string) error {
	b := r.find(rawURL)
	if b == nil {
		return fmt.Errorf("backend %q not found", rawURL)
	}
	b.SetBlocked(true)
	return nil
}

// Unblock clears the blocked flag, allowing traffic to the backend again.
func (r *Registry) Unblock(rawURL string) error {
	b := r.find(rawURL)
	if b == nil {
		return fmt.Errorf("backend %q not found", rawURL)
	}
	b.SetBlocked(false)
	return nil
}

func (r *Registry) find(rawURL string) *pool.Backend {
	for _, b := range r.pool.Backends() {
		if b.URL == rawURL {
			return b
		}
	}
	return nil
}
