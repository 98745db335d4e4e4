// Package health implements active probing for MLNode backends: each
// backend is polled on its own independent schedule for lifecycle state
// (/api/v1/state) and basic liveness (/health), and the result is written
// back onto the pool.Backend for the selection policy to observe.
//
// Monitors never fail fatally; their only exit is cancellation at shutdown.
// They do not coordinate with each other — each backend is polled on its
// own goroutine, on its own clock.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mlnode-lb/internal/pool"
)

var errNonOK = errors.New("health: non-200 response")

// Monitor runs one independent polling goroutine per backend.
type Monitor struct {
	pool   *pool.Pool
	client *http.Client

	stateTimeout    time.Duration
	healthTimeout   time.Duration
	refreshInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Monitor for every backend currently in p, using settings for
// poll timeouts and the refresh interval. Call Start to begin probing.
func New(p *pool.Pool, settings pool.Settings) *Monitor {
	return &Monitor{
		pool:            p,
		client:          &http.Client{},
		stateTimeout:    toDuration(settings.StateTimeout),
		healthTimeout:   toDuration(settings.HealthTimeout),
		refreshInterval: toDuration(settings.RefreshInterval),
	}
}

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// Start launches one goroutine per backend. Each loops forever: probe
// state, probe health, sleep refreshInterval, repeat — until Stop cancels it.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, b := range m.pool.Backends() {
		m.wg.Add(1)
		go m.run(ctx, b)
	}
}

// Stop cancels every monitor goroutine and waits for them all to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, b *pool.Backend) {
	defer m.wg.Done()

	for {
		m.probeState(ctx, b)
		m.probeHealth(ctx, b)

		select {
		case <-time.After(m.refreshInterval):
		case <-ctx.Done():
			return
		}
	}
}

// probeState fetches {backend.URL}/api/v1/state and records body["state"],
// or nil on any network, non-200, or non-JSON error.
func (m *Monitor) probeState(ctx context.Context, b *pool.Backend) {
	reqCtx, cancel := context.WithTimeout(ctx, m.stateTimeout)
	defer cancel()

	var body struct {
		State *string `json:"state"`
	}
	if err := m.getJSON(reqCtx, b.URL+"/api/v1/state", &body); err != nil {
		b.SetState(nil)
		return
	}
	b.SetState(body.State)
}

// probeHealth fetches {backend.URL}/health; healthy iff the response is 200.
func (m *Monitor) probeHealth(ctx context.Context, b *pool.Backend) {
	reqCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()

	wasHealthy := b.IsHealthy()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, b.URL+"/health", nil)
	if err != nil {
		b.SetHealthy(false)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if wasHealthy {
			slog.Warn("health: backend became unhealthy", "backend", b.URL, "error", err)
		}
		b.SetHealthy(false)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	if healthy && !wasHealthy {
		slog.Info("health: backend recovered", "backend", b.URL)
	} else if !healthy && wasHealthy {
		slog.Warn("health: backend became unhealthy", "backend", b.URL, "status", resp.StatusCode)
	}
	b.SetHealthy(healthy)
}

func (m *Monitor) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errNonOK
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
