package proxy_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlnode-lb/internal/pool"
	"mlnode-lb/internal/proxy"
)

func TestLegacyMiddleware_RoutesV1ToPool(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("from-vllm"))
	}))
	defer backend.Close()

	p := pool.New(pool.Settings{BackendURLs: []string{backend.URL}})
	p.Backends()[0] = availableBackend(backend.URL)
	mw := proxy.NewLegacyMiddleware(p, pool.Settings{RequestTimeout: 5})

	var calledNext bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calledNext = true })

	srv := httptest.NewServer(mw.Wrap(next))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.False(t, calledNext, "a /v1 request must be proxied, not passed to next")
}

func TestLegacyMiddleware_RoutesOtherPathsToNext(t *testing.T) {
	p := pool.New(pool.Settings{})
	mw := proxy.NewLegacyMiddleware(p, pool.Settings{RequestTimeout: 5})

	var calledNext bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calledNext = true
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mw.Wrap(next))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/inference")
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, calledNext, "non-/v1 paths must fall through to next")
}

func TestLegacyMiddleware_NoHealthyBackend_ReturnsLegacyDetail(t *testing.T) {
	p := pool.New(pool.Settings{BackendURLs: []string{"http://127.0.0.1:1"}})
	mw := proxy.NewLegacyMiddleware(p, pool.Settings{RequestTimeout: 5})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mw.Wrap(next))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "vLLM backend not ready", body["detail"])
}

func TestLegacyMiddleware_TrimsVersionedPrefix(t *testing.T) {
	p := pool.New(pool.Settings{})
	mw := proxy.NewLegacyMiddleware(p, pool.Settings{RequestTimeout: 5})

	var observedPath, observedQuery string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observedPath = r.URL.Path
		observedQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mw.Wrap(next))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v3.0.8/api/v1/state?foo=1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/api/v1/state", observedPath)
	assert.Equal(t, "foo=1", observedQuery, "query string must survive the rewrite byte-for-byte")
}

func TestLegacyMiddleware_VersionedPrefixTrim_IsIdempotent(t *testing.T) {
	p := pool.New(pool.Settings{})
	mw := proxy.NewLegacyMiddleware(p, pool.Settings{RequestTimeout: 5})

	var hits []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mw.Wrap(next))
	defer srv.Close()

	// First pass rewrites /v3.0.8/api/v1/state to /api/v1/state.
	resp, err := http.Get(srv.URL + "/v3.0.8/api/v1/state")
	require.NoError(t, err)
	resp.Body.Close()

	// Re-issuing the already-rewritten path must be a no-op.
	resp, err = http.Get(srv.URL + "/api/v1/state")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, hits, 2)
	assert.Equal(t, "/api/v1/state", hits[0])
	assert.Equal(t, "/api/v1/state", hits[1])
}
