package proxy

import (
	"net/http"
	"regexp"
	"time"

	"mlnode-lb/internal/pool"
)

// versionedPrefix matches a leading "/v<digits and dots>/" segment, e.g.
// "/v3.0.8/", representing a client-declared protocol version.
var versionedPrefix = regexp.MustCompile(`^/v\d+(\.\d+)*/`)

// LegacyMiddleware reproduces the behavior of the original in-process
// "vLLM proxy" middleware variant: requests already addressed to "/v1/..."
// are routed straight through the shared backend pool — using the
// legacy-compatible "vLLM backend not ready" detail string — before any
// rewrite is considered. Everything else first has a leading versioned
// prefix trimmed, if present (so "/v3.0.8/api/v1/state" reaches
// "/api/v1/state" transparently, preserving the query string), and is then
// passed to next.
type LegacyMiddleware struct {
	pool        *pool.Pool
	client      *http.Client
	readTimeout time.Duration
}

// NewLegacyMiddleware builds a LegacyMiddleware sharing p as its backend pool.
func NewLegacyMiddleware(p *pool.Pool, settings pool.Settings) *LegacyMiddleware {
	return &LegacyMiddleware{
		pool:        p,
		client:      newUpstreamClient(settings),
		readTimeout: durationFromSeconds(settings.RequestTimeout),
	}
}

// Wrap returns an http.Handler that applies the versioned-prefix trim and
// /v1 routing described above before falling back to next.
func (m *LegacyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasPrefix(r.URL.Path, "/v1") {
			g := &Gateway{pool: m.pool, client: m.client, readTimeout: m.readTimeout}
			g.proxyRequest(w, r, "", "vLLM backend not ready")
			return
		}

		trimVersionedPrefix(r)
		next.ServeHTTP(w, r)
	})
}

// trimVersionedPrefix strips a leading "/v<dotted version>/" segment from
// the request's logical path. Only one segment is stripped per call:
// re-applying it to an already-trimmed path is a no-op unless the remainder
// itself begins with a versioned segment ("/v2/v1/x" becomes "/v1/x", which
// a second call would trim to "/x"). The query string
// (carried separately as r.URL.RawQuery) is left untouched.
func trimVersionedPrefix(r *http.Request) {
	loc := versionedPrefix.FindStringIndex(r.URL.Path)
	if loc == nil {
		return
	}
	trimmed := "/" + r.URL.Path[loc[1]:]
	r.URL.Path = trimmed
	r.URL.RawPath = "" // let it re-derive from Path; stale escaping no longer applies
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
