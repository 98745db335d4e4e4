// Package proxy is the core request-forwarding layer of the MLNode load
// balancer.
//
// Gateway does not wrap net/http/httputil.ReverseProxy: release of a
// backend's active-request slot must be pinned to the moment the response
// body has been fully drained to the client (or the client has gone away),
// not to when upstream headers arrive — ReverseProxy's ModifyResponse hook
// fires too early for that. Gateway instead streams the response itself and
// defers release around the copy loop, the same "scoped guard" shape the
// original Python implementation gets from a background task tied to its
// StreamingResponse.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mlnode-lb/internal/pool"
)

// SupportedMethods lists the HTTP methods the proxy routes accept. Anything
// else reaching a proxied route falls through to the framework's default
// 405 behavior.
var SupportedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodHead,
}

// hopByHopResponseHeaders must never be copied from the upstream response —
// they describe the upstream connection, not the one to our client.
var hopByHopResponseHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

// Gateway is the primary /v1/* inference proxy. It is safe for concurrent use.
type Gateway struct {
	pool        *pool.Pool
	client      *http.Client
	readTimeout time.Duration
}

// New builds a Gateway over p, configured from settings. The returned
// *http.Client is shared across every request the Gateway serves.
func New(p *pool.Pool, settings pool.Settings) *Gateway {
	return &Gateway{
		pool:        p,
		client:      newUpstreamClient(settings),
		readTimeout: durationFromSeconds(settings.RequestTimeout),
	}
}

func newUpstreamClient(settings pool.Settings) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			// Bounds time-to-first-byte of the upstream response, not the
			// total body read — long-lived streaming completions are
			// otherwise unrestricted, per the request_timeout contract.
			ResponseHeaderTimeout: durationFromSeconds(settings.RequestTimeout),
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ServeHTTP proxies every request to the least-active available backend,
// mounted at the root (no mount-path stripping).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.proxyRequest(w, r, "", "No healthy inference backends available")
}

// ServeFallback proxies to the pool's first configured backend, bypassing
// selection entirely. This backs the HTTP surface's undocumented legacy
// passthrough route (§4.6): unlike ServeHTTP it does not consult
// is_available(), so it still reaches a backend that is unhealthy or not
// yet reporting INFERENCE state. If the pool has no backends configured at
// all, it responds 503 with noBackendsDetail.
func (g *Gateway) ServeFallback(w http.ResponseWriter, r *http.Request, noBackendsDetail string) {
	backend := g.pool.First()
	if backend == nil {
		writeDetail(w, http.StatusServiceUnavailable, noBackendsDetail)
		return
	}

	backend.MarkRequestStart()
	defer backend.MarkRequestDone()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, backend.URL+r.URL.Path, r.Body)
	if err != nil {
		writeDetail(w, http.StatusBadGateway, "Upstream request failed")
		return
	}
	upstreamReq.URL.RawQuery = r.URL.RawQuery
	copyRequestHeaders(upstreamReq.Header, r.Header)

	resp, err := g.client.Do(upstreamReq)
	if err != nil {
		slog.Error("fallback upstream request failed", "backend", backend.URL, "path", r.URL.Path, "error", err)
		writeDetail(w, http.StatusBadGateway, "Upstream request failed")
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	streamCopy(w, resp.Body, cancel, g.readTimeout)
}

// proxyRequest implements §4.5 of the spec: select, rewrite, stream,
// release-exactly-once.
func (g *Gateway) proxyRequest(w http.ResponseWriter, r *http.Request, mountPath, noBackendDetail string) {
	backend, err := g.pool.Pick()
	if err != nil {
		slog.Warn("no available backend", "path", r.URL.Path, "error", err)
		writeDetail(w, http.StatusServiceUnavailable, noBackendDetail)
		return
	}

	targetPath := rewritePath(r.URL.Path, mountPath)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, backend.URL+targetPath, r.Body)
	if err != nil {
		g.pool.Release(backend)
		writeDetail(w, http.StatusBadGateway, "Upstream request failed")
		return
	}
	upstreamReq.URL.RawQuery = r.URL.RawQuery
	copyRequestHeaders(upstreamReq.Header, r.Header)

	resp, err := g.client.Do(upstreamReq)
	if err != nil {
		g.pool.Release(backend)
		slog.Error("upstream request failed", "backend", backend.URL, "path", targetPath, "error", err)
		writeDetail(w, http.StatusBadGateway, "Upstream request failed")
		return
	}

	// The backend is released exactly once, after the response body has
	// been fully delivered to the client (success or mid-stream failure).
	defer g.pool.Release(backend)
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	streamCopy(w, resp.Body, cancel, g.readTimeout)
}

// rewritePath strips mountPath from path if present, per §4.5 step 2.
func rewritePath(path, mountPath string) string {
	if mountPath == "" {
		return path
	}
	if !strings.HasPrefix(path, mountPath) {
		return path
	}
	rest := path[len(mountPath):]
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopResponseHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// streamCopy copies src to w a chunk at a time, flushing after each write so
// long-lived streaming completions (chat completions) reach the client
// incrementally rather than being buffered in full.
//
// cancel and readTimeout implement the request_timeout contract's other
// half: ResponseHeaderTimeout on the client only bounds time-to-first-byte,
// so once headers arrive a backend that stops sending body chunks would
// otherwise hang the copy (and the backend's active_requests slot) forever.
// A timer is reset after every read and fires cancel if none lands within
// readTimeout, which aborts the in-flight request and unblocks src.Read with
// a context error — the same idle-between-chunks deadline the original
// gets from httpx.Timeout(None, read=request_timeout), distinct from a cap
// on total stream duration.
func streamCopy(w http.ResponseWriter, src io.Reader, cancel context.CancelFunc, readTimeout time.Duration) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	var timer *time.Timer
	if readTimeout > 0 {
		timer = time.AfterFunc(readTimeout, cancel)
		defer timer.Stop()
	}

	for {
		n, err := src.Read(buf)
		if timer != nil {
			timer.Reset(readTimeout)
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
