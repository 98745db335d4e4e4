// Command loadbalancer is the MLNode load balancer entry point.
//
// Usage:
//
//	loadbalancer [-config path/to/loadbalancer.yaml]
//
// The core backend pool (MLNODE_BACKENDS and friends) is loaded once from
// the environment and is immutable for the process lifetime. The optional
// -config file layers ambient features — admin dashboard, JWT auth, rate
// limiting, log level — on top, and is hot-reloadable: edit it while the
// process is running and changes take effect without a restart. Shutdown is
// graceful: send SIGINT or SIGTERM and in-flight requests are given up to
// 10 seconds to complete.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"mlnode-lb/internal/admin"
	"mlnode-lb/internal/config"
	"mlnode-lb/internal/health"
	"mlnode-lb/internal/middleware"
	"mlnode-lb/internal/pool"
	"mlnode-lb/internal/proxy"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

const listenAddr = ":8080"

func main() {
	configPath := flag.String("config", "configs/loadbalancer.yaml", "path to loadbalancer.yaml (ambient features)")
	flag.Parse()

	startTime := time.Now()

	var logLevel slog.LevelVar
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &logLevel,
	})))

	// ── Core: env-configured, immutable for the process lifetime ────────────
	settings, err := pool.LoadSettings()
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	p := pool.New(settings)
	monitor := health.New(p, settings)
	monitor.Start()

	gw := proxy.New(p, settings)

	// ── Ambient: optional YAML, hot-reloadable ───────────────────────────────
	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load ambient config, running with ambient features disabled",
			"path", *configPath,
			"error", err,
		)
		cfg = config.Default()
		v = nil
	}

	reg := admin.NewRegistry(p)
	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(reg, cfg.Admin.ListenAddr, startTime, version)
		adminSrv.Start()
	}

	// The atomicHandler lets hot-reload swap the ambient chain (auth,
	// rate-limit) without blocking in-flight requests on the core routes.
	var current atomic.Value
	buildChain := func(c config.Runtime) http.Handler {
		if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
			slog.Warn("invalid log_level, keeping previous level", "log_level", c.LogLevel, "error", err)
		}
		var h http.Handler = coreMux(p, gw)
		if c.Auth.Enabled {
			h = middleware.JWTAuth(c.Auth.Secret, c.Auth.Exclude)(h)
		}
		if c.RateLimit.Enabled {
			h = middleware.RateLimiter(c.RateLimit.RPS, c.RateLimit.Burst)(h)
		}
		return middleware.Logger(h)
	}
	current.Store(buildChain(cfg))

	atomicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().(http.Handler).ServeHTTP(w, r)
	})

	if v != nil {
		config.Watch(v, func(newCfg config.Runtime) {
			current.Store(buildChain(newCfg))

			if newCfg.Admin.Enabled && adminSrv == nil {
				adminSrv = admin.New(reg, newCfg.Admin.ListenAddr, startTime, version)
				adminSrv.Start()
			} else if !newCfg.Admin.Enabled && adminSrv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = adminSrv.Stop(ctx)
				cancel()
				adminSrv = nil
			}

			slog.Info("ambient config hot-reloaded",
				"rate_limit", newCfg.RateLimit.Enabled,
				"auth", newCfg.Auth.Enabled,
				"admin", newCfg.Admin.Enabled,
			)
		})
	}

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      atomicHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // unbounded: streaming completions may run arbitrarily long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("load balancer listening",
			"addr", listenAddr,
			"backends", len(settings.BackendURLs),
			"rate_limit", cfg.RateLimit.Enabled,
			"auth", cfg.Auth.Enabled,
			"admin", cfg.Admin.Enabled,
			"version", version,
			"commit", commit,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down load balancer")

	monitor.Stop()
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminSrv.Stop(ctx)
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("load balancer stopped")
}

// coreMux builds the route table of §4.6: the state and health endpoints,
// the primary /v1/* inference proxy, and the legacy fallback passthrough to
// the first configured backend.
func coreMux(p *pool.Pool, gw *proxy.Gateway) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Snapshot())
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if p.AnyAvailable() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
			return
		}
		writeDetail(w, http.StatusServiceUnavailable, "No healthy inference backends")
	})

	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.ServeFallback(w, r, "No MLNode backends configured")
	})

	// Registering one pattern per supported method (rather than a bare
	// "/v1/") lets ServeMux answer 405 for anything outside that set, per
	// §6's "methods outside the supported set on proxied routes return 405".
	// HEAD gets no pattern of its own: ServeMux already matches HEAD requests
	// against GET patterns, and an explicit "HEAD /" would conflict with
	// "GET /v1/" at registration.
	for _, method := range proxy.SupportedMethods {
		if method == http.MethodHead {
			continue
		}
		mux.Handle(method+" /v1/", gw)
		mux.Handle(method+" /", fallback)
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
