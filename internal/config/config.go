// Package config handles loading and hot-reloading of the load balancer's
// optional ambient configuration file via Viper.
//
// This file covers only ambient concerns layered on top of the core proxy:
// the admin dashboard, JWT auth, rate limiting, and log level. The backend
// list and core timeouts are env-configured and immutable for the process
// lifetime (see internal/pool.Settings) and are deliberately NOT part of
// this struct — hot-reloading them would violate the core spec's Lifecycle
// invariant.
package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RateLimitCfg controls per-IP token-bucket rate limiting.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AuthCfg controls JWT Bearer-token authentication in front of the proxy.
type AuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`
	Exclude []string `mapstructure:"exclude"`
}

// AdminCfg controls the management dashboard HTTP server.
type AdminCfg struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Runtime is the ambient configuration layered on top of the env-configured
// core. It is hot-reloadable without restarting the process.
type Runtime struct {
	LogLevel  string       `mapstructure:"log_level"`
	RateLimit RateLimitCfg `mapstructure:"rate_limit"`
	Auth      AuthCfg      `mapstructure:"auth"`
	Admin     AdminCfg     `mapstructure:"admin"`
}

// Default returns ambient features disabled — the gateway runs with just
// the core proxy when no file is present.
func Default() Runtime {
	return Runtime{
		LogLevel:  "info",
		RateLimit: RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Auth:      AuthCfg{Enabled: false},
		Admin:     AdminCfg{Enabled: false, ListenAddr: ":9091"},
	}
}

// Load reads and parses the YAML file at path using Viper. It returns the
// parsed Runtime and the Viper instance (needed for Watch).
func Load(path string) (Runtime, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Runtime{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Runtime{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file
// is saved. The callback receives a freshly parsed Runtime. Invalid reloads
// are logged and silently skipped — the previous Runtime stays active.
func Watch(v *viper.Viper, onChange func(Runtime)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("ambient config hot-reload failed", "error", err)
			return
		}
		slog.Info("ambient config hot-reloaded",
			"rate_limit", cfg.RateLimit.Enabled,
			"auth", cfg.Auth.Enabled,
			"admin", cfg.Admin.Enabled,
		)
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.listen_addr", ":9091")

	return v
}

func unmarshal(v *viper.Viper) (Runtime, error) {
	var cfg Runtime
	if err := v.Unmarshal(&cfg); err != nil {
		return Runtime{}, fmt.Errorf("config: parsing: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		return Runtime{}, fmt.Errorf("config: auth.enabled requires auth.secret")
	}
	return cfg, nil
}
