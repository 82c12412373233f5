// Package config handles loading and hot-reloading of the core's YAML
// configuration via Viper. All struct fields except Config.Path map 1-to-1
// with the on-disk config file.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// OverloadPolicy names the admission-control behavior applied once
// max_concurrent_connections is reached. Reject is the only covered value.
type OverloadPolicy string

const OverloadReject OverloadPolicy = "reject"

// Method is the configured load-balancing algorithm.
type Method string

const (
	MethodRoundRobin       Method = "round_robin"
	MethodLeastConnections Method = "least_connections" // reserved, not covered
)

// BackendCfg is one entry in the `backends` list.
type BackendCfg struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RuntimeTuning holds every timing/threshold knob the core reads. Every
// field must be > 0 unless noted; tcp_backlog is optional (0 means the
// listener's implicit default).
type RuntimeTuning struct {
	HealthCheckIntervalMs         int64          `mapstructure:"health_check_interval_ms"`
	HealthCheckTimeoutMs          int64          `mapstructure:"health_check_timeout_ms"`
	HealthCheckFailThreshold      uint32         `mapstructure:"health_check_fail_threshold"`
	HealthCheckSuccessThreshold   uint32         `mapstructure:"health_check_success_threshold"`
	BackendConnectTimeoutMs       int64          `mapstructure:"backend_connect_timeout_ms"`
	FailoverBackoffInitialMs      int64          `mapstructure:"failover_backoff_initial_ms"`
	FailoverBackoffMaxMs          int64          `mapstructure:"failover_backoff_max_ms"`
	BackendCooldownMs             int64          `mapstructure:"backend_cooldown_ms"`
	ProtectionTriggerThreshold    uint32         `mapstructure:"protection_trigger_threshold"`
	ProtectionWindowMs            int64          `mapstructure:"protection_window_ms"`
	ProtectionStableSuccessThresh uint32         `mapstructure:"protection_stable_success_threshold"`
	MaxConcurrentConnections      int64          `mapstructure:"max_concurrent_connections"`
	ConnectionIdleTimeoutMs       int64          `mapstructure:"connection_idle_timeout_ms"`
	OverloadPolicy                OverloadPolicy `mapstructure:"overload_policy"`
	TCPBacklog                    int            `mapstructure:"tcp_backlog"`
}

// Config is the top-level, validated configuration the core consumes.
type Config struct {
	Port        int            `mapstructure:"port"`
	BindAddress string         `mapstructure:"bind_address"`
	Method      Method         `mapstructure:"method"`
	Backends    []BackendCfg   `mapstructure:"backends"`
	Runtime     *RuntimeTuning `mapstructure:"runtime"`

	// Path is the source file this Config was loaded from, carried in the
	// installed RuntimeSnapshot so a bare SIGHUP can reload without an
	// explicit path argument.
	Path string `mapstructure:"-"`
}

// AutoTuneProfile returns the tuning profile the loader selects when
// `runtime` is absent from the config file, keyed by backend count.
func AutoTuneProfile(backendCount int) RuntimeTuning {
	switch {
	case backendCount <= 2:
		return RuntimeTuning{
			HealthCheckIntervalMs:         1000,
			HealthCheckTimeoutMs:          500,
			HealthCheckFailThreshold:      2,
			HealthCheckSuccessThreshold:   1,
			BackendConnectTimeoutMs:       300,
			FailoverBackoffInitialMs:      200,
			FailoverBackoffMaxMs:          5000,
			BackendCooldownMs:             1000,
			ProtectionTriggerThreshold:    3,
			ProtectionWindowMs:            30000,
			ProtectionStableSuccessThresh: 3,
			MaxConcurrentConnections:      10000,
			ConnectionIdleTimeoutMs:       300000,
			OverloadPolicy:                OverloadReject,
		}
	case backendCount <= 5:
		return RuntimeTuning{
			HealthCheckIntervalMs:         2000,
			HealthCheckTimeoutMs:          750,
			HealthCheckFailThreshold:      3,
			HealthCheckSuccessThreshold:   2,
			BackendConnectTimeoutMs:       500,
			FailoverBackoffInitialMs:      250,
			FailoverBackoffMaxMs:          8000,
			BackendCooldownMs:             2000,
			ProtectionTriggerThreshold:    4,
			ProtectionWindowMs:            45000,
			ProtectionStableSuccessThresh: 3,
			MaxConcurrentConnections:      20000,
			ConnectionIdleTimeoutMs:       300000,
			OverloadPolicy:                OverloadReject,
		}
	default:
		return RuntimeTuning{
			HealthCheckIntervalMs:         3000,
			HealthCheckTimeoutMs:          1000,
			HealthCheckFailThreshold:      3,
			HealthCheckSuccessThreshold:   2,
			BackendConnectTimeoutMs:       750,
			FailoverBackoffInitialMs:      250,
			FailoverBackoffMaxMs:          10000,
			BackendCooldownMs:             3000,
			ProtectionTriggerThreshold:    5,
			ProtectionWindowMs:            60000,
			ProtectionStableSuccessThresh: 4,
			MaxConcurrentConnections:      40000,
			ConnectionIdleTimeoutMs:       300000,
			OverloadPolicy:                OverloadReject,
		}
	}
}

// Default returns a single-backend development config.
func Default() Config {
	tuning := AutoTuneProfile(1)
	return Config{
		Port:        9295,
		BindAddress: "0.0.0.0",
		Method:      MethodRoundRobin,
		Backends:    []BackendCfg{{Host: "127.0.0.1", Port: 9000}},
		Runtime:     &tuning,
	}
}

// Load reads and parses the YAML file at path using Viper. It returns the
// validated Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v, path)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file
// is saved. The callback receives a freshly parsed Config. Invalid reloads
// are logged and silently skipped (the previous config stays active) — a
// second reload trigger alongside SIGHUP.
func Watch(v *viper.Viper, path string, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v, path)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded",
			"backends", len(cfg.Backends),
			"method", cfg.Method,
		)
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("bind_address", "0.0.0.0")
	v.SetDefault("method", "round_robin")
	v.SetDefault("runtime.overload_policy", "reject")

	return v
}

func unmarshal(v *viper.Viper, path string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	cfg.Path = path

	// The runtime.overload_policy default alone makes Runtime non-nil, so
	// absence is decided by the config file itself.
	if cfg.Runtime == nil || !v.InConfig("runtime") {
		tuning := AutoTuneProfile(len(cfg.Backends))
		cfg.Runtime = &tuning
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces every invariant the loader relies on: port >= 1, at
// least one backend, unique (host, port) pairs, and every runtime tuning
// field > 0 (tcp_backlog excepted) with backoff_max >= backoff_initial.
func Validate(cfg Config) error {
	if cfg.Port < 1 {
		return fmt.Errorf("config: port must be >= 1, got %d", cfg.Port)
	}
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("config: at least one backend must be defined")
	}

	seen := make(map[string]struct{}, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.Host == "" {
			return fmt.Errorf("config: backend[%d] has empty host", i)
		}
		if b.Port < 1 {
			return fmt.Errorf("config: backend[%d] has invalid port %d", i, b.Port)
		}
		key := fmt.Sprintf("%s:%d", b.Host, b.Port)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: duplicate backend %s", key)
		}
		seen[key] = struct{}{}
	}

	if cfg.Method != "" && cfg.Method != MethodRoundRobin && cfg.Method != MethodLeastConnections {
		return fmt.Errorf("config: unknown method %q", cfg.Method)
	}

	t := cfg.Runtime
	if t == nil {
		return fmt.Errorf("config: runtime tuning missing")
	}
	positive := map[string]int64{
		"health_check_interval_ms":    t.HealthCheckIntervalMs,
		"health_check_timeout_ms":     t.HealthCheckTimeoutMs,
		"backend_connect_timeout_ms":  t.BackendConnectTimeoutMs,
		"failover_backoff_initial_ms": t.FailoverBackoffInitialMs,
		"failover_backoff_max_ms":     t.FailoverBackoffMaxMs,
		"backend_cooldown_ms":         t.BackendCooldownMs,
		"protection_window_ms":        t.ProtectionWindowMs,
		"max_concurrent_connections":  t.MaxConcurrentConnections,
		"connection_idle_timeout_ms":  t.ConnectionIdleTimeoutMs,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config: runtime.%s must be > 0, got %d", name, v)
		}
	}
	if t.HealthCheckFailThreshold == 0 || t.HealthCheckSuccessThreshold == 0 {
		return fmt.Errorf("config: health_check_*_threshold must be > 0")
	}
	if t.ProtectionTriggerThreshold == 0 || t.ProtectionStableSuccessThresh == 0 {
		return fmt.Errorf("config: protection thresholds must be > 0")
	}
	if t.FailoverBackoffMaxMs < t.FailoverBackoffInitialMs {
		return fmt.Errorf("config: failover_backoff_max_ms must be >= failover_backoff_initial_ms")
	}
	if t.OverloadPolicy != "" && t.OverloadPolicy != OverloadReject {
		return fmt.Errorf("config: unknown overload_policy %q", t.OverloadPolicy)
	}

	return nil
}

// HealthCheckInterval returns the tuning field as a time.Duration.
func (t RuntimeTuning) HealthCheckInterval() time.Duration {
	return time.Duration(t.HealthCheckIntervalMs) * time.Millisecond
}

// HealthCheckTimeout returns the tuning field as a time.Duration.
func (t RuntimeTuning) HealthCheckTimeout() time.Duration {
	return time.Duration(t.HealthCheckTimeoutMs) * time.Millisecond
}

// BackendConnectTimeout returns the tuning field as a time.Duration.
func (t RuntimeTuning) BackendConnectTimeout() time.Duration {
	return time.Duration(t.BackendConnectTimeoutMs) * time.Millisecond
}

// ConnectionIdleTimeout returns the tuning field as a time.Duration.
func (t RuntimeTuning) ConnectionIdleTimeout() time.Duration {
	return time.Duration(t.ConnectionIdleTimeoutMs) * time.Millisecond
}

// FailoverBackoffInitial returns the tuning field as a time.Duration.
func (t RuntimeTuning) FailoverBackoffInitial() time.Duration {
	return time.Duration(t.FailoverBackoffInitialMs) * time.Millisecond
}

// FailoverBackoffMax returns the tuning field as a time.Duration.
func (t RuntimeTuning) FailoverBackoffMax() time.Duration {
	return time.Duration(t.FailoverBackoffMaxMs) * time.Millisecond
}

// BackendCooldown returns the tuning field as a time.Duration.
func (t RuntimeTuning) BackendCooldown() time.Duration {
	return time.Duration(t.BackendCooldownMs) * time.Millisecond
}
