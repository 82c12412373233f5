// Command bal4 is the L4 TCP load balancer entry point.
//
// Usage:
//
//	bal4 [-config path/to/config.yaml] [-runtime-dir path]
//
// bal4 supports zero-downtime hot-reload: edit config.yaml while the process
// is running (or send SIGHUP) and the backend pool and tuning change without
// dropping in-flight connections — no restart needed. Shutdown is graceful:
// send SIGINT or SIGTERM and active connections are given up to 30 seconds
// to finish before the process exits.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"bal4/internal/config"
	"bal4/internal/protection"
	"bal4/internal/runtimestate"
	"bal4/internal/supervisor"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/bal4.yaml", "path to config.yaml")
	runtimeDir := flag.String("runtime-dir", defaultRuntimeDir(), "directory for the pid file and protection state")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	slog.Info("bal4 starting", "version", version, "commit", commit, "pid", os.Getpid())

	guard, err := supervisor.AcquirePIDFile(*runtimeDir)
	if err != nil {
		slog.Error("failed to acquire pid file", "error", err)
		os.Exit(1)
	}
	defer guard.Release()

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = config.Default()
		v = nil
	}

	slog.Info("configuration loaded",
		"path", *configPath,
		"bind_address", cfg.BindAddress,
		"port", cfg.Port,
		"method", cfg.Method,
		"backends", len(cfg.Backends),
	)

	snap := runtimestate.New(cfg)
	mode := protection.New(protection.Params{
		TriggerThreshold:         cfg.Runtime.ProtectionTriggerThreshold,
		WindowMs:                 cfg.Runtime.ProtectionWindowMs,
		StableRecoveriesRequired: cfg.Runtime.ProtectionStableSuccessThresh,
	}, protection.StatePath(*runtimeDir))

	cell := runtimestate.NewCell(snap, mode)
	sup := supervisor.New(cell)

	if v != nil {
		config.Watch(v, *configPath, func(config.Config) {
			slog.Info("file watch observed a config change, requesting gated reload")
			sup.TriggerReload()
		})
	}

	if err := sup.Run(context.Background()); err != nil {
		slog.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

func defaultRuntimeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.bal4"
	}
	return ".bal4"
}
