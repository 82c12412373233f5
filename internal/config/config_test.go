package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bal4/internal/config"
)

func TestDefault_ReturnsUsableConfig(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 9295, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, config.MethodRoundRobin, cfg.Method)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "127.0.0.1", cfg.Backends[0].Host)
	require.NotNil(t, cfg.Runtime)
	assert.Equal(t, config.OverloadReject, cfg.Runtime.OverloadPolicy)
}

func TestLoad_ValidYAML_ExplicitRuntime(t *testing.T) {
	yaml := `
port: 9090
bind_address: "127.0.0.1"
method: "round_robin"
backends:
  - host: "backend-a"
    port: 8000
  - host: "backend-b"
    port: 8001
runtime:
  health_check_interval_ms: 1500
  health_check_timeout_ms: 600
  health_check_fail_threshold: 2
  health_check_success_threshold: 1
  backend_connect_timeout_ms: 400
  failover_backoff_initial_ms: 200
  failover_backoff_max_ms: 4000
  backend_cooldown_ms: 1000
  protection_trigger_threshold: 3
  protection_window_ms: 20000
  protection_stable_success_threshold: 3
  max_concurrent_connections: 5000
  connection_idle_timeout_ms: 120000
  overload_policy: "reject"
  tcp_backlog: 512
`
	f := writeTempYAML(t, yaml)
	cfg, _, err := config.Load(f)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.BindAddress)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "backend-a", cfg.Backends[0].Host)
	assert.Equal(t, 8000, cfg.Backends[0].Port)
	require.NotNil(t, cfg.Runtime)
	assert.EqualValues(t, 1500, cfg.Runtime.HealthCheckIntervalMs)
	assert.EqualValues(t, 512, cfg.Runtime.TCPBacklog)
	assert.Equal(t, f, cfg.Path)
}

func TestLoad_MissingRuntime_AppliesAutoTuneProfile(t *testing.T) {
	yaml := `
port: 9000
backends:
  - host: "a"
    port: 1
  - host: "b"
    port: 2
  - host: "c"
    port: 3
`
	f := writeTempYAML(t, yaml)
	cfg, _, err := config.Load(f)
	require.NoError(t, err)

	require.NotNil(t, cfg.Runtime)
	assert.Equal(t, config.AutoTuneProfile(3), *cfg.Runtime)
}

func TestLoad_MissingFile_ReturnsError(t *testing.T) {
	_, _, err := config.Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_EmptyBackends_ReturnsError(t *testing.T) {
	yaml := `
port: 8080
backends: []
`
	f := writeTempYAML(t, yaml)
	_, _, err := config.Load(f)
	assert.Error(t, err, "a config with no backends should be rejected")
}

func TestLoad_DuplicateBackend_ReturnsError(t *testing.T) {
	yaml := `
port: 8080
backends:
  - host: "a"
    port: 9000
  - host: "a"
    port: 9000
`
	f := writeTempYAML(t, yaml)
	_, _, err := config.Load(f)
	assert.Error(t, err, "duplicate (host, port) backends should be rejected")
}

func TestLoad_InvalidPort_ReturnsError(t *testing.T) {
	yaml := `
port: 0
backends:
  - host: "a"
    port: 9000
`
	f := writeTempYAML(t, yaml)
	_, _, err := config.Load(f)
	assert.Error(t, err)
}

func TestLoad_UnknownMethod_ReturnsError(t *testing.T) {
	yaml := `
port: 8080
method: "weighted_round_robin"
backends:
  - host: "a"
    port: 9000
`
	f := writeTempYAML(t, yaml)
	_, _, err := config.Load(f)
	assert.Error(t, err, "weighted load balancing is out of scope")
}

func TestValidate_BackoffMaxBelowInitial_ReturnsError(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.FailoverBackoffInitialMs = 5000
	cfg.Runtime.FailoverBackoffMaxMs = 1000
	assert.Error(t, config.Validate(cfg))
}

func TestAutoTuneProfile_ScalesWithBackendCount(t *testing.T) {
	small := config.AutoTuneProfile(2)
	medium := config.AutoTuneProfile(5)
	large := config.AutoTuneProfile(20)

	assert.Less(t, small.HealthCheckIntervalMs, medium.HealthCheckIntervalMs)
	assert.Less(t, medium.HealthCheckIntervalMs, large.HealthCheckIntervalMs)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}
