package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Transport.URL)
	assert.Equal(t, 100, cfg.Transport.MaxQueueSize)
	assert.Equal(t, 5, cfg.Transport.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Transport.Breaker.ResetTimeout)
	assert.True(t, cfg.Transport.AutoReconnect)
	assert.Equal(t, 5*time.Second, cfg.Monitor.LatencyInterval)
	assert.Equal(t, 50, cfg.Monitor.MaxAlerts)
	assert.Equal(t, "file", cfg.Alerts.Store)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  url: ws://file-host:1234/ws
  max_queue_size: 10
  breaker:
    reset_timeout: 45s
monitor:
  latency_interval: 2s
  reliability_warning: 0.95
logger:
  level: debug
`), 0o644))
	t.Setenv("TRANSPORT_URL", "wss://env-host/ws")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://env-host/ws", cfg.Transport.URL)
	assert.Equal(t, 10, cfg.Transport.MaxQueueSize)
	assert.Equal(t, 45*time.Second, cfg.Transport.Breaker.ResetTimeout)
	assert.Equal(t, 2*time.Second, cfg.Monitor.LatencyInterval)
	assert.Equal(t, 0.95, cfg.Monitor.ReliabilityWarning)
	assert.Equal(t, 2, cfg.Transport.Breaker.SuccessThreshold)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  max_queue_size: 0\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
