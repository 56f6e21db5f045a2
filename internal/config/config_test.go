package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
}

func TestLoad_YAMLThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "sync.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
api_base_url: http://api.internal:9000
realtime_url: ws://api.internal:9000/ws
heartbeat_interval: 15s
reconnect_max_attempts: 7
`), 0o600))

	t.Setenv("SYNC_RECONNECT_MAX_ATTEMPTS", "9")
	t.Setenv("SYNC_LOG_LEVEL", "debug")

	cfg, err := Load(yamlPath, "")
	require.NoError(t, err)

	assert.Equal(t, "http://api.internal:9000", cfg.APIBaseURL)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 9, cfg.ReconnectMaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0.83, cfg.RefreshRatio)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SYNC_STORAGE_PREFIX=envtest\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SYNC_STORAGE_PREFIX") })

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "envtest", cfg.StoragePrefix)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingYAMLFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty api url", func(c *Config) { c.APIBaseURL = "" }},
		{"empty realtime url", func(c *Config) { c.RealtimeURL = "" }},
		{"unknown backend", func(c *Config) { c.StorageBackend = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.StorageBackend = BackendPostgres }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"ratio too large", func(c *Config) { c.RefreshRatio = 1 }},
		{"ratio zero", func(c *Config) { c.RefreshRatio = 0 }},
		{"negative attempts", func(c *Config) { c.ReconnectMaxAttempts = -1 }},
		{"zero queue", func(c *Config) { c.MaxQueuedFrames = 0 }},
		{"zero history", func(c *Config) { c.HistorySize = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
