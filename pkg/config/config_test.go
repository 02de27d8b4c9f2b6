package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:8000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Minute, cfg.TempAge)
	assert.Equal(t, 24*time.Hour, cfg.BatchAge)
	assert.Equal(t, 72*time.Hour, cfg.PendingAge)
	assert.GreaterOrEqual(t, cfg.WorkerConcurrency, 2)
	assert.LessOrEqual(t, cfg.WorkerConcurrency, 16)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "0.0.0.0:9000"
detector_url: "http://detector:8001"
worker_concurrency: 4
admin_username: "admin"
admin_password: "secret"
log_level: "debug"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "http://detector:8001", cfg.DetectorURL)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset fields keep their defaults
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "ops")
	t.Setenv("ADMIN_PASSWORD", "hunter2")
	t.Setenv("SESSION_DURATION", "120")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.AdminUsername)
	assert.Equal(t, "hunter2", cfg.AdminPassword)
	assert.Equal(t, 2*time.Minute, cfg.SessionDuration)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.InDelta(t, 0.5, cfg.ConfidenceThreshold, 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing store root", mutate: func(c *Config) { c.StoreRoot = "" }},
		{name: "missing detector url", mutate: func(c *Config) { c.DetectorURL = "" }},
		{name: "zero workers", mutate: func(c *Config) { c.WorkerConcurrency = 0 }},
		{name: "missing admin credentials", mutate: func(c *Config) { c.AdminPassword = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.AdminUsername = "admin"
			cfg.AdminPassword = "secret"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
