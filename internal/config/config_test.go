package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roomstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server_name: a.example
listen: 127.0.0.1:9000
database: /var/lib/roomstate/a.db
log:
  level: debug
  format: json
resolution:
  max_backfill: 8
replication:
  timeout: 3s
  peers:
    b.example: http://127.0.0.1:9001
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a.example", cfg.ServerName)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/var/lib/roomstate/a.db", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Resolution.MaxBackfill)
	assert.Equal(t, 3*time.Second, cfg.Replication.Timeout)
	assert.Equal(t, map[string]string{"b.example": "http://127.0.0.1:9001"}, cfg.Replication.Peers)
	assert.False(t, cfg.Metrics.Enabled)

	// Unset keys keep their defaults.
	assert.Equal(t, 4, cfg.Replication.MaxAttempts)
	assert.Equal(t, 0.6, cfg.Replication.Breaker.FailureThreshold)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server_name: a.example\nresolution:\n  max_backfill: 8\n")

	t.Setenv("ROOMSTATE_SERVER_NAME", "z.example")
	t.Setenv("ROOMSTATE_MAX_BACKFILL", "16")
	t.Setenv("ROOMSTATE_LOG_LEVEL", "warn")
	t.Setenv("ROOMSTATE_METRICS_ENABLED", "false")
	t.Setenv("ROOMSTATE_PEERS", "b.example=http://127.0.0.1:1, c.example=http://127.0.0.1:2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "z.example", cfg.ServerName)
	assert.Equal(t, 16, cfg.Resolution.MaxBackfill)
	assert.Equal(t, slog.LevelWarn, cfg.Log.SlogLevel())
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, map[string]string{
		"b.example": "http://127.0.0.1:1",
		"c.example": "http://127.0.0.1:2",
	}, cfg.Replication.Peers)
}

func TestLoad_BadEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"ROOMSTATE_MAX_BACKFILL", "lots"},
		{"ROOMSTATE_METRICS_ENABLED", "maybe"},
		{"ROOMSTATE_PEERS", "b.example"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "server_nmae: typo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_nmae")

	_, err = Load(writeConfig(t, "listen: [\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty server name", func(c *Config) { c.ServerName = "" }, "server_name is required"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level must be one of: debug info warn error"},
		{"zero backfill", func(c *Config) { c.Resolution.MaxBackfill = 0 }, "resolution.max_backfill must be gte 1"},
		{"bad peer url", func(c *Config) { c.Replication.Peers["b.example"] = "not a url" }, "must be a URL"},
		{"max below min wait", func(c *Config) { c.Replication.MaxWait = time.Millisecond }, "replication.max_wait must not be less than MinWait"},
		{"threshold above one", func(c *Config) { c.Replication.Breaker.FailureThreshold = 1.5 }, "replication.breaker.failure_threshold must be lte 1"},
		{"metrics without namespace", func(c *Config) { c.Metrics.Namespace = "" }, "metrics.namespace is required"},
		{"bad listen", func(c *Config) { c.Listen = "nowhere" }, "listen is invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMetricsNamespace_OptionalWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Namespace = ""
	assert.NoError(t, cfg.Validate())
}

func TestWrite_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.ServerName = "a.example"
	cfg.Replication.Peers["b.example"] = "http://127.0.0.1:9001"

	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))

	path := writeConfig(t, buf.String())
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
