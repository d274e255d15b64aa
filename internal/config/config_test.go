package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Second, cfg.Conversion.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.Conversion.Timeout)
	assert.Equal(t, 3, cfg.Vision.BatchSize)
	assert.Equal(t, "gpt-5-mini", cfg.Vision.Model)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "/tmp/doc-extraction.db", cfg.Database.SQLite.Path)
	assert.Zero(t, cfg.Extraction.JobTimeout, "job runs are bounded by their own limits")
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
conversion:
  poll_interval: 500ms
  timeout: 1m
vision:
  batch_size: 5
extraction:
  default_max_retries: 1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Conversion.PollInterval)
	assert.Equal(t, time.Minute, cfg.Conversion.Timeout)
	assert.Equal(t, 5, cfg.Vision.BatchSize)
	assert.Equal(t, 1, cfg.Extraction.DefaultMaxRetries)
	// untouched sections keep defaults
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/jobs?sslmode=disable")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("BLOB_ROOT", "/data/blobs")
	t.Setenv("DATALAB_API_KEY", "dl-key")
	t.Setenv("GPT_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "oa-key")
	t.Setenv("GPT_MODEL", "gpt-4o-mini")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/jobs?sslmode=disable", cfg.Database.Postgres.DSN)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "redis://cache:6379", cfg.Cache.Redis.URL)
	assert.Equal(t, "/data/blobs", cfg.Blob.Root)
	assert.Equal(t, "dl-key", cfg.Conversion.APIKey)
	assert.Equal(t, "oa-key", cfg.Vision.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Vision.Model)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoad_SQLiteURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:/var/lib/jobs.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/var/lib/jobs.db", cfg.Database.SQLite.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "invalid database driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn is required"},
		{"bad cache", func(c *Config) { c.Cache.Driver = "memcached" }, "invalid cache driver"},
		{"empty blob root", func(c *Config) { c.Blob.Root = "" }, "blob root"},
		{"timeout below interval", func(c *Config) { c.Conversion.Timeout = time.Second }, "shorter than poll interval"},
		{"zero batch", func(c *Config) { c.Vision.BatchSize = 0 }, "batch_size"},
		{"zero attempts", func(c *Config) { c.Vision.MaxAttempts = 0 }, "max_attempts"},
		{"no workers", func(c *Config) { c.Extraction.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
		{"negative retries", func(c *Config) { c.Extraction.DefaultMaxRetries = -1 }, "default_max_retries"},
		{"negative job timeout", func(c *Config) { c.Extraction.JobTimeout = -time.Second }, "job_timeout"},
		{"images over limit", func(c *Config) { c.Extraction.DefaultMaxImages = 500 }, "default_max_images"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
