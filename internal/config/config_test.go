package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "default config should be valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid http port",
			mutate:  func(c *Config) { c.Server.HTTPPort = 0 },
			wantErr: true,
		},
		{
			name:    "missing registry path",
			mutate:  func(c *Config) { c.Registry.Path = "" },
			wantErr: true,
		},
		{
			name:    "etcd lease without etcd",
			mutate:  func(c *Config) { c.Lease.Backend = "etcd" },
			wantErr: true,
		},
		{
			name: "etcd lease with etcd enabled",
			mutate: func(c *Config) {
				c.Etcd.Enabled = true
				c.Lease.Backend = "etcd"
			},
			wantErr: false,
		},
		{
			name:    "redis lease without url",
			mutate:  func(c *Config) { c.Lease.Backend = "redis" },
			wantErr: true,
		},
		{
			name:    "unknown lease backend",
			mutate:  func(c *Config) { c.Lease.Backend = "zookeeper" },
			wantErr: true,
		},
		{
			name:    "zero dedup ttl",
			mutate:  func(c *Config) { c.Dedup.TTL = 0 },
			wantErr: true,
		},
		{
			name:    "zero indexing batch size",
			mutate:  func(c *Config) { c.Indexing.BatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero repository retries",
			mutate:  func(c *Config) { c.Indexing.RepositoryRetries = 0 },
			wantErr: true,
		},
		{
			name:    "non-positive initial backoff",
			mutate:  func(c *Config) { c.Rollout.InitialBackoff = 0 },
			wantErr: true,
		},
		{
			name:    "reservation factor below one",
			mutate:  func(c *Config) { c.Rollout.ReservationFactor = 0.5 },
			wantErr: true,
		},
		{
			name:    "zero eviction batch size",
			mutate:  func(c *Config) { c.Watermark.EvictionBatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero accounting repository batch size",
			mutate:  func(c *Config) { c.Accounting.RepositoryBatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "invalid logging level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Indexing.BatchSize)
	assert.Equal(t, 3, cfg.Indexing.RepositoryRetries)
	assert.Equal(t, 10*time.Minute, cfg.Rollout.LeaseTTL)
	assert.Equal(t, 5*time.Minute, cfg.Rollout.InitialBackoff)
	assert.Equal(t, 5, cfg.Rollout.MaxRetries)
	assert.Equal(t, 100, cfg.Accounting.BatchSize)
	assert.Equal(t, 10000, cfg.Accounting.RepositoryBatchSize)
	assert.Equal(t, "memory", cfg.Queue.Type)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 6000
registry:
  path: /tmp/searchcoord/registry.db
features:
  indexing_paused: true
rollout:
  initial_backoff: 2m
  max_retries: 2
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.HTTPPort)
	assert.Equal(t, "/tmp/searchcoord/registry.db", cfg.Registry.Path)
	assert.True(t, cfg.Features.IndexingPaused)
	assert.True(t, cfg.Features.IndexingEnabled, "unset keys keep defaults")
	assert.Equal(t, 2*time.Minute, cfg.Rollout.InitialBackoff)
	assert.Equal(t, 2, cfg.Rollout.MaxRetries)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)

	cfg := LoadOrDefault(path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestQueueConfig_Subject(t *testing.T) {
	q := QueueConfig{}
	assert.Equal(t, "searchcoord.events.TaskFailed", q.Subject("TaskFailed"))

	q.SubjectPrefix = "staging.events"
	assert.Equal(t, "staging.events.IndexToEvict", q.Subject("IndexToEvict"))
}

func TestGetServerAddress(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:5570", cfg.GetServerAddress())
}
